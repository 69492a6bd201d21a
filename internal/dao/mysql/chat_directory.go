package mysql

import (
	"context"
	"time"

	"kama_relay_server/internal/model"
	"kama_relay_server/pkg/errorx"
	"kama_relay_server/pkg/util/pool"

	"gorm.io/gorm"
)

type chatDirectory struct {
	db   *gorm.DB
	pool *pool.Pool
}

// ChatRepository 会话目录，额外提供建会话（migrate --seed 与测试使用）
type ChatRepository interface {
	ChatDirectory
	CreateChat(ctx context.Context, chatID, kind string, members []string) (*model.Chat, error)
}

// NewChatDirectory 创建会话目录
func NewChatDirectory(db *gorm.DB, p *pool.Pool) ChatRepository {
	return &chatDirectory{db: db, pool: p}
}

// ParticipantsOf 返回当前成员，按身份排序
func (d *chatDirectory) ParticipantsOf(ctx context.Context, chatID string) ([]string, error) {
	var members []string
	err := d.pool.Do(ctx, func(ctx context.Context) error {
		db := d.db.WithContext(ctx)
		var n int64
		if err := db.Model(&model.Chat{}).Where("id = ?", chatID).Count(&n).Error; err != nil {
			return wrapDBErrorf(err, "find chat %s", chatID)
		}
		if n == 0 {
			return errorx.Newf(errorx.CodeNotFound, "chat %s not found", chatID)
		}
		return wrapDBErrorf(db.Model(&model.ChatMember{}).Where("chat_id = ?", chatID).
			Order("identity ASC").Pluck("identity", &members).Error, "participants of %s", chatID)
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}

// Exists 会话是否存在
func (d *chatDirectory) Exists(ctx context.Context, chatID string) (bool, error) {
	var n int64
	err := d.pool.Do(ctx, func(ctx context.Context) error {
		return wrapDBErrorf(d.db.WithContext(ctx).Model(&model.Chat{}).Where("id = ?", chatID).Count(&n).Error,
			"find chat %s", chatID)
	})
	return n > 0, err
}

// CreateChat 创建会话及成员
// 成员不能为空，单聊必须恰好两人
func (d *chatDirectory) CreateChat(ctx context.Context, chatID, kind string, members []string) (*model.Chat, error) {
	members = dedupe(members)
	if chatID == "" || len(members) == 0 {
		return nil, errorx.New(errorx.CodeInvalidParam, "chat id and members are required")
	}
	switch kind {
	case model.ChatKindDirect:
		if len(members) != 2 {
			return nil, errorx.Newf(errorx.CodeInvalidParam, "direct chat needs exactly 2 participants, got %d", len(members))
		}
	case model.ChatKindGroup:
	default:
		return nil, errorx.Newf(errorx.CodeInvalidParam, "unknown chat kind %q", kind)
	}

	now := time.Now().UTC()
	chat := &model.Chat{ID: chatID, Kind: kind, CreatedAt: now}
	for _, m := range members {
		chat.Members = append(chat.Members, model.ChatMember{ChatID: chatID, Identity: m, JoinedAt: now})
	}
	err := d.pool.Do(ctx, func(ctx context.Context) error {
		return wrapDBErrorf(d.db.WithContext(ctx).Create(chat).Error, "create chat %s", chatID)
	})
	if err != nil {
		return nil, err
	}
	return chat, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
