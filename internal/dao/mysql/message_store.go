package mysql

import (
	"context"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"kama_relay_server/internal/model"
	"kama_relay_server/pkg/constants"
	"kama_relay_server/pkg/errorx"
	"kama_relay_server/pkg/util/pool"
	"kama_relay_server/pkg/util/snowflake"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type messageStore struct {
	db   *gorm.DB
	pool *pool.Pool
}

// NewMessageStore 创建消息存储适配器
// 所有数据库访问都经过 p，池满时排队有限时间后返回 CapacityExceeded
func NewMessageStore(db *gorm.DB, p *pool.Pool) MessageStore {
	return &messageStore{db: db, pool: p}
}

// Append 在一个事务内锁定会话行并提交信封
// ID 在雪花 ID 基础上保证大于会话上一条消息 ID，CreatedAt 不早于上一条，Seq 连续
func (s *messageStore) Append(ctx context.Context, env *model.Envelope) (*model.Envelope, error) {
	var committed *model.Envelope
	err := s.pool.Do(ctx, func(ctx context.Context) error {
		var dup bool
		var err error
		committed, dup, err = s.appendTx(ctx, env)
		if err != nil {
			return err
		}
		if dup {
			return errorx.ErrDuplicateClientToken
		}
		return nil
	})
	if err != nil && !errors.Is(err, errorx.ErrDuplicateClientToken) {
		return nil, err
	}
	return committed, err
}

func (s *messageStore) appendTx(ctx context.Context, env *model.Envelope) (*model.Envelope, bool, error) {
	var (
		out *model.Envelope
		dup bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var chat model.Chat
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", env.ChatID).First(&chat).Error; err != nil {
			return wrapDBErrorf(err, "lock chat %s", env.ChatID)
		}

		// 同一令牌已提交：返回原信封
		existing, err := findByToken(tx, env.ChatID, env.SenderID, env.ClientToken)
		if err != nil {
			return err
		}
		if existing != nil {
			out, dup = existing, true
			return nil
		}

		id := snowflake.GenerateID()
		if id <= chat.LastMessageID {
			id = chat.LastMessageID + 1
		}
		now := time.Now().UTC().Truncate(time.Millisecond)
		if chat.LastMessageAt != nil && now.Before(*chat.LastMessageAt) {
			now = chat.LastMessageAt.UTC()
		}

		row := *env
		row.ID = id
		row.Seq = chat.LastSeq + 1
		row.CreatedAt = now
		row.DeletedAt = nil
		if err := tx.Create(&row).Error; err != nil {
			return wrapDBErrorf(err, "insert envelope chat=%s", env.ChatID)
		}

		res := tx.Model(&model.Chat{}).Where("id = ?", chat.ID).Updates(map[string]any{
			"last_seq":        row.Seq,
			"last_message_id": row.ID,
			"last_message_at": row.CreatedAt,
		})
		if res.Error != nil {
			return wrapDBErrorf(res.Error, "advance chat %s", chat.ID)
		}
		out = &row
		return nil
	})
	if err == nil {
		return out, dup, nil
	}

	// 并发插入撞上唯一键：令牌冲突视为重复提交，其他冲突（ID / Seq）按暂时性错误处理
	if errors.Is(err, errorx.ErrDuplicateClientToken) {
		existing, findErr := findByToken(s.db.WithContext(ctx), env.ChatID, env.SenderID, env.ClientToken)
		if findErr == nil && existing != nil {
			return existing, true, nil
		}
		zap.L().Warn("envelope key collision", zap.String("chat_id", env.ChatID), zap.Error(err))
		return nil, false, errorx.Wrap(err, errorx.CodeStoreError, "envelope key collision")
	}
	return nil, false, err
}

func findByToken(db *gorm.DB, chatID, senderID, token string) (*model.Envelope, error) {
	var env model.Envelope
	err := db.Where("chat_id = ? AND sender_id = ? AND client_token = ?", chatID, senderID, token).
		Limit(1).Find(&env).Error
	if err != nil {
		return nil, wrapDBErrorf(err, "find envelope by token chat=%s", chatID)
	}
	if env.ID == 0 {
		return nil, nil
	}
	return &env, nil
}

// History 倒序分页
// 游标是上一页最后一条的 (created_at, id)，时间相同时按 id 排序，翻页不重不漏
func (s *messageStore) History(ctx context.Context, chatID, cursor string, limit int) (*HistoryPage, error) {
	limit = clampLimit(limit)
	var rows []model.Envelope
	err := s.pool.Do(ctx, func(ctx context.Context) error {
		q := s.db.WithContext(ctx).Where("chat_id = ?", chatID)
		if cursor != "" {
			at, id, err := decodeCursor(cursor)
			if err != nil {
				return err
			}
			q = q.Where("(created_at < ? OR (created_at = ? AND id < ?))", at, at, id)
		}
		// 多取一条判断是否还有下一页
		if err := q.Order("created_at DESC").Order("id DESC").Limit(limit + 1).Find(&rows).Error; err != nil {
			return wrapDBErrorf(err, "history chat=%s", chatID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	page := &HistoryPage{}
	if len(rows) > limit {
		rows = rows[:limit]
		last := rows[len(rows)-1]
		page.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	for i := range rows {
		redact(&rows[i])
	}
	page.Items = rows
	return page, nil
}

// Since 正序返回 seq > afterSeq 的消息
func (s *messageStore) Since(ctx context.Context, chatID string, afterSeq int64, limit int) ([]model.Envelope, error) {
	limit = clampLimit(limit)
	var rows []model.Envelope
	err := s.pool.Do(ctx, func(ctx context.Context) error {
		err := s.db.WithContext(ctx).
			Where("chat_id = ? AND seq > ?", chatID, afterSeq).
			Order("seq ASC").Limit(limit).Find(&rows).Error
		return wrapDBErrorf(err, "since chat=%s seq=%d", chatID, afterSeq)
	})
	if err != nil {
		return nil, err
	}
	for i := range rows {
		redact(&rows[i])
	}
	return rows, nil
}

// FindByID 按 ID 查找
func (s *messageStore) FindByID(ctx context.Context, messageID int64) (*model.Envelope, error) {
	var env model.Envelope
	err := s.pool.Do(ctx, func(ctx context.Context) error {
		return wrapDBErrorf(s.db.WithContext(ctx).Where("id = ?", messageID).First(&env).Error,
			"find envelope %d", messageID)
	})
	if err != nil {
		return nil, err
	}
	return &env, nil
}

// MarkDeleted 软删除
// 非原发送者返回 Forbidden；重复删除直接返回
func (s *messageStore) MarkDeleted(ctx context.Context, messageID int64, actor string) (*model.Envelope, error) {
	var env model.Envelope
	err := s.pool.Do(ctx, func(ctx context.Context) error {
		db := s.db.WithContext(ctx)
		if err := db.Where("id = ?", messageID).First(&env).Error; err != nil {
			return wrapDBErrorf(err, "find envelope %d", messageID)
		}
		if env.SenderID != actor {
			return errorx.ErrForbidden
		}
		if env.DeletedAt != nil {
			return nil
		}
		now := time.Now().UTC().Truncate(time.Millisecond)
		if err := db.Model(&model.Envelope{}).Where("id = ? AND deleted_at IS NULL", messageID).
			Update("deleted_at", now).Error; err != nil {
			return wrapDBErrorf(err, "mark deleted %d", messageID)
		}
		env.DeletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	redact(&env)
	return &env, nil
}

// MarkDelivered 记录送达，记录已存在时不变
func (s *messageStore) MarkDelivered(ctx context.Context, messageID int64, identity string) error {
	return s.pool.Do(ctx, func(ctx context.Context) error {
		db := s.db.WithContext(ctx)
		env, err := recipientEnvelope(db, messageID, identity)
		if err != nil {
			return err
		}
		d := model.Delivery{
			MessageID:   env.ID,
			Identity:    identity,
			ChatID:      env.ChatID,
			DeliveredAt: time.Now().UTC(),
		}
		return wrapDBErrorf(db.Clauses(clause.OnConflict{DoNothing: true}).Create(&d).Error,
			"mark delivered %d", messageID)
	})
}

// MarkRead 记录已读时间，第一次已读后不再改变
func (s *messageStore) MarkRead(ctx context.Context, messageID int64, identity string) (*model.Delivery, error) {
	var out model.Delivery
	err := s.pool.Do(ctx, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			env, err := recipientEnvelope(tx, messageID, identity)
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			d := model.Delivery{
				MessageID:   env.ID,
				Identity:    identity,
				ChatID:      env.ChatID,
				DeliveredAt: now,
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&d).Error; err != nil {
				return wrapDBErrorf(err, "create delivery %d", messageID)
			}
			if err := tx.Model(&model.Delivery{}).
				Where("message_id = ? AND identity = ? AND read_at IS NULL", messageID, identity).
				Update("read_at", now).Error; err != nil {
				return wrapDBErrorf(err, "mark read %d", messageID)
			}
			return wrapDBErrorf(tx.Where("message_id = ? AND identity = ?", messageID, identity).First(&out).Error,
				"reload delivery %d", messageID)
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// recipientEnvelope 查找消息并确认 identity 是它的接收者
func recipientEnvelope(db *gorm.DB, messageID int64, identity string) (*model.Envelope, error) {
	var env model.Envelope
	if err := db.Where("id = ?", messageID).First(&env).Error; err != nil {
		return nil, wrapDBErrorf(err, "find envelope %d", messageID)
	}
	if _, ok := env.RecipientKeys[identity]; !ok {
		return nil, errorx.Newf(errorx.CodeForbidden, "%s is not a recipient of message %d", identity, messageID)
	}
	return &env, nil
}

// UnreadCount 统计他人发送、未删除、identity 尚未标记已读的消息
func (s *messageStore) UnreadCount(ctx context.Context, chatID, identity string) (int64, error) {
	var n int64
	err := s.pool.Do(ctx, func(ctx context.Context) error {
		read := s.db.Model(&model.Delivery{}).Select("1").
			Where("delivery.message_id = envelope.id AND delivery.identity = ? AND delivery.read_at IS NOT NULL", identity)
		err := s.db.WithContext(ctx).Model(&model.Envelope{}).
			Where("chat_id = ? AND sender_id <> ? AND deleted_at IS NULL", chatID, identity).
			Where("NOT EXISTS (?)", read).
			Count(&n).Error
		return wrapDBErrorf(err, "unread count chat=%s", chatID)
	})
	return n, err
}

// redact 已删除的消息只保留占位
func redact(env *model.Envelope) {
	if env.DeletedAt == nil {
		return
	}
	env.Ciphertext = nil
	env.RecipientKeys = nil
	env.IV = nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return constants.HISTORY_DEFAULT_LIMIT
	}
	if limit > constants.HISTORY_MAX_LIMIT {
		return constants.HISTORY_MAX_LIMIT
	}
	return limit
}

// encodeCursor 游标对客户端不透明：base64("毫秒时间戳:消息ID")
func encodeCursor(at time.Time, id int64) string {
	raw := strconv.FormatInt(at.UnixMilli(), 10) + ":" + strconv.FormatInt(id, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, int64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, 0, errorx.Wrap(err, errorx.CodeInvalidParam, "invalid cursor")
	}
	ms, idStr, ok := strings.Cut(string(raw), ":")
	if !ok {
		return time.Time{}, 0, errorx.New(errorx.CodeInvalidParam, "invalid cursor")
	}
	millis, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, 0, errorx.Wrap(err, errorx.CodeInvalidParam, "invalid cursor")
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return time.Time{}, 0, errorx.Wrap(err, errorx.CodeInvalidParam, "invalid cursor")
	}
	return time.UnixMilli(millis).UTC(), id, nil
}

