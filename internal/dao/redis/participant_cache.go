package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"kama_relay_server/internal/dao/mysql"
	"kama_relay_server/pkg/constants"
	"kama_relay_server/pkg/errorx"
)

// ParticipantCache 会话成员缓存
// 读路径先读 Redis，未命中回源数据库并由 Worker 异步回填
// 发送鉴权每次都回源，顺便刷新缓存，因此缓存最多落后到该会话下一次发送
// Redis 不可用时直接回源
type ParticipantCache struct {
	next  mysql.ChatDirectory
	cache AsyncCacheService
	ttl   time.Duration
}

// NewParticipantCache ttl <= 0 时使用 constants.REDIS_TIMEOUT 分钟
func NewParticipantCache(next mysql.ChatDirectory, cache AsyncCacheService, ttl time.Duration) *ParticipantCache {
	if ttl <= 0 {
		ttl = time.Minute * constants.REDIS_TIMEOUT
	}
	return &ParticipantCache{next: next, cache: cache, ttl: ttl}
}

func participantsKey(chatID string) string {
	return "participants_" + chatID
}

// ParticipantsOf 读缓存，未命中时回源
// 只用于订阅、历史等读路径；发送鉴权用 CurrentParticipants
func (p *ParticipantCache) ParticipantsOf(ctx context.Context, chatID string) ([]string, error) {
	if members, ok := p.cached(ctx, chatID); ok {
		return members, nil
	}
	return p.CurrentParticipants(ctx, chatID)
}

// CurrentParticipants 直接读会话目录并回填缓存
// 会话已不存在时清掉缓存，避免读路径继续放行
func (p *ParticipantCache) CurrentParticipants(ctx context.Context, chatID string) ([]string, error) {
	members, err := p.next.ParticipantsOf(ctx, chatID)
	if err != nil {
		if errors.Is(err, errorx.ErrNotFound) {
			if ierr := p.Invalidate(ctx, chatID); ierr != nil {
				zap.L().Warn("participant cache invalidate failed", zap.String("chat_id", chatID), zap.Error(ierr))
			}
		}
		return nil, err
	}
	p.fill(chatID, members)
	return members, nil
}

// fill 由 Worker 异步回填
func (p *ParticipantCache) fill(chatID string, members []string) {
	snapshot := append([]string(nil), members...)
	p.cache.SubmitTask(func() {
		data, err := json.Marshal(snapshot)
		if err != nil {
			return
		}
		fillCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := p.cache.Set(fillCtx, participantsKey(chatID), string(data), p.ttl); err != nil {
			zap.L().Warn("participant cache fill failed", zap.String("chat_id", chatID), zap.Error(err))
		}
	})
}

// Exists 缓存命中即存在
func (p *ParticipantCache) Exists(ctx context.Context, chatID string) (bool, error) {
	if _, ok := p.cached(ctx, chatID); ok {
		return true, nil
	}
	return p.next.Exists(ctx, chatID)
}

// Invalidate 成员变更后清除缓存
func (p *ParticipantCache) Invalidate(ctx context.Context, chatID string) error {
	return p.cache.Delete(ctx, participantsKey(chatID))
}

func (p *ParticipantCache) cached(ctx context.Context, chatID string) ([]string, bool) {
	raw, err := p.cache.Get(ctx, participantsKey(chatID))
	if err != nil {
		zap.L().Warn("participant cache read failed, falling back to store", zap.String("chat_id", chatID), zap.Error(err))
		return nil, false
	}
	if raw == "" {
		return nil, false
	}
	var members []string
	if err := json.Unmarshal([]byte(raw), &members); err != nil || len(members) == 0 {
		return nil, false
	}
	return members, true
}

var _ mysql.ChatDirectory = (*ParticipantCache)(nil)
