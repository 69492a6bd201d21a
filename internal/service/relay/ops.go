package relay

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"kama_relay_server/internal/dto/respond"
	"kama_relay_server/internal/infrastructure/mq"
	"kama_relay_server/internal/model"
	"kama_relay_server/internal/service/registry"
	"kama_relay_server/pkg/constants"
	"kama_relay_server/pkg/errorx"
)

func asCodeError(err error) *errorx.CodeError {
	var ce *errorx.CodeError
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}

// requireParticipant 读操作同样只对成员开放
func (e *Engine) requireParticipant(ctx context.Context, chatID, identity string) error {
	set, err := e.participants(ctx, chatID)
	if err != nil {
		return err
	}
	if _, ok := set[identity]; !ok {
		return errorx.ErrUnauthorized
	}
	return nil
}

// Delete 软删除并通知会话内的在线连接
func (e *Engine) Delete(ctx context.Context, actor string, messageID int64) (*model.Envelope, error) {
	env, err := e.store.MarkDeleted(ctx, messageID, actor)
	if err != nil {
		return nil, err
	}
	pctx, cancel := e.detached(ctx)
	defer cancel()
	ev := respond.DeletedEvent{MessageID: env.ID, ChatID: env.ChatID}
	if env.DeletedAt != nil {
		ev.DeletedAt = *env.DeletedAt
	}
	if err := e.publish(pctx, constants.ChatTopic(env.ChatID), mq.EventDeleted, ev); err != nil {
		zap.L().Warn("publish delete failed",
			zap.String("chat_id", env.ChatID), zap.Int64("message_id", env.ID), zap.Error(err))
	}
	return env, nil
}

// MarkDelivered 接收方确认收到
func (e *Engine) MarkDelivered(ctx context.Context, identity string, messageID int64) error {
	return e.store.MarkDelivered(ctx, messageID, identity)
}

// MarkRead 记录已读并把回执发给发送者
func (e *Engine) MarkRead(ctx context.Context, identity string, messageID int64) (*model.Delivery, error) {
	d, err := e.store.MarkRead(ctx, messageID, identity)
	if err != nil {
		return nil, err
	}
	env, err := e.store.FindByID(ctx, messageID)
	if err != nil {
		zap.L().Warn("read receipt lookup failed", zap.Int64("message_id", messageID), zap.Error(err))
		return d, nil
	}
	if env.SenderID == identity || d.ReadAt == nil {
		return d, nil
	}
	pctx, cancel := e.detached(ctx)
	defer cancel()
	if err := e.publish(pctx, constants.ChatTopic(env.ChatID), mq.EventRead, respond.ReadEvent{
		MessageID: env.ID,
		ChatID:    env.ChatID,
		SenderID:  env.SenderID,
		Identity:  identity,
		ReadAt:    *d.ReadAt,
	}); err != nil {
		zap.L().Warn("publish read receipt failed", zap.Int64("message_id", messageID), zap.Error(err))
	}
	return d, nil
}

// History 倒序分页
func (e *Engine) History(ctx context.Context, identity, chatID, cursor string, limit int) (*respond.HistoryRespond, error) {
	if err := e.requireParticipant(ctx, chatID, identity); err != nil {
		return nil, err
	}
	page, err := e.store.History(ctx, chatID, cursor, limit)
	if err != nil {
		return nil, err
	}
	return &respond.HistoryRespond{
		Items:      respond.NewMessageEvents(page.Items),
		NextCursor: page.NextCursor,
	}, nil
}

// Resync 客户端发现 seq 缺口后按 seq 正序补齐
func (e *Engine) Resync(ctx context.Context, identity, chatID string, afterSeq int64, limit int) (*respond.ResyncRespond, error) {
	if err := e.requireParticipant(ctx, chatID, identity); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > constants.HISTORY_MAX_LIMIT {
		limit = constants.HISTORY_MAX_LIMIT
	}
	items, err := e.store.Since(ctx, chatID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	// 取满一页时认为可能还有，客户端从最后一条的 seq 继续
	more := len(items) == limit
	return &respond.ResyncRespond{
		ChatID:  chatID,
		Items:   respond.NewMessageEvents(items),
		HasMore: more,
	}, nil
}

// UnreadCount 会话内他人发给 identity 的未读数
func (e *Engine) UnreadCount(ctx context.Context, identity, chatID string) (*respond.UnreadRespond, error) {
	if err := e.requireParticipant(ctx, chatID, identity); err != nil {
		return nil, err
	}
	n, err := e.store.UnreadCount(ctx, chatID, identity)
	if err != nil {
		return nil, err
	}
	return &respond.UnreadRespond{ChatID: chatID, Count: n}, nil
}

// SetTyping 只有订阅了该会话的成员可以广播输入状态
func (e *Engine) SetTyping(ctx context.Context, s *registry.Session, chatID string, isTyping bool) error {
	if !s.IsSubscribed(chatID) {
		return errorx.Newf(errorx.CodeUnauthorized, "not subscribed to chat %s", chatID)
	}
	if e.presence == nil {
		return nil
	}
	return e.presence.SetTyping(ctx, chatID, s.Identity, isTyping)
}
