package relay

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"kama_relay_server/internal/dto/request"
	"kama_relay_server/internal/dto/respond"
	"kama_relay_server/internal/infrastructure/mq"
	"kama_relay_server/internal/model"
	"kama_relay_server/pkg/constants"
	"kama_relay_server/pkg/errorx"
)

// Send 处理一次发送
// 校验和授权失败同步返回；持久化失败在本地重试，耗尽后返回 SendFailed；
// 发布失败只记录日志，消息已落库，接收方可以通过历史或补齐拿到
// 持久化使用与调用方解耦的上下文，连接断开不会中断已经开始的写入
func (e *Engine) Send(ctx context.Context, sender string, req *request.SendMessageRequest) (*respond.Ack, error) {
	// Received
	if err := e.checkShape(req); err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, sender, req); err != nil {
		zap.L().Info("send rejected",
			zap.String("chat_id", req.ChatID), zap.String("sender", sender), zap.Error(err))
		return nil, err
	}

	// Authorized
	env := &model.Envelope{
		ChatID:        req.ChatID,
		SenderID:      sender,
		ClientToken:   req.ClientToken,
		Ciphertext:    req.Ciphertext,
		RecipientKeys: req.RecipientKeys,
		IV:            req.IV,
		Kind:          req.Kind,
		ReplyTo:       req.ReplyTo,
	}

	lock := e.chatLock(req.ChatID)
	lock.Lock()
	defer lock.Unlock()

	pctx, cancel := e.detached(ctx)
	defer cancel()

	committed, dup, err := e.persist(pctx, env)
	if err != nil {
		zap.L().Error("send failed",
			zap.String("chat_id", req.ChatID), zap.String("client_token", req.ClientToken), zap.Error(err))
		return nil, err
	}
	ack := &respond.Ack{
		ClientToken: req.ClientToken,
		MessageID:   committed.ID,
		ChatID:      committed.ChatID,
		Seq:         committed.Seq,
		CreatedAt:   committed.CreatedAt,
		Duplicate:   dup,
	}
	if dup {
		// 重发命中已提交的消息，首次提交时已经发布过
		zap.L().Info("duplicate client token",
			zap.String("chat_id", req.ChatID), zap.Int64("message_id", committed.ID))
		return ack, nil
	}

	// Persisted
	if err := e.publish(pctx, constants.ChatTopic(committed.ChatID), mq.EventMessage, respond.NewMessageEvent(committed)); err != nil {
		zap.L().Warn("publish failed, message stays available through history",
			zap.String("chat_id", committed.ChatID), zap.Int64("message_id", committed.ID), zap.Error(err))
	}

	// Published -> Acknowledged
	return ack, nil
}

// checkShape 只检查结构，不解析密文和密钥
func (e *Engine) checkShape(req *request.SendMessageRequest) error {
	if req == nil {
		return errorx.ErrInvalidParam
	}
	if err := e.Validate(req); err != nil {
		return err
	}
	if e.opts.MaxCiphertextBytes > 0 && len(req.Ciphertext) > e.opts.MaxCiphertextBytes {
		return errorx.Newf(errorx.CodeInvalidParam, "ciphertext exceeds %d bytes", e.opts.MaxCiphertextBytes)
	}
	return nil
}

// authorize 发送者必须是当前成员，接收者密钥表必须与当前成员集合完全一致
// 成员集合每次回源，不信任缓存
func (e *Engine) authorize(ctx context.Context, sender string, req *request.SendMessageRequest) error {
	return e.checkRecipients(ctx, sender, req)
}

func (e *Engine) checkRecipients(ctx context.Context, sender string, req *request.SendMessageRequest) error {
	participants, err := e.participants(ctx, req.ChatID)
	if err != nil {
		return err
	}
	if _, ok := participants[sender]; !ok {
		return errorx.ErrUnauthorized
	}
	var missing, extra []string
	for id := range participants {
		if _, ok := req.RecipientKeys[id]; !ok {
			missing = append(missing, id)
		}
	}
	for id := range req.RecipientKeys {
		if _, ok := participants[id]; !ok {
			extra = append(extra, id)
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(extra)
	var b strings.Builder
	b.WriteString(errorx.ErrIncompleteRecipients.Msg)
	if len(missing) > 0 {
		b.WriteString("; missing: " + strings.Join(missing, ","))
	}
	if len(extra) > 0 {
		b.WriteString("; not participants: " + strings.Join(extra, ","))
	}
	return errorx.New(errorx.CodeIncompleteRecipients, b.String())
}

// participants 会话不存在按 Unauthorized 处理，不暴露会话是否存在
func (e *Engine) participants(ctx context.Context, chatID string) (map[string]struct{}, error) {
	var (
		list []string
		err  error
	)
	if cr, ok := e.chats.(currentReader); ok {
		list, err = cr.CurrentParticipants(ctx, chatID)
	} else {
		list, err = e.chats.ParticipantsOf(ctx, chatID)
	}
	if err != nil {
		if errors.Is(err, errorx.ErrNotFound) {
			return nil, errorx.Wrapf(err, errorx.CodeUnauthorized, "chat %s not available", chatID)
		}
		return nil, err
	}
	set := make(map[string]struct{}, len(list))
	for _, id := range list {
		set[id] = struct{}{}
	}
	return set, nil
}

// persist 有限次指数退避重试
// 令牌已提交视为成功；非暂时性错误立即返回；重试耗尽返回 SendFailed
func (e *Engine) persist(ctx context.Context, env *model.Envelope) (*model.Envelope, bool, error) {
	var (
		committed *model.Envelope
		dup       bool
		attempts  int
	)
	op := func() error {
		attempts++
		c, err := e.store.Append(ctx, env)
		switch {
		case err == nil:
			committed = c
			return nil
		case errors.Is(err, errorx.ErrDuplicateClientToken) && c != nil:
			committed, dup = c, true
			return nil
		case !transient(err):
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.RetryNotify(op, e.newBackoff(ctx, e.opts.StoreRetryAttempts), func(err error, d time.Duration) {
		zap.L().Warn("store append retry",
			zap.String("chat_id", env.ChatID), zap.Int("attempt", attempts), zap.Duration("after", d), zap.Error(err))
	})
	if err == nil {
		return committed, dup, nil
	}
	if !transient(err) && ctx.Err() == nil {
		return nil, false, err
	}
	return nil, false, errorx.Wrapf(err, errorx.CodeSendFailed, "persist failed after %d attempts", attempts)
}
