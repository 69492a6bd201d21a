package relay

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"kama_relay_server/internal/dto/respond"
	"kama_relay_server/internal/infrastructure/mq"
	"kama_relay_server/internal/service/presence"
	"kama_relay_server/internal/service/registry"
	"kama_relay_server/pkg/constants"
	"kama_relay_server/pkg/errorx"
)

// SubscribeSession 会话订阅聊天，只有成员可以订阅
// 本实例第一个订阅者出现时订阅总线主题
func (e *Engine) SubscribeSession(ctx context.Context, s *registry.Session, chatID string) error {
	if err := e.requireParticipant(ctx, chatID, s.Identity); err != nil {
		return err
	}
	added, err := e.registry.SubscribeChat(s, chatID)
	if err != nil || !added {
		return err
	}
	if err := e.EnsureChatSubscription(chatID); err != nil {
		e.registry.UnsubscribeChat(s, chatID)
		return err
	}
	return nil
}

// UnsubscribeSession 取消订阅，最后一个本地订阅者离开时退订总线主题
func (e *Engine) UnsubscribeSession(s *registry.Session, chatID string) {
	if e.registry.UnsubscribeChat(s, chatID) {
		e.ReleaseChatSubscription(chatID)
	}
}

// DetachSession 会话关闭时从登记表移除并释放主题
func (e *Engine) DetachSession(s *registry.Session) {
	for _, chatID := range e.registry.Unregister(s) {
		e.ReleaseChatSubscription(chatID)
	}
}

// EnsureChatSubscription 主题引用计数 +1，从 0 变 1 时订阅总线
func (e *Engine) EnsureChatSubscription(chatID string) error {
	subs := e.subs[stripe(chatID)]
	subs.mu.Lock()
	defer subs.mu.Unlock()
	if subs.count[chatID] == 0 {
		unsub, err := e.bus.Subscribe(constants.ChatTopic(chatID), e.onChatEvent)
		if err != nil {
			return err
		}
		subs.unsub[chatID] = unsub
	}
	subs.count[chatID]++
	return nil
}

// ReleaseChatSubscription 主题引用计数 -1，归零时退订
func (e *Engine) ReleaseChatSubscription(chatID string) {
	subs := e.subs[stripe(chatID)]
	subs.mu.Lock()
	defer subs.mu.Unlock()
	n, ok := subs.count[chatID]
	if !ok {
		return
	}
	if n > 1 {
		subs.count[chatID] = n - 1
		return
	}
	delete(subs.count, chatID)
	if unsub := subs.unsub[chatID]; unsub != nil {
		unsub()
	}
	delete(subs.unsub, chatID)
}

// onChatEvent 会话主题的事件，投递给本地订阅了该会话的连接
func (e *Engine) onChatEvent(topic string, payload []byte) {
	ev, err := mq.DecodeEvent(payload)
	if err != nil {
		zap.L().Warn("drop chat event", zap.String("topic", topic), zap.Error(err))
		return
	}
	chatID := strings.TrimPrefix(topic, constants.CHAT_TOPIC_PREFIX)

	switch ev.Type {
	case mq.EventMessage:
		var msg respond.MessageEvent
		if err := json.Unmarshal(ev.Payload, &msg); err != nil {
			zap.L().Warn("bad message event", zap.Error(err))
			return
		}
		// 只投给密钥表里的接收者
		e.fanout(chatID, respond.FrameMessage, msg, func(s *registry.Session) bool {
			_, ok := msg.RecipientKeys[s.Identity]
			return ok
		})
	case mq.EventDeleted:
		e.fanout(chatID, respond.FrameDeleted, ev.Payload, nil)
	case mq.EventRead:
		var rd respond.ReadEvent
		if err := json.Unmarshal(ev.Payload, &rd); err != nil {
			zap.L().Warn("bad read event", zap.Error(err))
			return
		}
		// 已读回执给发送者，同时同步给读者的其他设备
		e.fanout(chatID, respond.FrameRead, ev.Payload, func(s *registry.Session) bool {
			return s.Identity == rd.SenderID || s.Identity == rd.Identity
		})
	case mq.EventTyping:
		// 其他实例的输入状态，经由 presence 的变化通知投递
		if e.presence != nil {
			e.presence.HandleBusEvent(ev)
		}
	default:
		zap.L().Debug("ignore chat event", zap.String("type", ev.Type))
	}
}

// onPresenceChange 在线 / 输入状态变化，推给共享会话的本地连接
func (e *Engine) onPresenceChange(c presence.Change) {
	switch c.Kind {
	case presence.ChangeTyping:
		e.fanout(c.ChatID, respond.FrameTyping, respond.TypingEvent{
			ChatID: c.ChatID, Identity: c.Identity, IsTyping: c.IsTyping,
		}, func(s *registry.Session) bool { return s.Identity != c.Identity })
	case presence.ChangePresence:
		frame, err := encodeFrame(respond.FramePresence, respond.PresenceEvent{
			Identity: c.Identity, Status: string(c.Status), At: c.At,
		})
		if err != nil {
			return
		}
		seen := make(map[string]struct{})
		for _, chatID := range c.Chats {
			for _, s := range e.registry.SessionsInChat(chatID) {
				if s.Identity == c.Identity {
					continue
				}
				if _, ok := seen[s.ID]; ok {
					continue
				}
				seen[s.ID] = struct{}{}
				e.push(s, frame)
			}
		}
	}
}

// fanout 编码一次，推给会话内满足条件的本地连接
func (e *Engine) fanout(chatID, typ string, data any, match func(*registry.Session) bool) {
	sessions := e.registry.SessionsInChat(chatID)
	if len(sessions) == 0 {
		return
	}
	frame, err := encodeFrame(typ, data)
	if err != nil {
		zap.L().Error("encode frame", zap.String("type", typ), zap.Error(err))
		return
	}
	for _, s := range sessions {
		if match == nil || match(s) {
			e.push(s, frame)
		}
	}
}

// push 非阻塞投递，出站队列满的慢连接直接关闭，由客户端重连后补齐
func (e *Engine) push(s *registry.Session, frame []byte) {
	if s.Enqueue(frame) {
		return
	}
	if !s.Closed() {
		zap.L().Warn("slow consumer, closing session",
			zap.String("identity", s.Identity), zap.String("session_id", s.ID))
		s.Close()
	}
}

// Push 直接推给某个会话（ack / error / resync 等应答帧）
func (e *Engine) Push(s *registry.Session, typ string, data any) {
	frame, err := encodeFrame(typ, data)
	if err != nil {
		zap.L().Error("encode frame", zap.String("type", typ), zap.Error(err))
		return
	}
	e.push(s, frame)
}

// PushError 把错误转换为 error 帧
func (e *Engine) PushError(s *registry.Session, clientToken string, err error) {
	e.Push(s, respond.FrameError, ErrorFrame(clientToken, err))
}

// ErrorFrame 结构化的拒绝原因，客户端据 retryable 决定是否用同一令牌重发
func ErrorFrame(clientToken string, err error) respond.ErrorFrame {
	msg := errorx.ErrServerBusy.Msg
	if ce := asCodeError(err); ce != nil {
		msg = ce.Msg
	}
	return respond.ErrorFrame{
		ClientToken: clientToken,
		Code:        errorx.GetCode(err),
		Msg:         msg,
		Retryable:   errorx.Retryable(err),
	}
}

func encodeFrame(typ string, data any) ([]byte, error) {
	return json.Marshal(respond.ServerFrame{Type: typ, Data: data})
}
