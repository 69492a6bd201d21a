package respond

import (
	"time"

	"kama_relay_server/internal/model"
)

// 服务端帧类型
const (
	FrameAck      = "ack"
	FrameError    = "error"
	FrameMessage  = "message"
	FrameTyping   = "typing"
	FramePresence = "presence"
	FrameDeleted  = "deleted"
	FrameRead     = "read"
	FrameResync   = "resync"
)

// ServerFrame 服务端帧 {type, data}
type ServerFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Ack 发送确认，携带服务端分配的 ID 与时间
type Ack struct {
	ClientToken string    `json:"clientToken"`
	MessageID   int64     `json:"messageId,string"`
	ChatID      string    `json:"chatId"`
	Seq         int64     `json:"seq"`
	CreatedAt   time.Time `json:"createdAt"`
	Duplicate   bool      `json:"duplicate,omitempty"` // 幂等重发命中已提交的消息
}

// ErrorFrame 被拒绝的请求
// retryable 为 true 时客户端可以用同一个 clientToken 重发
type ErrorFrame struct {
	ClientToken string `json:"clientToken,omitempty"`
	Code        int    `json:"code"`
	Msg         string `json:"msg"`
	Retryable   bool   `json:"retryable"`
}

// MessageEvent 投递给接收者的消息
// 使用位置:
//   - internal/service/relay: 总线事件 payload 与会话推送
//   - internal/handler/message_handler.go: 历史查询
type MessageEvent struct {
	MessageID     int64             `json:"messageId,string"`
	ChatID        string            `json:"chatId"`
	Seq           int64             `json:"seq"`
	SenderID      string            `json:"senderId"`
	Ciphertext    []byte            `json:"ciphertext,omitempty"`
	RecipientKeys map[string][]byte `json:"recipientKeys,omitempty"`
	IV            []byte            `json:"iv,omitempty"`
	Kind          string            `json:"kind"`
	ReplyTo       *int64            `json:"replyTo,string,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	DeletedAt     *time.Time        `json:"deletedAt,omitempty"`
}

// NewMessageEvent 由信封构造投递事件
func NewMessageEvent(env *model.Envelope) MessageEvent {
	return MessageEvent{
		MessageID:     env.ID,
		ChatID:        env.ChatID,
		Seq:           env.Seq,
		SenderID:      env.SenderID,
		Ciphertext:    env.Ciphertext,
		RecipientKeys: env.RecipientKeys,
		IV:            env.IV,
		Kind:          env.Kind,
		ReplyTo:       env.ReplyTo,
		CreatedAt:     env.CreatedAt,
		DeletedAt:     env.DeletedAt,
	}
}

// NewMessageEvents 批量转换
func NewMessageEvents(envs []model.Envelope) []MessageEvent {
	out := make([]MessageEvent, 0, len(envs))
	for i := range envs {
		out = append(out, NewMessageEvent(&envs[i]))
	}
	return out
}

// TypingEvent 输入状态
type TypingEvent struct {
	ChatID   string `json:"chatId"`
	Identity string `json:"identity"`
	IsTyping bool   `json:"isTyping"`
}

// PresenceEvent 在线状态
type PresenceEvent struct {
	Identity string    `json:"identity"`
	Status   string    `json:"status"` // online | away | offline
	At       time.Time `json:"at"`
}

// DeletedEvent 消息被发送者撤回
type DeletedEvent struct {
	MessageID int64     `json:"messageId,string"`
	ChatID    string    `json:"chatId"`
	DeletedAt time.Time `json:"deletedAt"`
}

// ReadEvent 已读回执，推送给发送者
type ReadEvent struct {
	MessageID int64     `json:"messageId,string"`
	ChatID    string    `json:"chatId"`
	SenderID  string    `json:"senderId"`
	Identity  string    `json:"identity"`
	ReadAt    time.Time `json:"readAt"`
}

// ResyncRespond 缺口补齐结果，按 seq 正序
type ResyncRespond struct {
	ChatID  string         `json:"chatId"`
	Items   []MessageEvent `json:"items"`
	HasMore bool           `json:"hasMore"`
}

// HistoryRespond 历史分页，按时间倒序
type HistoryRespond struct {
	Items      []MessageEvent `json:"items"`
	NextCursor string         `json:"nextCursor,omitempty"`
}

// UnreadRespond 未读数
type UnreadRespond struct {
	ChatID string `json:"chatId"`
	Count  int64  `json:"count"`
}
