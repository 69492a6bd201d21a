package request

import "encoding/json"

// 客户端帧类型
const (
	FrameSend        = "send"        // 发送消息
	FrameHeartbeat   = "heartbeat"   // 心跳，携带当前活跃会话
	FrameSubscribe   = "subscribe"   // 订阅会话
	FrameUnsubscribe = "unsubscribe" // 取消订阅
	FrameTyping      = "typing"      // 输入状态
	FrameAck         = "ack"         // 确认收到（送达回执）
	FrameRead        = "read"        // 标记已读
	FrameResync      = "resync"      // 发现缺口后按 seq 补齐
)

// ClientFrame 客户端帧 {type, data}
// 使用位置:
//   - internal/gateway/websocket/conn.go: readPump
type ClientFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// HeartbeatRequest 心跳
type HeartbeatRequest struct {
	ActiveChats []string `json:"activeChats" binding:"max=200,dive,required,max=64"`
}

// ChatRequest 订阅 / 取消订阅
type ChatRequest struct {
	ChatID string `json:"chatId" binding:"required,max=64"`
}

// TypingRequest 输入状态
type TypingRequest struct {
	ChatID   string `json:"chatId" binding:"required,max=64"`
	IsTyping bool   `json:"isTyping"`
}

// MessageRefRequest 送达 / 已读回执
type MessageRefRequest struct {
	MessageID int64 `json:"messageId,string" binding:"required,gt=0"`
}

// ResyncRequest 补齐 afterSeq 之后的消息
type ResyncRequest struct {
	ChatID   string `json:"chatId" binding:"required,max=64"`
	AfterSeq int64  `json:"afterSeq" binding:"gte=0"`
	Limit    int    `json:"limit" binding:"gte=0,lte=100"`
}
