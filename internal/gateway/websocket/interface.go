package websocket

import (
	"context"

	"kama_relay_server/internal/dto/request"
	"kama_relay_server/internal/dto/respond"
	"kama_relay_server/internal/model"
	"kama_relay_server/internal/service/registry"
)

// Relay 网关依赖的中继能力
// 用于解耦 websocket 包对 relay 包的依赖，由 *relay.Engine 实现
type Relay interface {
	Validate(obj any) error
	Send(ctx context.Context, sender string, req *request.SendMessageRequest) (*respond.Ack, error)
	SubscribeSession(ctx context.Context, s *registry.Session, chatID string) error
	UnsubscribeSession(s *registry.Session, chatID string)
	DetachSession(s *registry.Session)
	SetTyping(ctx context.Context, s *registry.Session, chatID string, isTyping bool) error
	MarkDelivered(ctx context.Context, identity string, messageID int64) error
	MarkRead(ctx context.Context, identity string, messageID int64) (*model.Delivery, error)
	Resync(ctx context.Context, identity, chatID string, afterSeq int64, limit int) (*respond.ResyncRespond, error)
	Push(s *registry.Session, typ string, data any)
	PushError(s *registry.Session, clientToken string, err error)
}

// Presence 在线状态写入口，由 *presence.Tracker 实现
type Presence interface {
	Heartbeat(ctx context.Context, identity string, activeChats []string) error
	MarkOffline(ctx context.Context, identity string) error
}
