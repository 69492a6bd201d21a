// Package service 定义业务层接口
// 本文件定义 Handler 层依赖的 Service 接口，便于测试和解耦
package service

import (
	"context"
	"time"

	"kama_relay_server/internal/dto/request"
	"kama_relay_server/internal/dto/respond"
	"kama_relay_server/internal/model"
	"kama_relay_server/internal/service/presence"
)

// MessageService 消息业务接口，由 *relay.Engine 实现
type MessageService interface {
	// Send 校验、持久化并扇出一条加密消息
	Send(ctx context.Context, sender string, req *request.SendMessageRequest) (*respond.Ack, error)
	// History 倒序分页
	History(ctx context.Context, identity, chatID, cursor string, limit int) (*respond.HistoryRespond, error)
	// Resync 按 seq 正序补齐
	Resync(ctx context.Context, identity, chatID string, afterSeq int64, limit int) (*respond.ResyncRespond, error)
	// UnreadCount 未读数
	UnreadCount(ctx context.Context, identity, chatID string) (*respond.UnreadRespond, error)
	// MarkRead 标记已读并通知发送者
	MarkRead(ctx context.Context, identity string, messageID int64) (*model.Delivery, error)
	// Delete 发送者撤回
	Delete(ctx context.Context, actor string, messageID int64) (*model.Envelope, error)
}

// PresenceService 在线状态查询接口，由 *presence.Tracker 实现
type PresenceService interface {
	Lookup(identity string) (presence.Status, time.Time)
}
