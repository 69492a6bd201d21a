// Package mysql 定义数据访问层接口
// Service 层依赖接口而非具体实现，测试中可以替换为内存实现
package mysql

import (
	"context"

	"kama_relay_server/internal/model"
)

// HistoryPage 一页历史消息，按 (created_at, id) 倒序
type HistoryPage struct {
	Items      []model.Envelope `json:"items"`
	NextCursor string           `json:"nextCursor,omitempty"` // 为空表示没有更早的消息
}

// MessageStore 消息存储适配器
type MessageStore interface {
	// Append 追加消息，分配 ID / Seq / CreatedAt
	// 幂等令牌已提交时返回已提交的信封和 DuplicateClientToken 错误
	Append(ctx context.Context, env *model.Envelope) (*model.Envelope, error)
	// History 按游标倒序分页
	History(ctx context.Context, chatID, cursor string, limit int) (*HistoryPage, error)
	// Since 返回 seq 大于 afterSeq 的消息，正序，用于缺口补齐
	Since(ctx context.Context, chatID string, afterSeq int64, limit int) ([]model.Envelope, error)
	// FindByID 按 ID 查找
	FindByID(ctx context.Context, messageID int64) (*model.Envelope, error)
	// MarkDeleted 软删除，只有原发送者可以操作
	MarkDeleted(ctx context.Context, messageID int64, actor string) (*model.Envelope, error)
	// MarkDelivered 记录送达（已存在则不变）
	MarkDelivered(ctx context.Context, messageID int64, identity string) error
	// MarkRead 记录已读，必要时补建送达记录
	MarkRead(ctx context.Context, messageID int64, identity string) (*model.Delivery, error)
	// UnreadCount 会话内 identity 未读的他人消息数
	UnreadCount(ctx context.Context, chatID, identity string) (int64, error)
}

// ChatDirectory 会话目录（会话管理服务的只读视图）
type ChatDirectory interface {
	// ParticipantsOf 返回当前成员，会话不存在返回 NotFound
	ParticipantsOf(ctx context.Context, chatID string) ([]string, error)
	// Exists 会话是否存在
	Exists(ctx context.Context, chatID string) (bool, error)
}
