package model

import (
	"time"
)

// Delivery 投递记录，每个 (消息, 接收者) 一条
// 接收者会话 ack 时创建，标记已读时更新；用于未读数和已读回执，不参与重试
type Delivery struct {
	MessageID   int64      `gorm:"column:message_id;primaryKey;autoIncrement:false;comment:消息id"`
	Identity    string     `gorm:"column:identity;primaryKey;type:varchar(64);index:idx_delivery_chat_identity,priority:2;comment:接收者"`
	ChatID      string     `gorm:"column:chat_id;type:varchar(64);not null;index:idx_delivery_chat_identity,priority:1;comment:会话id"`
	DeliveredAt time.Time  `gorm:"column:delivered_at;not null;comment:送达时间"`
	ReadAt      *time.Time `gorm:"column:read_at;comment:已读时间"`
}

// TableName 指定表名
func (Delivery) TableName() string {
	return "delivery"
}
