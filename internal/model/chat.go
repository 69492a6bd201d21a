// Package model 定义数据库实体模型
// 本文件定义会话（chat）与成员模型，由会话管理服务写入，中继核心只读成员集合
package model

import (
	"time"
)

// 会话类型
const (
	ChatKindDirect = "direct" // 单聊，恰好两个成员
	ChatKindGroup  = "group"  // 群聊
)

// Chat 会话模型
// 对应数据库 chat 表
// LastSeq / LastMessageID / LastMessageAt 在追加消息的事务中推进，是会话内提交顺序的来源
type Chat struct {
	ID string `gorm:"column:id;primaryKey;type:varchar(64);comment:会话id"`

	// Kind 会话类型 direct / group
	Kind string `gorm:"column:kind;type:varchar(10);not null;comment:会话类型"`

	// LastSeq 最近一条消息的会话内序号，从 1 开始连续递增
	LastSeq int64 `gorm:"column:last_seq;not null;default:0;comment:最新消息序号"`

	// LastMessageID 最近一条消息的雪花 ID，新消息 ID 必须大于它
	LastMessageID int64 `gorm:"column:last_message_id;not null;default:0;comment:最新消息id"`

	// LastMessageAt 最近一条消息的服务端时间
	LastMessageAt *time.Time `gorm:"column:last_message_at;comment:最新消息时间"`

	CreatedAt time.Time `gorm:"column:created_at;not null;comment:创建时间"`

	Members []ChatMember `gorm:"foreignKey:ChatID;references:ID"`
}

// TableName 指定表名
func (Chat) TableName() string {
	return "chat"
}

// ChatMember 会话成员
// 对应数据库 chat_member 表，(chat_id, identity) 为联合主键
type ChatMember struct {
	ChatID   string    `gorm:"column:chat_id;primaryKey;type:varchar(64);comment:会话id"`
	Identity string    `gorm:"column:identity;primaryKey;type:varchar(64);index;comment:成员身份"`
	JoinedAt time.Time `gorm:"column:joined_at;not null;comment:加入时间"`
}

// TableName 指定表名
func (ChatMember) TableName() string {
	return "chat_member"
}
