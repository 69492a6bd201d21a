// Package model 定义数据库实体模型
// 本文件定义消息信封，服务端只保存密文与每个接收者的包装密钥，从不解密
package model

import (
	"time"
)

// 消息类型
const (
	KindText   = "text"
	KindImage  = "image"
	KindFile   = "file"
	KindSystem = "system" // 仅服务端生成
)

// Envelope 消息信封
// 对应数据库 envelope 表，接受后不可变，只允许设置软删除标记
//
// 索引：
//   - (chat_id, seq) 唯一：会话内提交顺序
//   - (chat_id, sender_id, client_token) 唯一：幂等重发
//   - (chat_id, created_at, id)：历史分页
type Envelope struct {
	// ID 雪花 ID，在会话内严格递增
	ID int64 `gorm:"column:id;primaryKey;autoIncrement:false;index:idx_chat_created,priority:3;comment:消息雪花ID"`

	ChatID string `gorm:"column:chat_id;type:varchar(64);not null;uniqueIndex:uk_chat_seq,priority:1;uniqueIndex:uk_client_token,priority:1;index:idx_chat_created,priority:1;comment:会话id"`

	// Seq 会话内连续序号，客户端据此发现缺口
	Seq int64 `gorm:"column:seq;not null;uniqueIndex:uk_chat_seq,priority:2;comment:会话内序号"`

	SenderID string `gorm:"column:sender_id;type:varchar(64);not null;uniqueIndex:uk_client_token,priority:2;comment:发送者"`

	// ClientToken 客户端幂等令牌
	ClientToken string `gorm:"column:client_token;type:varchar(128);not null;uniqueIndex:uk_client_token,priority:3;comment:幂等令牌"`

	Ciphertext []byte `gorm:"column:ciphertext;type:mediumblob;comment:密文"`

	// RecipientKeys 接收者身份 -> 包装后的对称密钥
	RecipientKeys map[string][]byte `gorm:"column:recipient_keys;type:text;serializer:json;comment:接收者密钥"`

	IV   []byte `gorm:"column:iv;type:blob;comment:初始化向量"`
	Kind string `gorm:"column:kind;type:varchar(10);not null;comment:消息类型"`

	ReplyTo *int64 `gorm:"column:reply_to;comment:回复的消息id"`

	// CreatedAt 服务端时间，排序以它和 ID 为准
	CreatedAt time.Time `gorm:"column:created_at;not null;autoCreateTime:false;index:idx_chat_created,priority:2;comment:创建时间"`

	// DeletedAt 软删除标记，被删除的消息在历史中保留占位
	DeletedAt *time.Time `gorm:"column:deleted_at;comment:删除时间"`
}

// TableName 指定表名
func (Envelope) TableName() string {
	return "envelope"
}

// IsDeleted 是否已软删除
func (e *Envelope) IsDeleted() bool {
	return e.DeletedAt != nil
}
