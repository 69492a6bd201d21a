// Package mysql 提供 Repository 层聚合与构造
package mysql

import (
	"gorm.io/gorm"

	"kama_relay_server/pkg/util/pool"
)

// Repositories 聚合所有 Repository 实例
// 作为依赖注入的入口，Service 层通过此结构访问数据层
type Repositories struct {
	db       *gorm.DB       // GORM 数据库实例
	Messages MessageStore   // 消息存储适配器
	Chats    ChatRepository // 会话目录
}

// NewRepositories 创建所有 Repository 实例
// 两个 Repository 共用一个存储并发池，池大小与连接池一致
func NewRepositories(db *gorm.DB, p *pool.Pool) *Repositories {
	return &Repositories{
		db:       db,
		Messages: NewMessageStore(db, p),
		Chats:    NewChatDirectory(db, p),
	}
}

// DB 返回底层连接，用于迁移和关闭
func (r *Repositories) DB() *gorm.DB {
	return r.db
}
