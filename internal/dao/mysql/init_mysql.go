// Package mysql 提供消息存储适配器与会话目录的 gorm 实现
// 负责建立 MySQL 连接、自动迁移表结构、初始化 Repository 层
package mysql

import (
	"fmt"
	"time"

	"kama_relay_server/internal/config" // 配置管理
	"kama_relay_server/internal/model"  // 数据模型

	mysqldriver "gorm.io/driver/mysql" // GORM MySQL 驱动
	"gorm.io/gorm"                     // GORM ORM 框架
	gormlogger "gorm.io/gorm/logger"
)

// Open 建立数据库连接并按存储池大小设置连接池
// 执行步骤：
//  1. 从配置读取 MySQL 连接信息并构建 DSN
//  2. 使用 GORM 建立数据库连接（TranslateError 打开，唯一键冲突翻译为 gorm.ErrDuplicatedKey）
//  3. 连接池上限与存储并发池一致，超出部分在并发池排队
func Open(conf *config.Config) (*gorm.DB, error) {
	// 格式：user:password@tcp(host:port)/database?params
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		conf.MysqlConfig.User,
		conf.MysqlConfig.Password,
		conf.MysqlConfig.Host,
		conf.MysqlConfig.Port,
		conf.MysqlConfig.DatabaseName,
	)

	db, err := gorm.Open(mysqldriver.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	poolSize := conf.RelayConfig.StorePoolSize
	if poolSize <= 0 {
		poolSize = 32
	}
	sqlDB.SetMaxOpenConns(poolSize)
	sqlDB.SetMaxIdleConns(poolSize / 2)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// Migrate 自动迁移表结构
// 如果表不存在则创建，如果字段变更则更新结构；不会删除已有字段或数据
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Chat{},       // 会话表
		&model.ChatMember{}, // 会话成员表
		&model.Envelope{},   // 消息信封表
		&model.Delivery{},   // 投递记录表
	)
}
