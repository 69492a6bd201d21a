// Package redis 提供 Redis 客户端初始化、缓存服务与会话成员缓存
// 使用 github.com/redis/go-redis/v9 作为底层客户端
package redis

import (
	"context"
	"fmt"
	"time"

	"kama_relay_server/internal/config"

	"github.com/redis/go-redis/v9"
)

// NewClient 按配置创建 Redis 客户端并 PING 一次
// 扇出总线（redis 模式）与成员缓存共用这个客户端
func NewClient(ctx context.Context, conf *config.RedisConfig) (*redis.Client, error) {
	poolSize := conf.PoolSize
	if poolSize <= 0 {
		poolSize = 50
	}
	client := redis.NewClient(&redis.Options{
		Addr:     conf.Addr(),
		Password: conf.Password,
		DB:       conf.Db,
		// 连接池配置
		PoolSize:     poolSize,
		MinIdleConns: 15, // 与 Worker 数量匹配
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", conf.Addr(), err)
	}
	return client, nil
}
