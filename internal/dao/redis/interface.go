// Package redis 中继服务的 Redis 侧：会话成员缓存
// 总线的 Redis Streams 实现在 infrastructure/mq
package redis

import (
	"context"
	"time"
)

// CacheService 字符串键值缓存，未命中返回 ("", nil)
type CacheService interface {
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

// AsyncCacheService 带回填队列的缓存
// SubmitTask 不阻塞发送路径，队列满时由调用方协程直接执行
type AsyncCacheService interface {
	CacheService
	SubmitTask(action func())
}
