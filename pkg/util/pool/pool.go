// Package pool 提供固定大小的并发池
// 存储和总线调用都经过它，池满时最多排队 wait 时长，超时返回 CapacityExceeded
package pool

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"kama_relay_server/pkg/errorx"
)

// Pool 有界并发池
type Pool struct {
	name string
	sem  *semaphore.Weighted
	wait time.Duration
}

// New 创建并发池，size <= 0 时取 1
func New(name string, size int, wait time.Duration) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		name: name,
		sem:  semaphore.NewWeighted(int64(size)),
		wait: wait,
	}
}

// Do 在池内执行 fn
// 获取槽位最多等待 wait；调用方 ctx 先结束时返回 ctx 错误
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn(ctx)
}

func (p *Pool) acquire(ctx context.Context) error {
	if p.sem.TryAcquire(1) {
		return nil
	}
	if p.wait <= 0 {
		return errorx.Newf(errorx.CodeCapacityExceeded, "%s pool exhausted", p.name)
	}
	waitCtx, cancel := context.WithTimeout(ctx, p.wait)
	defer cancel()
	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errorx.Wrapf(err, errorx.CodeCapacityExceeded, "%s pool exhausted after %s", p.name, p.wait)
	}
	return nil
}
