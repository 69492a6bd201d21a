package mq

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"kama_relay_server/pkg/errorx"
	"kama_relay_server/pkg/util/pool"
)

const (
	streamPrefix = "bus:"
	payloadField = "p"
)

// RedisBus 基于 Redis Streams 的总线
// 每个总线主题对应一个 stream（bus:<topic>），发布即 XADD
// 本实例只读有本地订阅者的主题，并记录每个主题已派发的最后一个 ID；
// 断线重连后从该 ID 继续 XREAD，断线期间发布的消息不会丢
// 单个读循环按 stream 顺序派发，发布方串行等待 XADD 回复，因此同一发布者同一主题有序
type RedisBus struct {
	client *redis.Client
	pool   *pool.Pool

	maxLen int64         // 每个 stream 保留的近似条数
	ttl    time.Duration // stream 闲置过期时间
	block  time.Duration // 单次 XREAD 阻塞时长，也是新订阅主题的最大生效延迟

	mu      sync.Mutex
	disp    *dispatcher
	cursors map[string]string // topic -> 最后派发的 ID
	wake    chan struct{}

	done chan struct{}
	once sync.Once
}

// NewRedisBus 创建 Redis 总线，p 限制并发发布数
func NewRedisBus(client *redis.Client, p *pool.Pool) *RedisBus {
	return &RedisBus{
		client:  client,
		pool:    p,
		maxLen:  10000,
		ttl:     24 * time.Hour,
		block:   500 * time.Millisecond,
		disp:    newDispatcher(),
		cursors: make(map[string]string),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func streamKey(topic string) string {
	return streamPrefix + topic
}

// Publish 追加到主题对应的 stream
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if b.isClosed() {
		return errorx.ErrBusUnavailable
	}
	key := streamKey(topic)
	return b.pool.Do(ctx, func(ctx context.Context) error {
		_, err := b.client.Pipelined(ctx, func(p redis.Pipeliner) error {
			p.XAdd(ctx, &redis.XAddArgs{
				Stream: key,
				MaxLen: b.maxLen,
				Approx: true,
				Values: map[string]any{payloadField: payload},
			})
			p.Expire(ctx, key, b.ttl)
			return nil
		})
		if err != nil {
			return errorx.Wrapf(err, errorx.CodeBusUnavailable, "redis xadd %s", topic)
		}
		return nil
	})
}

// Subscribe 第一个本地订阅者出现时记下 stream 当前末尾，之后发布的消息都会派发
func (b *RedisBus) Subscribe(topic string, h Handler) (func(), error) {
	if b.isClosed() {
		return nil, errorx.ErrBusUnavailable
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id, first := b.disp.add(topic, h)
	if first {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		last, err := b.lastID(ctx, streamKey(topic))
		if err != nil {
			b.disp.remove(topic, id)
			return nil, errorx.Wrapf(err, errorx.CodeBusUnavailable, "redis subscribe %s", topic)
		}
		b.cursors[topic] = last
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
	return unsubscribeOnce(func() { b.unsubscribe(topic, id) }), nil
}

func (b *RedisBus) lastID(ctx context.Context, key string) (string, error) {
	msgs, err := b.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "0-0", nil
	}
	return msgs[0].ID, nil
}

func (b *RedisBus) unsubscribe(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disp.remove(topic, id) {
		delete(b.cursors, topic)
	}
}

func (b *RedisBus) snapshot() (keys, ids []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, id := range b.cursors {
		keys = append(keys, streamKey(topic))
		ids = append(ids, id)
	}
	return keys, ids
}

// Start 读循环；读失败按指数退避重试，游标不变，重连后补齐断线期间的消息
func (b *RedisBus) Start(ctx context.Context) error {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 100 * time.Millisecond
	retry.MaxInterval = 2 * time.Second
	retry.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil || b.isClosed() {
			return nil
		}
		keys, ids := b.snapshot()
		if len(keys) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-b.done:
				return nil
			case <-b.wake:
			}
			continue
		}

		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: append(keys, ids...),
			Count:   256,
			Block:   b.block,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil || b.isClosed() {
				return nil
			}
			d := retry.NextBackOff()
			zap.L().Warn("redis bus read failed, retrying", zap.Duration("after", d), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-b.done:
				return nil
			case <-time.After(d):
			}
			continue
		}
		retry.Reset()

		for _, s := range streams {
			topic := strings.TrimPrefix(s.Stream, streamPrefix)
			for _, m := range s.Messages {
				b.deliver(topic, m)
			}
		}
	}
}

// deliver 推进游标后派发；主题已退订或重新订阅过的旧消息跳过
func (b *RedisBus) deliver(topic string, m redis.XMessage) {
	b.mu.Lock()
	cur, ok := b.cursors[topic]
	if !ok || !streamIDAfter(m.ID, cur) {
		b.mu.Unlock()
		return
	}
	b.cursors[topic] = m.ID
	b.mu.Unlock()

	payload, _ := m.Values[payloadField].(string)
	b.disp.dispatch(topic, []byte(payload))
}

// streamIDAfter 比较 "毫秒-序号" 格式的 stream ID
func streamIDAfter(a, b string) bool {
	am, as := splitStreamID(a)
	bm, bs := splitStreamID(b)
	if am != bm {
		return am > bm
	}
	return as > bs
}

func splitStreamID(id string) (ms, seq uint64) {
	head, tail, _ := strings.Cut(id, "-")
	ms, _ = strconv.ParseUint(head, 10, 64)
	seq, _ = strconv.ParseUint(tail, 10, 64)
	return ms, seq
}

// Close 停止读循环，客户端由调用方关闭
func (b *RedisBus) Close() error {
	b.once.Do(func() { close(b.done) })
	return nil
}

func (b *RedisBus) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

var _ Bus = (*RedisBus)(nil)
