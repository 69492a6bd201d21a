package mq

import (
	"context"
	"sync"
	"time"

	"kama_relay_server/pkg/constants"
	"kama_relay_server/pkg/errorx"
)

type envelope struct {
	topic   string
	payload []byte
}

// ChannelBus 单机模式总线
// 所有发布进入同一个有序队列，由 Start 中的单个 goroutine 派发，发布顺序即派发顺序
type ChannelBus struct {
	queue chan envelope
	wait  time.Duration // 队列满时最多等待的时长
	disp  *dispatcher
	done  chan struct{}
	once  sync.Once
}

// NewChannelBus size <= 0 时使用 constants.CHANNEL_SIZE
func NewChannelBus(size int) *ChannelBus {
	if size <= 0 {
		size = constants.CHANNEL_SIZE
	}
	return &ChannelBus{
		queue: make(chan envelope, size),
		wait:  50 * time.Millisecond,
		disp:  newDispatcher(),
		done:  make(chan struct{}),
	}
}

// Publish 入队；队列满时最多等待 wait，超时快速失败返回 BusUnavailable
// 调用方持有会话锁，不能等到 ctx 结束
func (b *ChannelBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if b.isClosed() {
		return errorx.ErrBusUnavailable
	}
	ev := envelope{topic: topic, payload: payload}
	select {
	case b.queue <- ev:
		return nil
	default:
	}

	timer := time.NewTimer(b.wait)
	defer timer.Stop()
	select {
	case b.queue <- ev:
		return nil
	case <-b.done:
		return errorx.ErrBusUnavailable
	case <-timer.C:
		return errorx.Newf(errorx.CodeBusUnavailable, "channel bus queue full")
	case <-ctx.Done():
		return errorx.Wrap(ctx.Err(), errorx.CodeBusUnavailable, "channel bus queue full")
	}
}

// Subscribe 注册处理函数
func (b *ChannelBus) Subscribe(topic string, h Handler) (func(), error) {
	if b.isClosed() {
		return nil, errorx.ErrBusUnavailable
	}
	id, _ := b.disp.add(topic, h)
	return unsubscribeOnce(func() { b.disp.remove(topic, id) }), nil
}

// Start 派发循环
func (b *ChannelBus) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		case ev := <-b.queue:
			b.disp.dispatch(ev.topic, ev.payload)
		}
	}
}

// Close 关闭后发布返回 BusUnavailable，队列中剩余消息丢弃
func (b *ChannelBus) Close() error {
	b.once.Do(func() { close(b.done) })
	return nil
}

func (b *ChannelBus) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

var _ Bus = (*ChannelBus)(nil)
