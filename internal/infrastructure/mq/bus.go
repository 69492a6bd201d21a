// Package mq 实现扇出总线
// bus.go
// 核心职责：定义跨实例发布/订阅接口
// 支持 Channel（单机）、Redis Streams 与 Kafka 三种实现，由 kafkaConfig.messageMode 选择
package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Handler 处理一条总线消息
// 同一实现内按接收顺序串行调用，处理函数不能阻塞
type Handler func(topic string, payload []byte)

// Bus 扇出总线
// 语义：至少一次投递；同一发布者发往同一主题的消息保持发布顺序
type Bus interface {
	// Publish 发布消息，总线不可用时快速失败并返回 BusUnavailable
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe 订阅主题，返回取消订阅函数（可重复调用）
	Subscribe(topic string, h Handler) (func(), error)
	// Start 启动消费循环，阻塞到 ctx 结束或 Close
	Start(ctx context.Context) error
	// Close 关闭总线资源
	Close() error
}

// 总线事件类型
const (
	EventMessage  = "message"  // 新消息
	EventTyping   = "typing"   // 输入状态
	EventDeleted  = "deleted"  // 消息被撤回
	EventRead     = "read"     // 已读回执
	EventPresence = "presence" // 在线状态
)

// Event 总线上的统一事件格式
type Event struct {
	Type    string          `json:"type"`
	Origin  string          `json:"origin"` // 发布实例 ID
	Payload json.RawMessage `json:"payload"`
}

// EncodeEvent 序列化事件
func EncodeEvent(typ, origin string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return json.Marshal(Event{Type: typ, Origin: origin, Payload: raw})
}

// DecodeEvent 反序列化事件
func DecodeEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode bus event: %w", err)
	}
	return &ev, nil
}

// dispatcher 主题 -> 处理函数表，三种实现共用
type dispatcher struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]Handler
}

func newDispatcher() *dispatcher {
	return &dispatcher{subs: make(map[string]map[uint64]Handler)}
}

// add 返回订阅 ID，first 表示这是该主题的第一个处理函数
func (d *dispatcher) add(topic string, h Handler) (id uint64, first bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	hs, ok := d.subs[topic]
	if !ok {
		hs = make(map[uint64]Handler)
		d.subs[topic] = hs
	}
	hs[d.nextID] = h
	return d.nextID, !ok
}

// remove 返回 last 表示该主题已没有处理函数
func (d *dispatcher) remove(topic string, id uint64) (last bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hs, ok := d.subs[topic]
	if !ok {
		return false
	}
	if _, ok := hs[id]; !ok {
		return false
	}
	delete(hs, id)
	if len(hs) == 0 {
		delete(d.subs, topic)
		return true
	}
	return false
}

func (d *dispatcher) topics() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.subs))
	for t := range d.subs {
		out = append(out, t)
	}
	return out
}

// dispatch 在调用方 goroutine 中依次执行处理函数
func (d *dispatcher) dispatch(topic string, payload []byte) {
	d.mu.RLock()
	hs := make([]Handler, 0, len(d.subs[topic]))
	for _, h := range d.subs[topic] {
		hs = append(hs, h)
	}
	d.mu.RUnlock()

	for _, h := range hs {
		d.safeCall(h, topic, payload)
	}
}

func (d *dispatcher) safeCall(h Handler, topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("bus handler panic", zap.String("topic", topic), zap.Any("recover", r))
		}
	}()
	h(topic, payload)
}

// unsubscribeOnce 把取消订阅包装成可重复调用
func unsubscribeOnce(fn func()) func() {
	var once sync.Once
	return func() { once.Do(fn) }
}
