// Package presence 在线状态与输入状态
// 条目只保存时间戳，状态在读取时按心跳新旧计算；清扫协程只负责发出状态变化通知
// 心跳和输入状态通过扇出总线复制到所有实例
package presence

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"kama_relay_server/internal/config"
	"kama_relay_server/internal/dto/respond"
	"kama_relay_server/internal/infrastructure/mq"
	"kama_relay_server/pkg/constants"
)

// Status 在线状态
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// 变化类型
const (
	ChangePresence = "presence"
	ChangeTyping   = "typing"
)

// Change 通知给监听者的状态变化
type Change struct {
	Kind     string
	Identity string
	Status   Status    // presence
	At       time.Time // presence
	Chats    []string  // presence：该身份最近上报的活跃会话
	ChatID   string    // typing
	IsTyping bool      // typing
}

// Options 时间窗口配置
type Options struct {
	AwayAfter     time.Duration
	ExpireAfter   time.Duration
	TypingTTL     time.Duration
	SweepInterval time.Duration

	// LocalActive 身份在本实例是否还有会话
	// 收到其他实例的离线事件时，本地仍有会话则重新广播心跳
	LocalActive func(identity string) bool
	Now         func() time.Time
}

// OptionsFrom 从配置构造
func OptionsFrom(conf config.PresenceConfig) Options {
	return Options{
		AwayAfter:     config.Seconds(conf.AwayAfter),
		ExpireAfter:   config.Seconds(conf.ExpireAfter),
		TypingTTL:     config.Seconds(conf.TypingTTL),
		SweepInterval: config.Millis(conf.SweepInterval),
	}
}

// presenceUpdate 总线上的在线状态 payload
type presenceUpdate struct {
	respond.PresenceEvent
	Chats []string `json:"chats,omitempty"`
}

type entry struct {
	lastBeat time.Time
	chats    []string
	notified Status // 最近一次通知出去的状态
}

const shardCount = 32

type presenceShard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type typingShard struct {
	mu    sync.Mutex
	chats map[string]map[string]time.Time // chatId -> identity -> 过期时间
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// Tracker 在线状态跟踪器
type Tracker struct {
	bus    mq.Bus
	origin string
	opts   Options

	presence [shardCount]*presenceShard
	typing   [shardCount]*typingShard

	lmu       sync.RWMutex
	listeners []func(Change)
}

// NewTracker origin 为本实例 ID，用于忽略自己发布的事件
func NewTracker(bus mq.Bus, origin string, opts Options) *Tracker {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}
	t := &Tracker{bus: bus, origin: origin, opts: opts}
	for i := 0; i < shardCount; i++ {
		t.presence[i] = &presenceShard{entries: make(map[string]*entry)}
		t.typing[i] = &typingShard{chats: make(map[string]map[string]time.Time)}
	}
	return t
}

// OnChange 注册状态变化监听
// 监听函数在状态变化的 goroutine 中同步执行，不能阻塞
func (t *Tracker) OnChange(fn func(Change)) {
	t.lmu.Lock()
	t.listeners = append(t.listeners, fn)
	t.lmu.Unlock()
}

func (t *Tracker) notify(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	t.lmu.RLock()
	ls := append([]func(Change){}, t.listeners...)
	t.lmu.RUnlock()
	for _, c := range changes {
		for _, fn := range ls {
			fn(c)
		}
	}
}

// Listen 订阅全局在线状态主题
func (t *Tracker) Listen() (func(), error) {
	return t.bus.Subscribe(constants.PRESENCE_TOPIC, func(_ string, payload []byte) {
		ev, err := mq.DecodeEvent(payload)
		if err != nil {
			zap.L().Warn("drop presence event", zap.Error(err))
			return
		}
		t.HandleBusEvent(ev)
	})
}

// HandleBusEvent 应用其他实例发布的在线 / 输入事件，自己发布的事件已在本地生效
func (t *Tracker) HandleBusEvent(ev *mq.Event) {
	if ev.Origin == t.origin {
		return
	}
	switch ev.Type {
	case mq.EventPresence:
		var up presenceUpdate
		if err := json.Unmarshal(ev.Payload, &up); err != nil {
			zap.L().Warn("bad presence payload", zap.Error(err))
			return
		}
		t.applyRemotePresence(up)
	case mq.EventTyping:
		var te respond.TypingEvent
		if err := json.Unmarshal(ev.Payload, &te); err != nil {
			zap.L().Warn("bad typing payload", zap.Error(err))
			return
		}
		t.applyTyping(te.ChatID, te.Identity, te.IsTyping)
	}
}

// Heartbeat 刷新在线条目并广播
func (t *Tracker) Heartbeat(ctx context.Context, identity string, activeChats []string) error {
	at := t.opts.Now()
	chats := normalize(activeChats)
	if t.beat(identity, at, chats) {
		t.notify(Change{Kind: ChangePresence, Identity: identity, Status: StatusOnline, At: at, Chats: chats})
	}
	return t.publish(ctx, constants.PRESENCE_TOPIC, mq.EventPresence, presenceUpdate{
		PresenceEvent: respond.PresenceEvent{Identity: identity, Status: string(StatusOnline), At: at},
		Chats:         chats,
	})
}

// MarkOffline 身份在本实例的最后一个会话关闭时调用
// 调用方判断"没有会话"与这里之间可能有新会话登记，前后各检查一次本地会话：
// 之前已有则什么都不做，之后才出现则补一次心跳，避免停在离线直到下一次 pong
func (t *Tracker) MarkOffline(ctx context.Context, identity string) error {
	if t.localActive(identity) {
		return nil
	}
	at := t.opts.Now()
	if c, ok := t.drop(identity, at); ok {
		t.notify(c)
	}
	err := t.publish(ctx, constants.PRESENCE_TOPIC, mq.EventPresence, presenceUpdate{
		PresenceEvent: respond.PresenceEvent{Identity: identity, Status: string(StatusOffline), At: at},
	})
	if t.localActive(identity) {
		return t.Heartbeat(ctx, identity, t.chatsOf(identity))
	}
	return err
}

func (t *Tracker) localActive(identity string) bool {
	return t.opts.LocalActive != nil && t.opts.LocalActive(identity)
}

// beat 返回是否从非在线变为在线
func (t *Tracker) beat(identity string, at time.Time, chats []string) bool {
	sh := t.presence[shardIndex(identity)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[identity]
	if !ok {
		e = &entry{notified: StatusOffline}
		sh.entries[identity] = e
	}
	if at.After(e.lastBeat) {
		e.lastBeat = at
		e.chats = chats
	}
	if t.statusAt(e, t.opts.Now()) != StatusOnline {
		return false
	}
	changed := e.notified != StatusOnline
	e.notified = StatusOnline
	return changed
}

// drop 删除条目；at 早于最近心跳时忽略（离线事件晚到）
func (t *Tracker) drop(identity string, at time.Time) (Change, bool) {
	sh := t.presence[shardIndex(identity)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[identity]
	if !ok || e.lastBeat.After(at) {
		return Change{}, false
	}
	delete(sh.entries, identity)
	if e.notified == StatusOffline {
		return Change{}, false
	}
	return Change{Kind: ChangePresence, Identity: identity, Status: StatusOffline, At: at, Chats: e.chats}, true
}

func (t *Tracker) applyRemotePresence(up presenceUpdate) {
	now := t.opts.Now()
	at := up.At
	if at.After(now) {
		at = now // 时钟偏差
	}
	switch Status(up.Status) {
	case StatusOnline:
		if t.beat(up.Identity, at, normalize(up.Chats)) {
			t.notify(Change{Kind: ChangePresence, Identity: up.Identity, Status: StatusOnline, At: at, Chats: normalize(up.Chats)})
		}
	case StatusOffline:
		if t.localActive(up.Identity) {
			// 其他设备仍连在本实例上，重新宣告在线
			chats := t.chatsOf(up.Identity)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				if err := t.Heartbeat(ctx, up.Identity, chats); err != nil {
					zap.L().Warn("re-announce presence failed", zap.String("identity", up.Identity), zap.Error(err))
				}
			}()
			return
		}
		if c, ok := t.drop(up.Identity, at); ok {
			t.notify(c)
		}
	}
}

func (t *Tracker) chatsOf(identity string) []string {
	sh := t.presence[shardIndex(identity)]
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if e, ok := sh.entries[identity]; ok {
		return e.chats
	}
	return nil
}

func (t *Tracker) statusAt(e *entry, now time.Time) Status {
	since := now.Sub(e.lastBeat)
	switch {
	case since < t.opts.AwayAfter:
		return StatusOnline
	case since < t.opts.ExpireAfter:
		return StatusAway
	default:
		return StatusOffline
	}
}

// StatusOf 只由心跳新旧决定，与本地连接数无关
func (t *Tracker) StatusOf(identity string) Status {
	st, _ := t.Lookup(identity)
	return st
}

// Lookup 返回状态与最近一次心跳时间
func (t *Tracker) Lookup(identity string) (Status, time.Time) {
	sh := t.presence[shardIndex(identity)]
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entries[identity]
	if !ok {
		return StatusOffline, time.Time{}
	}
	return t.statusAt(e, t.opts.Now()), e.lastBeat
}

// SetTyping 设置输入状态并广播到会话主题，TypingTTL 后自动失效
func (t *Tracker) SetTyping(ctx context.Context, chatID, identity string, isTyping bool) error {
	t.applyTyping(chatID, identity, isTyping)
	return t.publish(ctx, constants.ChatTopic(chatID), mq.EventTyping, respond.TypingEvent{
		ChatID: chatID, Identity: identity, IsTyping: isTyping,
	})
}

func (t *Tracker) applyTyping(chatID, identity string, isTyping bool) {
	now := t.opts.Now()
	sh := t.typing[shardIndex(chatID)]
	sh.mu.Lock()
	m := sh.chats[chatID]
	exp, ok := m[identity]
	wasTyping := ok && now.Before(exp)
	if isTyping {
		if m == nil {
			m = make(map[string]time.Time)
			sh.chats[chatID] = m
		}
		m[identity] = now.Add(t.opts.TypingTTL)
	} else if ok {
		delete(m, identity)
		if len(m) == 0 {
			delete(sh.chats, chatID)
		}
	}
	sh.mu.Unlock()

	if wasTyping != isTyping {
		t.notify(Change{Kind: ChangeTyping, ChatID: chatID, Identity: identity, IsTyping: isTyping})
	}
}

// TypingIn 会话内未过期的输入者
func (t *Tracker) TypingIn(chatID string) []string {
	now := t.opts.Now()
	sh := t.typing[shardIndex(chatID)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	out := make([]string, 0)
	for id, exp := range sh.chats[chatID] {
		if now.Before(exp) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Run 周期清扫，阻塞到 ctx 结束
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.Sweep()
		}
	}
}

// Sweep 清理过期条目并通知 away / offline / 输入结束
func (t *Tracker) Sweep() {
	now := t.opts.Now()
	var changes []Change
	for _, sh := range t.presence {
		sh.mu.Lock()
		for id, e := range sh.entries {
			st := t.statusAt(e, now)
			if st != e.notified {
				e.notified = st
				changes = append(changes, Change{Kind: ChangePresence, Identity: id, Status: st, At: now, Chats: e.chats})
			}
			if st == StatusOffline {
				delete(sh.entries, id)
			}
		}
		sh.mu.Unlock()
	}
	for _, sh := range t.typing {
		sh.mu.Lock()
		for chatID, m := range sh.chats {
			for id, exp := range m {
				if !now.Before(exp) {
					delete(m, id)
					changes = append(changes, Change{Kind: ChangeTyping, ChatID: chatID, Identity: id, IsTyping: false})
				}
			}
			if len(m) == 0 {
				delete(sh.chats, chatID)
			}
		}
		sh.mu.Unlock()
	}
	t.notify(changes...)
}

func (t *Tracker) publish(ctx context.Context, topic, typ string, payload any) error {
	data, err := mq.EncodeEvent(typ, t.origin, payload)
	if err != nil {
		return err
	}
	return t.bus.Publish(ctx, topic, data)
}

func normalize(chats []string) []string {
	if len(chats) == 0 {
		return nil
	}
	out := append([]string(nil), chats...)
	sort.Strings(out)
	n := 0
	for i, c := range out {
		if c == "" || (i > 0 && c == out[i-1]) {
			continue
		}
		out[n] = c
		n++
	}
	return out[:n]
}
