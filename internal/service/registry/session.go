// Package registry 本进程的会话登记表
// session.go 单条连接的会话状态：身份、订阅的会话集合、最近活跃时间、出站队列
package registry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Session 一条已认证的长连接
// 连接句柄由网关持有，这里只保存与传输无关的状态
type Session struct {
	ID       string
	Identity string

	out          chan []byte // 出站帧，写协程消费
	lastActivity atomic.Int64

	mu      sync.Mutex
	chats   map[string]struct{}
	removed bool // 已从登记表移除，之后不再接受订阅

	done      chan struct{}
	closeOnce sync.Once
}

// NewSession 创建会话，queueSize 为出站队列长度
func NewSession(identity string, queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = 1
	}
	s := &Session{
		ID:       uuid.NewString(),
		Identity: identity,
		out:      make(chan []byte, queueSize),
		chats:    make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	s.Touch()
	return s
}

// Enqueue 非阻塞投递一帧，队列满或会话已关闭时返回 false
func (s *Session) Enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- frame:
		return true
	default:
		return false
	}
}

// Outbound 出站队列，只给写协程用
func (s *Session) Outbound() <-chan []byte {
	return s.out
}

// Touch 刷新最近活跃时间
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Close 幂等，关闭 done 通知读写协程退出
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Closed 会话是否已关闭
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Chats 当前订阅的会话 id，已排序
func (s *Session) Chats() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.chats))
	for id := range s.chats {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Session) IsSubscribed(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.chats[chatID]
	return ok
}
