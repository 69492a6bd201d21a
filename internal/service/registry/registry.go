package registry

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"kama_relay_server/pkg/errorx"
)

const shardCount = 32

// shard 一组 key 的会话表，按 key 分片加锁，避免全局锁
type shard struct {
	mu   sync.RWMutex
	sets map[string]map[string]*Session // key -> sessionId -> session
}

func newShards() []*shard {
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{sets: make(map[string]map[string]*Session)}
	}
	return shards
}

func shardFor(shards []*shard, key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return shards[h.Sum32()%shardCount]
}

func (sh *shard) add(key string, s *Session) {
	set, ok := sh.sets[key]
	if !ok {
		set = make(map[string]*Session)
		sh.sets[key] = set
	}
	set[s.ID] = s
}

func (sh *shard) remove(key string, s *Session) bool {
	set, ok := sh.sets[key]
	if !ok {
		return false
	}
	if _, ok := set[s.ID]; !ok {
		return false
	}
	delete(set, s.ID)
	if len(set) == 0 {
		delete(sh.sets, key)
	}
	return true
}

func (sh *shard) snapshot(key string) []*Session {
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	set := sh.sets[key]
	out := make([]*Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

// Registry 本进程的会话登记表：身份 -> 会话集合（多端），会话 -> 会话订阅
// 只服务本地投递，不跨实例
type Registry struct {
	maxPerIdentity int
	maxTotal       int

	total      atomic.Int64
	identities []*shard
	chats      []*shard
}

// NewRegistry maxPerIdentity / maxTotal <= 0 表示不限制
func NewRegistry(maxPerIdentity, maxTotal int) *Registry {
	return &Registry{
		maxPerIdentity: maxPerIdentity,
		maxTotal:       maxTotal,
		identities:     newShards(),
		chats:          newShards(),
	}
}

// Register 登记会话
// 进程总数先检查（CapacityExceeded），再在身份分片锁内检查单身份上限（TooManyConnections），检查与插入原子
func (r *Registry) Register(s *Session) error {
	n := r.total.Add(1)
	if r.maxTotal > 0 && n > int64(r.maxTotal) {
		r.total.Add(-1)
		return errorx.ErrCapacityExceeded
	}

	sh := shardFor(r.identities, s.Identity)
	sh.mu.Lock()
	if r.maxPerIdentity > 0 && len(sh.sets[s.Identity]) >= r.maxPerIdentity {
		sh.mu.Unlock()
		r.total.Add(-1)
		return errorx.ErrTooManyConnections
	}
	sh.add(s.Identity, s)
	sh.mu.Unlock()
	zap.L().Debug("session registered",
		zap.String("identity", s.Identity), zap.String("session_id", s.ID))
	return nil
}

// Unregister 幂等；返回时该会话已不在任何查询结果中
// 返回值为被移除的会话订阅，调用方据此释放总线主题
func (r *Registry) Unregister(s *Session) []string {
	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return nil
	}
	s.removed = true
	chats := make([]string, 0, len(s.chats))
	for id := range s.chats {
		chats = append(chats, id)
	}
	s.chats = make(map[string]struct{})
	s.mu.Unlock()

	for _, chatID := range chats {
		sh := shardFor(r.chats, chatID)
		sh.mu.Lock()
		sh.remove(chatID, s)
		sh.mu.Unlock()
	}

	sh := shardFor(r.identities, s.Identity)
	sh.mu.Lock()
	removed := sh.remove(s.Identity, s)
	sh.mu.Unlock()
	if removed {
		r.total.Add(-1)
	}
	return chats
}

// LocalSessionsFor 身份在本进程的全部会话
func (r *Registry) LocalSessionsFor(identity string) []*Session {
	return shardFor(r.identities, identity).snapshot(identity)
}

// SubscribeChat 订阅会话，已订阅时 added=false
// 会话锁跨越分片插入，保证与 Unregister 不交错
func (r *Registry) SubscribeChat(s *Session, chatID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return false, errorx.Newf(errorx.CodeNotFound, "session %s not registered", s.ID)
	}
	if _, ok := s.chats[chatID]; ok {
		return false, nil
	}
	s.chats[chatID] = struct{}{}
	sh := shardFor(r.chats, chatID)
	sh.mu.Lock()
	sh.add(chatID, s)
	sh.mu.Unlock()
	return true, nil
}

// UnsubscribeChat 取消订阅，返回是否真的移除了
func (r *Registry) UnsubscribeChat(s *Session, chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[chatID]; !ok {
		return false
	}
	delete(s.chats, chatID)
	sh := shardFor(r.chats, chatID)
	sh.mu.Lock()
	sh.remove(chatID, s)
	sh.mu.Unlock()
	return true
}

// SessionsInChat 本进程订阅了该会话的全部会话
func (r *Registry) SessionsInChat(chatID string) []*Session {
	return shardFor(r.chats, chatID).snapshot(chatID)
}

// Count 本进程会话总数
func (r *Registry) Count() int {
	return int(r.total.Load())
}

func (r *Registry) CountFor(identity string) int {
	sh := shardFor(r.identities, identity)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.sets[identity])
}

// Each 遍历全部会话，fn 在分片锁外执行
func (r *Registry) Each(fn func(*Session)) {
	for _, sh := range r.identities {
		sh.mu.RLock()
		batch := make([]*Session, 0)
		for _, set := range sh.sets {
			for _, s := range set {
				batch = append(batch, s)
			}
		}
		sh.mu.RUnlock()
		for _, s := range batch {
			fn(s)
		}
	}
}
