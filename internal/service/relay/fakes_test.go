package relay

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"kama_relay_server/internal/dao/mysql"
	"kama_relay_server/internal/dto/request"
	"kama_relay_server/internal/infrastructure/mq"
	"kama_relay_server/internal/model"
	"kama_relay_server/internal/service/registry"
	"kama_relay_server/pkg/errorx"
)

// memStore 内存版消息存储，可注入前 n 次 Append 失败
type memStore struct {
	mu          sync.Mutex
	failAppends int
	appendCalls int
	nextID      int64
	seq         map[string]int64
	byToken     map[string]*model.Envelope
	byID        map[int64]*model.Envelope
	chats       map[string][]*model.Envelope
	reads       map[int64]map[string]time.Time
}

func newMemStore() *memStore {
	return &memStore{
		nextID:  1000,
		seq:     make(map[string]int64),
		byToken: make(map[string]*model.Envelope),
		byID:    make(map[int64]*model.Envelope),
		chats:   make(map[string][]*model.Envelope),
		reads:   make(map[int64]map[string]time.Time),
	}
}

func (m *memStore) Append(ctx context.Context, env *model.Envelope) (*model.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendCalls++
	if m.appendCalls <= m.failAppends {
		return nil, errorx.ErrStoreError
	}
	key := env.ChatID + "|" + env.SenderID + "|" + env.ClientToken
	if existing, ok := m.byToken[key]; ok {
		cp := *existing
		return &cp, errorx.ErrDuplicateClientToken
	}
	m.nextID++
	m.seq[env.ChatID]++
	row := *env
	row.ID = m.nextID
	row.Seq = m.seq[env.ChatID]
	row.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	m.byToken[key] = &row
	m.byID[row.ID] = &row
	m.chats[env.ChatID] = append(m.chats[env.ChatID], &row)
	cp := row
	return &cp, nil
}

func (m *memStore) History(_ context.Context, chatID, _ string, limit int) (*mysql.HistoryPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.chats[chatID]
	page := &mysql.HistoryPage{}
	for i := len(rows) - 1; i >= 0 && len(page.Items) < limit; i-- {
		page.Items = append(page.Items, *rows[i])
	}
	return page, nil
}

func (m *memStore) Since(_ context.Context, chatID string, afterSeq int64, limit int) ([]model.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Envelope
	for _, r := range m.chats[chatID] {
		if r.Seq > afterSeq && len(out) < limit {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memStore) FindByID(_ context.Context, id int64) (*model.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok {
		return nil, errorx.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) MarkDeleted(_ context.Context, id int64, actor string) (*model.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok {
		return nil, errorx.ErrNotFound
	}
	if r.SenderID != actor {
		return nil, errorx.ErrForbidden
	}
	if r.DeletedAt == nil {
		now := time.Now().UTC()
		r.DeletedAt = &now
	}
	cp := *r
	cp.Ciphertext, cp.RecipientKeys, cp.IV = nil, nil, nil
	return &cp, nil
}

func (m *memStore) MarkDelivered(_ context.Context, id int64, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return errorx.ErrNotFound
	}
	return nil
}

func (m *memStore) MarkRead(_ context.Context, id int64, identity string) (*model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok {
		return nil, errorx.ErrNotFound
	}
	if _, ok := r.RecipientKeys[identity]; !ok {
		return nil, errorx.ErrForbidden
	}
	if m.reads[id] == nil {
		m.reads[id] = make(map[string]time.Time)
	}
	at, ok := m.reads[id][identity]
	if !ok {
		at = time.Now().UTC()
		m.reads[id][identity] = at
	}
	return &model.Delivery{MessageID: id, Identity: identity, ChatID: r.ChatID, DeliveredAt: at, ReadAt: &at}, nil
}

func (m *memStore) UnreadCount(_ context.Context, chatID, identity string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.chats[chatID] {
		if r.SenderID == identity || r.DeletedAt != nil {
			continue
		}
		if _, ok := m.reads[r.ID][identity]; !ok {
			n++
		}
	}
	return n, nil
}

func (m *memStore) count(chatID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chats[chatID])
}

// fakeDirectory 带缓存的会话目录，stale 模拟缓存里的旧成员集合
type fakeDirectory struct {
	mu          sync.Mutex
	members     map[string][]string
	stale       map[string][]string
	currentRead int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{members: make(map[string][]string), stale: make(map[string][]string)}
}

func (d *fakeDirectory) set(chatID string, members ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sort.Strings(members)
	d.members[chatID] = members
}

func (d *fakeDirectory) ParticipantsOf(_ context.Context, chatID string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.stale[chatID]; ok {
		return s, nil
	}
	m, ok := d.members[chatID]
	if !ok {
		return nil, errorx.Newf(errorx.CodeNotFound, "chat %s not found", chatID)
	}
	return m, nil
}

func (d *fakeDirectory) Exists(ctx context.Context, chatID string) (bool, error) {
	_, err := d.ParticipantsOf(ctx, chatID)
	return err == nil, nil
}

func (d *fakeDirectory) CurrentParticipants(_ context.Context, chatID string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.currentRead++
	m, ok := d.members[chatID]
	if !ok {
		delete(d.stale, chatID)
		return nil, errorx.Newf(errorx.CodeNotFound, "chat %s not found", chatID)
	}
	d.stale[chatID] = m
	return m, nil
}

type harness struct {
	engine *Engine
	store  *memStore
	dir    *fakeDirectory
	bus    *mq.ChannelBus
	reg    *registry.Registry
}

func testOptions() Options {
	return Options{
		Origin:               "i1",
		MaxCiphertextBytes:   1024,
		StoreRetryAttempts:   5,
		PublishRetryAttempts: 2,
		RetryBase:            time.Millisecond,
		RetryMax:             5 * time.Millisecond,
		PersistTimeout:       5 * time.Second,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	bus := mq.NewChannelBus(64)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = bus.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		_ = bus.Close()
		<-done
	})

	h := &harness{store: newMemStore(), dir: newFakeDirectory(), bus: bus, reg: registry.NewRegistry(5, 0)}
	h.engine = New(Deps{Store: h.store, Chats: h.dir, Bus: bus, Registry: h.reg}, testOptions())
	return h
}

// connect 登记会话并订阅会话
func (h *harness) connect(t *testing.T, identity string, chats ...string) *registry.Session {
	t.Helper()
	s := registry.NewSession(identity, 16)
	if err := h.reg.Register(s); err != nil {
		t.Fatal(err)
	}
	for _, c := range chats {
		if err := h.engine.SubscribeSession(context.Background(), s, c); err != nil {
			t.Fatal(err)
		}
	}
	t.Cleanup(func() { h.engine.DetachSession(s) })
	return s
}

func sendReq(token, chatID string, recipients ...string) *request.SendMessageRequest {
	keys := make(map[string][]byte, len(recipients))
	for _, r := range recipients {
		keys[r] = []byte("wrapped-" + r)
	}
	return &request.SendMessageRequest{
		ClientToken:   token,
		ChatID:        chatID,
		Ciphertext:    []byte{0x01, 0x02},
		RecipientKeys: keys,
		IV:            []byte{0x00},
		Kind:          model.KindText,
	}
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func nextFrame(t *testing.T, s *registry.Session) frame {
	t.Helper()
	select {
	case raw := <-s.Outbound():
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatal(err)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame for %s", s.Identity)
		return frame{}
	}
}

func expectNoFrame(t *testing.T, s *registry.Session) {
	t.Helper()
	select {
	case raw := <-s.Outbound():
		t.Fatalf("unexpected frame for %s: %s", s.Identity, raw)
	case <-time.After(50 * time.Millisecond):
	}
}
