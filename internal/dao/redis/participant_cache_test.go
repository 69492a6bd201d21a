package redis

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"kama_relay_server/pkg/errorx"
)

type countingDirectory struct {
	calls   atomic.Int32
	members map[string][]string
}

func (d *countingDirectory) ParticipantsOf(_ context.Context, chatID string) ([]string, error) {
	d.calls.Add(1)
	m, ok := d.members[chatID]
	if !ok {
		return nil, errorx.Newf(errorx.CodeNotFound, "chat %s not found", chatID)
	}
	return m, nil
}

func (d *countingDirectory) Exists(_ context.Context, chatID string) (bool, error) {
	_, ok := d.members[chatID]
	return ok, nil
}

func newTestCache(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewRedisCache(client, 2, 16)
	t.Cleanup(cache.Close)
	return mr, cache
}

func waitForKey(t *testing.T, mr *miniredis.Miniredis, key string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mr.Exists(key) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("key %s was never filled", key)
}

func TestParticipantCacheFillsAndHits(t *testing.T) {
	mr, cache := newTestCache(t)
	dir := &countingDirectory{members: map[string][]string{"c1": {"u1", "u2"}}}
	pc := NewParticipantCache(dir, cache, time.Minute)
	ctx := context.Background()

	got, err := pc.ParticipantsOf(ctx, "c1")
	if err != nil || len(got) != 2 {
		t.Fatalf("ParticipantsOf = %v, %v", got, err)
	}
	waitForKey(t, mr, "participants_c1")

	if _, err := pc.ParticipantsOf(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if n := dir.calls.Load(); n != 1 {
		t.Fatalf("directory called %d times, want 1", n)
	}

	if err := pc.Invalidate(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := pc.ParticipantsOf(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if n := dir.calls.Load(); n != 2 {
		t.Fatalf("directory called %d times after invalidate, want 2", n)
	}
}

func TestParticipantCacheMissingChat(t *testing.T) {
	_, cache := newTestCache(t)
	pc := NewParticipantCache(&countingDirectory{members: map[string][]string{}}, cache, time.Minute)
	if _, err := pc.ParticipantsOf(context.Background(), "zz"); errorx.GetCode(err) != errorx.CodeNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if ok, _ := pc.Exists(context.Background(), "zz"); ok {
		t.Fatal("zz should not exist")
	}
}

func TestParticipantCacheDegradesWhenRedisDown(t *testing.T) {
	mr, cache := newTestCache(t)
	dir := &countingDirectory{members: map[string][]string{"c1": {"u1", "u2"}}}
	pc := NewParticipantCache(dir, cache, time.Minute)
	mr.Close()

	got, err := pc.ParticipantsOf(context.Background(), "c1")
	if err != nil || len(got) != 2 {
		t.Fatalf("expected store fallback, got %v, %v", got, err)
	}
}

func TestCurrentParticipantsReadsStoreAndRefreshes(t *testing.T) {
	mr, cache := newTestCache(t)
	dir := &countingDirectory{members: map[string][]string{"c1": {"u1", "u2"}}}
	pc := NewParticipantCache(dir, cache, time.Minute)
	ctx := context.Background()

	if _, err := pc.ParticipantsOf(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	waitForKey(t, mr, "participants_c1")

	// u1 被移出，缓存里还是旧成员
	dir.members["c1"] = []string{"u2", "u3"}
	got, err := pc.CurrentParticipants(ctx, "c1")
	if err != nil || len(got) != 2 || got[0] != "u2" {
		t.Fatalf("CurrentParticipants = %v, %v", got, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		raw, _ := mr.Get("participants_c1")
		if raw == `["u2","u3"]` {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cache not refreshed, holds %s", raw)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCurrentParticipantsDropsRemovedChat(t *testing.T) {
	mr, cache := newTestCache(t)
	dir := &countingDirectory{members: map[string][]string{"c1": {"u1", "u2"}}}
	pc := NewParticipantCache(dir, cache, time.Minute)
	ctx := context.Background()

	if _, err := pc.ParticipantsOf(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	waitForKey(t, mr, "participants_c1")

	delete(dir.members, "c1")
	if _, err := pc.CurrentParticipants(ctx, "c1"); errorx.GetCode(err) != errorx.CodeNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if mr.Exists("participants_c1") {
		t.Fatal("cache entry kept for a removed chat")
	}
}
