package mq

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"kama_relay_server/internal/config"
	"kama_relay_server/pkg/errorx"
	"kama_relay_server/pkg/util/pool"
)

func newRedisBus(t *testing.T, mr *miniredis.Miniredis) *RedisBus {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	bus := NewRedisBus(client, pool.New("bus", 4, time.Second))
	startBus(t, bus)
	return bus
}

func waitSubscribed(t *testing.T, bus *RedisBus, topic string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		bus.mu.Lock()
		_, ok := bus.cursors[topic]
		bus.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("topic %s never subscribed", topic)
}

func publishRange(t *testing.T, bus *RedisBus, topic string, from, to int) {
	t.Helper()
	for i := from; i < to; i++ {
		if err := bus.Publish(context.Background(), topic, []byte(fmt.Sprint(i))); err != nil {
			t.Fatal(err)
		}
	}
}

func assertSequence(t *testing.T, got []string, n int) {
	t.Helper()
	if len(got) != n {
		t.Fatalf("expected %d messages, got %v", n, got)
	}
	for i, v := range got {
		if v != fmt.Sprint(i) {
			t.Fatalf("out of order at %d: %v", i, got)
		}
	}
}

func TestRedisBusFansOutAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newRedisBus(t, mr)
	b := newRedisBus(t, mr)

	got := newCollector()
	if _, err := b.Subscribe("chat.c1", got.handle); err != nil {
		t.Fatal(err)
	}
	waitSubscribed(t, b, "chat.c1")

	publishRange(t, a, "chat.c1", 0, 20)
	assertSequence(t, got.waitFor(t, 20), 20)
}

func TestRedisBusOnlyDeliversAfterSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	bus := newRedisBus(t, mr)

	// 订阅前的历史不补发
	publishRange(t, bus, "chat.c1", 100, 103)

	got := newCollector()
	if _, err := bus.Subscribe("chat.c1", got.handle); err != nil {
		t.Fatal(err)
	}
	publishRange(t, bus, "chat.c1", 0, 3)
	assertSequence(t, got.waitFor(t, 3), 3)
}

func TestRedisBusResumesAfterConnectionLoss(t *testing.T) {
	mr := miniredis.RunT(t)
	pub := newRedisBus(t, mr)
	sub := newRedisBus(t, mr)

	got := newCollector()
	if _, err := sub.Subscribe("chat.c1", got.handle); err != nil {
		t.Fatal(err)
	}
	publishRange(t, pub, "chat.c1", 0, 5)
	got.waitFor(t, 5)

	// 断开所有连接，恢复后立即发布；订阅方重连前发布的消息也要收到
	mr.Close()
	time.Sleep(50 * time.Millisecond)
	if err := mr.Restart(); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for i := 5; i < 10; {
		if err := pub.Publish(context.Background(), "chat.c1", []byte(fmt.Sprint(i))); err != nil {
			if time.Now().After(deadline) {
				t.Fatalf("publish after restart: %v", err)
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		i++
	}

	got.waitFor(t, 10)
	// 等一会儿确认没有重复派发
	time.Sleep(100 * time.Millisecond)
	got.mu.Lock()
	msgs := append([]string(nil), got.got...)
	got.mu.Unlock()
	assertSequence(t, msgs, 10)
}

func TestRedisBusUnsubscribeLastHandler(t *testing.T) {
	mr := miniredis.RunT(t)
	bus := newRedisBus(t, mr)

	c := newCollector()
	unsub1, _ := bus.Subscribe("presence", c.handle)
	unsub2, _ := bus.Subscribe("presence", func(string, []byte) {})

	unsub1()
	bus.mu.Lock()
	_, ok := bus.cursors["presence"]
	bus.mu.Unlock()
	if !ok {
		t.Fatal("cursor dropped while a local handler remains")
	}
	unsub2()
	bus.mu.Lock()
	_, ok = bus.cursors["presence"]
	bus.mu.Unlock()
	if ok {
		t.Fatal("cursor kept after last handler left")
	}

	publishRange(t, bus, "presence", 0, 1)
	time.Sleep(50 * time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.got) != 0 {
		t.Fatalf("unsubscribed handler received %v", c.got)
	}
}

func TestStreamIDAfter(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"2-0", "1-5", true},
		{"1-6", "1-5", true},
		{"1-5", "1-5", false},
		{"10-0", "9-99", true},
		{"1-0", "0-0", true},
	}
	for _, tc := range cases {
		if got := streamIDAfter(tc.a, tc.b); got != tc.want {
			t.Errorf("streamIDAfter(%s, %s) = %v", tc.a, tc.b, got)
		}
	}
}

func TestRedisBusUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	bus := NewRedisBus(client, pool.New("bus", 1, 10*time.Millisecond))
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := bus.Publish(ctx, "chat.c1", []byte("x")); !errors.Is(err, errorx.ErrBusUnavailable) {
		t.Fatalf("expected BusUnavailable, got %v", err)
	}
	_ = bus.Close()
	if err := bus.Publish(ctx, "chat.c1", []byte("x")); !errors.Is(err, errorx.ErrBusUnavailable) {
		t.Fatalf("expected BusUnavailable after close, got %v", err)
	}
}

func TestNewBusSelectsMode(t *testing.T) {
	conf := config.Default()
	b, err := NewBus(conf, "i1", nil, pool.New("bus", 1, 0))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := b.(*ChannelBus); !ok {
		t.Fatalf("default mode should be channel, got %T", b)
	}

	conf.KafkaConfig.MessageMode = ModeRedis
	if _, err := NewBus(conf, "i1", nil, nil); err == nil {
		t.Fatal("redis mode without client should fail")
	}

	conf.KafkaConfig.MessageMode = ModeKafka
	b, err = NewBus(conf, "i1", nil, pool.New("bus", 1, 0))
	if err != nil {
		t.Fatal(err)
	}
	kb := b.(*KafkaBus)
	if kb.Producer.Topic != conf.KafkaConfig.ChatTopic {
		t.Fatalf("producer topic = %s", kb.Producer.Topic)
	}
	_ = kb.Close()
	if err := kb.Publish(context.Background(), "chat.c1", nil); !errors.Is(err, errorx.ErrBusUnavailable) {
		t.Fatalf("closed kafka bus should fail fast, got %v", err)
	}

	conf.KafkaConfig.MessageMode = "carrier-pigeon"
	if _, err := NewBus(conf, "i1", nil, nil); err == nil {
		t.Fatal("unknown mode should fail")
	}
}
