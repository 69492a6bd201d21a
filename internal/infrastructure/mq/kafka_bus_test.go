package mq

import (
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"kama_relay_server/internal/config"
	"kama_relay_server/pkg/util/pool"
)

func TestNewKafkaBusConfig(t *testing.T) {
	cfg := config.KafkaConfig{HostPort: "127.0.0.1:9092", ChatTopic: "relay-events"}
	a := NewKafkaBus(cfg, "node-a", pool.New("bus", 1, 0))
	b := NewKafkaBus(cfg, "node-b", pool.New("bus", 1, 0))
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})

	w := a.Producer
	if _, ok := w.Balancer.(*kafka.Hash); !ok {
		t.Fatalf("balancer %T, want key hash so a bus topic stays on one partition", w.Balancer)
	}
	if w.MaxAttempts != 1 {
		t.Fatalf("MaxAttempts = %d, engine owns retries", w.MaxAttempts)
	}
	if w.Topic != "relay-events" || w.WriteTimeout != time.Second {
		t.Fatalf("writer topic %q timeout %v", w.Topic, w.WriteTimeout)
	}

	ra, rb := a.Consumer.Config(), b.Consumer.Config()
	if ra.GroupID != "relay-node-a" || rb.GroupID != "relay-node-b" {
		t.Fatalf("group ids %q %q, each instance needs its own group", ra.GroupID, rb.GroupID)
	}
	if ra.Topic != "relay-events" || ra.StartOffset != kafka.LastOffset {
		t.Fatalf("reader config %+v", ra)
	}
}

func TestKafkaBusSubscribeAfterClose(t *testing.T) {
	bus := NewKafkaBus(config.KafkaConfig{HostPort: "127.0.0.1:9092", ChatTopic: "t"}, "x", pool.New("bus", 1, 0))
	c := newCollector()
	unsub, err := bus.Subscribe("chat.c1", c.handle)
	if err != nil {
		t.Fatal(err)
	}
	// 本地派发按 key 过滤
	bus.disp.dispatch("chat.c1", []byte("a"))
	bus.disp.dispatch("chat.c2", []byte("b"))
	if got := c.waitFor(t, 1); len(got) != 1 || got[0] != "a" {
		t.Fatalf("got %v", got)
	}
	unsub()
	_ = bus.Close()
	if _, err := bus.Subscribe("chat.c1", c.handle); err == nil {
		t.Fatal("subscribe on closed bus should fail")
	}
}
