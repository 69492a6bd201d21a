package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"kama_relay_server/pkg/errorx"
)

func TestPoolRunsWithinCapacity(t *testing.T) {
	p := New("test", 2, 10*time.Millisecond)
	called := false
	err := p.Do(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("Do() = %v, called=%v", err, called)
	}
}

func TestPoolExhaustedReturnsCapacityExceeded(t *testing.T) {
	p := New("store", 1, 20*time.Millisecond)
	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = p.Do(context.Background(), func(ctx context.Context) error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started
	defer close(hold)

	start := time.Now()
	err := p.Do(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.Is(err, errorx.ErrCapacityExceeded) {
		t.Fatalf("expected CapacityExceeded, got %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("expected to queue for the bounded wait before failing")
	}
}

func TestPoolReleasesSlot(t *testing.T) {
	p := New("bus", 1, 0)
	for i := 0; i < 3; i++ {
		if err := p.Do(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
	}
}

func TestPoolPropagatesCallerCancel(t *testing.T) {
	p := New("bus", 1, time.Second)
	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = p.Do(context.Background(), func(ctx context.Context) error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started
	defer close(hold)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Do(ctx, func(ctx context.Context) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
