package syncbus

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/go-warlock/v1/errors"
)

func newRedisBus(t *testing.T) (*RedisBus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	pub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := NewRedisBus(pub, sub)
	t.Cleanup(func() {
		_ = bus.Close()
		_ = pub.Close()
		_ = sub.Close()
	})
	return bus, mr
}

func TestRedisBusPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus, _ := newRedisBus(t)
	ctx := context.Background()
	ch, err := bus.Subscribe(ctx, "logs")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "logs", logLine{Level: "warn", Text: "disk"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg := receive(t, ch)
	if msg.Channel != "r:events:logs" {
		t.Fatalf("unexpected channel %s", msg.Channel)
	}
	var line logLine
	if err := msg.Decode(&line); err != nil || line.Text != "disk" {
		t.Fatalf("unexpected payload %+v err %v", line, err)
	}
	m := bus.Metrics()
	if m.Published != 1 || m.Delivered != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestRedisBusSharedSubscription(t *testing.T) {
	bus, _ := newRedisBus(t)
	ctx := context.Background()
	a, _ := bus.Subscribe(ctx, "logs")
	b, _ := bus.Subscribe(ctx, "logs")
	bus.mu.Lock()
	n := len(bus.pubsub)
	bus.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected one redis subscription, got %d", n)
	}
	_ = bus.Publish(ctx, "logs", "x")
	receive(t, a)
	receive(t, b)

	_ = bus.Unsubscribe(ctx, "logs", a)
	bus.mu.Lock()
	n = len(bus.pubsub)
	bus.mu.Unlock()
	if n != 1 {
		t.Fatal("subscription dropped while a subscriber remains")
	}
	_ = bus.Unsubscribe(ctx, "logs", b)
	bus.mu.Lock()
	n = len(bus.pubsub)
	bus.mu.Unlock()
	if n != 0 {
		t.Fatal("subscription kept after last unsubscribe")
	}
}

func TestRedisBusContextBasedUnsubscribe(t *testing.T) {
	bus, _ := newRedisBus(t)
	subCtx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(subCtx, "logs")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unsubscribe")
	}
}

func TestRedisBusPublishErrorWrapsUnavailable(t *testing.T) {
	bus, mr := newRedisBus(t)
	mr.SetError("ERR simulated outage")
	err := bus.Publish(context.Background(), "logs", 1)
	if !errors.Is(err, warperrors.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestRedisBusClosed(t *testing.T) {
	bus, _ := newRedisBus(t)
	_ = bus.Close()
	if _, err := bus.Subscribe(context.Background(), "logs"); !errors.Is(err, warperrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestRedisBusConcurrentSubscribeSharesOneSubscription(t *testing.T) {
	bus, mr := newRedisBus(t)
	ctx := context.Background()

	const n = 8
	chans := make([]<-chan Message, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch, err := bus.Subscribe(ctx, "logs")
			if err != nil {
				t.Errorf("subscribe %d: %v", i, err)
				return
			}
			chans[i] = ch
		}(i)
	}
	wg.Wait()

	bus.mu.Lock()
	shared := len(bus.pubsub)
	bus.mu.Unlock()
	if shared != 1 {
		t.Fatalf("expected one shared subscription, got %d", shared)
	}

	deadline := time.Now().Add(time.Second)
	for mr.PubSubNumSub("r:events:logs")["r:events:logs"] != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected one server subscription, got %d", mr.PubSubNumSub("r:events:logs")["r:events:logs"])
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := bus.Publish(ctx, "logs", "hello"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, ch := range chans {
		if ch == nil {
			t.Fatal("missing subscriber")
		}
		receive(t, ch)
	}
}

// silentServer accepts connections and never answers.
func silentServer(t *testing.T) (string, <-chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	accepted := make(chan struct{}, 16)
	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
			select {
			case accepted <- struct{}{}:
			default:
			}
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return ln.Addr().String(), accepted
}

func TestRedisBusPendingSubscribeDoesNotBlockClose(t *testing.T) {
	mr := miniredis.RunT(t)
	addr, accepted := silentServer(t)
	pub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sub := redis.NewClient(&redis.Options{Addr: addr, ReadTimeout: time.Second, MaxRetries: -1})
	t.Cleanup(func() {
		_ = pub.Close()
		_ = sub.Close()
	})
	bus := NewRedisBus(pub, sub)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := bus.Subscribe(ctx, "slow")
		done <- err
	}()

	select {
	case <-accepted:
	case <-time.After(time.Second):
		t.Fatal("subscriber never connected")
	}

	start := time.Now()
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("close waited %s for a pending subscribe", elapsed)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected pending subscribe to fail")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending subscribe never returned")
	}
}
