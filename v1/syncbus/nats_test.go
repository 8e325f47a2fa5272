package syncbus

import (
	"context"
	"os"
	"testing"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"
)

func newNATSBus(t *testing.T) *NATSBus {
	t.Helper()
	addr := os.Getenv("WARLOCK_TEST_NATS_ADDR")

	var s *server.Server
	if addr == "" {
		s = natsserver.RunRandClientPortServer()
		addr = s.ClientURL()
	}
	conn, err := nats.Connect(addr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	bus := NewNATSBus(conn)
	t.Cleanup(func() {
		_ = bus.Close()
		conn.Close()
		if s != nil {
			s.Shutdown()
		}
	})
	return bus
}

func TestNATSBusPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus := newNATSBus(t)
	ctx := context.Background()
	ch, err := bus.Subscribe(ctx, "orders:created")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "orders:created", map[string]int{"id": 7}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg := receive(t, ch)
	if msg.Channel != "r:events:orders:created" {
		t.Fatalf("unexpected subject %s", msg.Channel)
	}
	var body map[string]int
	if err := msg.Decode(&body); err != nil || body["id"] != 7 {
		t.Fatalf("unexpected payload %v err %v", body, err)
	}
	m := bus.Metrics()
	if m.Published != 1 || m.Delivered != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestNATSBusUnsubscribeDropsSubscription(t *testing.T) {
	bus := newNATSBus(t)
	ctx := context.Background()
	ch, err := bus.Subscribe(ctx, "logs")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Unsubscribe(ctx, "logs", ch); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.subs) != 0 {
		t.Fatal("nats subscription kept after last unsubscribe")
	}
}
