package syncbus

import (
	"context"
	"testing"
	"time"

	"github.com/mirkobrombin/go-warlock/v1/config"
	"github.com/mirkobrombin/go-warlock/v1/keys"
)

type logLine struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
	return Message{}
}

func TestChannelName(t *testing.T) {
	n := keys.New(config.Default())
	cases := map[string]string{
		"":               "r:events:default",
		"logs":           "r:events:logs",
		"orders:created": "r:events:orders:created",
		"::a::":          "r:events:a",
	}
	for in, want := range cases {
		if got := ChannelName(n, in); got != want {
			t.Fatalf("ChannelName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestInMemoryBusPublishSubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	ch, err := bus.Subscribe(ctx, "logs")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	other, err := bus.Subscribe(ctx, "audit")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "logs", logLine{Level: "info", Text: "hi"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg := receive(t, ch)
	if msg.Channel != "r:events:logs" {
		t.Fatalf("unexpected channel %s", msg.Channel)
	}
	var line logLine
	if err := msg.Decode(&line); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if line.Text != "hi" {
		t.Fatalf("unexpected payload %+v", line)
	}
	select {
	case <-other:
		t.Fatal("unexpected delivery on other channel")
	default:
	}
	m := bus.Metrics()
	if m.Published != 1 || m.Delivered != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestInMemoryBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	a, _ := bus.Subscribe(ctx, "logs")
	b, _ := bus.Subscribe(ctx, "logs")
	if err := bus.Unsubscribe(ctx, "logs", a); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, ok := <-a; ok {
		t.Fatal("expected closed channel")
	}
	_ = bus.Publish(ctx, "logs", "still here")
	receive(t, b)

	if err := bus.Unsubscribe(ctx, "logs", nil); err != nil {
		t.Fatalf("unsubscribe all: %v", err)
	}
	if _, ok := <-b; ok {
		t.Fatal("expected closed channel")
	}
}

func TestInMemoryBusContextCancelUnsubscribes(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, "logs")
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

func TestInMemoryBusCanceledAndInvalid(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bus.Publish(ctx, "logs", 1); err == nil {
		t.Fatal("expected publish error due to canceled context")
	}
	if _, err := bus.Subscribe(ctx, "logs"); err == nil {
		t.Fatal("expected subscribe error due to canceled context")
	}
	if err := bus.Publish(context.Background(), "logs", func() {}); err == nil {
		t.Fatal("expected encode error")
	}
	if m := bus.Metrics(); m.Published != 0 {
		t.Fatalf("expected published 0 got %d", m.Published)
	}
}

func TestInMemoryBusDropsWhenFull(t *testing.T) {
	bus := NewInMemoryBus(WithBuffer(1))
	ctx := context.Background()
	ch, _ := bus.Subscribe(ctx, "logs")
	_ = bus.Publish(ctx, "logs", 1)
	_ = bus.Publish(ctx, "logs", 2)
	if m := bus.Metrics(); m.Published != 2 || m.Delivered != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
	var n int
	if err := receive(t, ch).Decode(&n); err != nil || n != 1 {
		t.Fatalf("expected first event, got %d err %v", n, err)
	}
	_ = bus.Close()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after Close")
	}
}
