package syncbus

import (
	"context"
	"fmt"
	"sync"

	nats "github.com/nats-io/nats.go"

	warperrors "github.com/mirkobrombin/go-warlock/v1/errors"
)

// NATSBus implements Bus using a NATS backend. Namespaced channel names are
// used as subjects.
type NATSBus struct {
	conn *nats.Conn
	opts options
	*fanout

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn, opts ...Option) *NATSBus {
	o := newOptions(opts)
	return &NATSBus{
		conn:   conn,
		opts:   o,
		fanout: newFanout(o.metrics),
		subs:   make(map[string]*nats.Subscription),
	}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, channel string, payload any) error {
	if err := ctx.Err(); err != nil {
		return timeoutOr(err)
	}
	data, err := encode(payload)
	if err != nil {
		return err
	}
	name := ChannelName(b.opts.keys, channel)
	if err := b.conn.Publish(name, data); err != nil {
		return fmt.Errorf("syncbus: publish %s: %w: %w", name, warperrors.ErrStoreUnavailable, err)
	}
	b.markPublished()
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription is flushed to the
// server before returning so that later publishes are seen.
func (b *NATSBus) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, timeoutOr(err)
	}
	name := ChannelName(b.opts.keys, channel)
	ch := make(chan Message, b.opts.buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[name]; !ok {
		sub, err := b.conn.Subscribe(name, func(m *nats.Msg) {
			b.deliver(Message{Channel: m.Subject, Payload: m.Data})
		})
		if err != nil {
			return nil, fmt.Errorf("syncbus: subscribe %s: %w: %w", name, warperrors.ErrStoreUnavailable, err)
		}
		if err := b.conn.Flush(); err != nil {
			_ = sub.Unsubscribe()
			return nil, fmt.Errorf("syncbus: subscribe %s: %w: %w", name, warperrors.ErrStoreUnavailable, err)
		}
		b.subs[name] = sub
	}
	b.add(name, ch)
	onDone(ctx, func() { _ = b.Unsubscribe(context.Background(), channel, ch) })
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, channel string, ch <-chan Message) error {
	if err := ctx.Err(); err != nil {
		return timeoutOr(err)
	}
	name := ChannelName(b.opts.keys, channel)

	b.mu.Lock()
	defer b.mu.Unlock()
	empty, _ := b.remove(name, ch)
	if !empty {
		return nil
	}
	sub, ok := b.subs[name]
	if !ok {
		return nil
	}
	delete(b.subs, name)
	return sub.Unsubscribe()
}

// Close drops every subscription and closes all local subscribers. The
// connection stays open.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var first error
	for name, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil && first == nil {
			first = err
		}
		delete(b.subs, name)
	}
	b.closeAll()
	return first
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics { return b.snapshot() }
