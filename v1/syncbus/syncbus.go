// Package syncbus publishes JSON events on namespaced channels and fans them
// out to local subscribers. Buses exist for process memory, Redis pub/sub and
// NATS.
package syncbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-warlock/v1/config"
	warperrors "github.com/mirkobrombin/go-warlock/v1/errors"
	"github.com/mirkobrombin/go-warlock/v1/keys"
	"github.com/mirkobrombin/go-warlock/v1/metrics"
)

// DefaultChannel is used when a channel name is empty.
const DefaultChannel = "default"

const defaultBuffer = 16

// Message is one event received on a channel.
type Message struct {
	// Channel is the namespaced channel the event arrived on.
	Channel string
	Payload json.RawMessage
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// Bus provides pub/sub of JSON payloads on logical channels.
type Bus interface {
	Publish(ctx context.Context, channel string, payload any) error
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
	// Unsubscribe detaches ch from channel and closes it. A nil ch detaches
	// every local subscriber of channel.
	Unsubscribe(ctx context.Context, channel string, ch <-chan Message) error
	Close() error
}

type Metrics struct {
	Published uint64
	Delivered uint64
}

type options struct {
	keys    *keys.Namespacer
	logger  *zap.Logger
	buffer  int
	metrics bool
}

// Option configures a bus.
type Option func(*options)

// WithNamespacer sets the namespacer used to derive channel names.
func WithNamespacer(n *keys.Namespacer) Option {
	return func(o *options) {
		if n != nil {
			o.keys = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithBuffer sets the per-subscriber buffer. Events for a subscriber whose
// buffer is full are dropped.
func WithBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// WithMetrics registers the bus collectors on reg and records into them.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) {
		metrics.RegisterBusMetrics(reg)
		o.metrics = true
	}
}

func newOptions(opts []Option) options {
	o := options{keys: keys.New(config.Default()), logger: zap.NewNop(), buffer: defaultBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ChannelName returns the namespaced channel for a logical channel name such
// as "orders:created".
func ChannelName(n *keys.Namespacer, channel string) string {
	parts := n.Split(channel)
	if len(parts) == 0 {
		parts = []string{DefaultChannel}
	}
	return n.EventKey(parts...)
}

// onDone runs fn once ctx is done. Contexts that are never done are ignored.
func onDone(ctx context.Context, fn func()) {
	done := ctx.Done()
	if done == nil {
		return
	}
	go func() {
		<-done
		fn()
	}()
}

func encode(payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode payload: %v", warperrors.ErrInvalidArgument, err)
	}
	return data, nil
}

// fanout tracks local subscribers per namespaced channel. Sends happen under
// the lock so a subscriber is never closed mid-send.
type fanout struct {
	mu        sync.Mutex
	subs      map[string][]chan Message
	published atomic.Uint64
	delivered atomic.Uint64
	metrics   bool
}

func newFanout(metricsOn bool) *fanout {
	return &fanout{subs: make(map[string][]chan Message), metrics: metricsOn}
}

// add registers ch and reports whether it is the first subscriber of name.
func (f *fanout) add(name string, ch chan Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	first := len(f.subs[name]) == 0
	f.subs[name] = append(f.subs[name], ch)
	return first
}

// remove detaches ch (or all subscribers when ch is nil) and reports whether
// name has no subscribers left.
func (f *fanout) remove(name string, ch <-chan Message) (empty, found bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[name]
	kept := subs[:0]
	for _, c := range subs {
		if ch == nil || (<-chan Message)(c) == ch {
			close(c)
			found = true
			continue
		}
		kept = append(kept, c)
	}
	if len(kept) == 0 {
		delete(f.subs, name)
		return true, found
	}
	f.subs[name] = kept
	return false, found
}

func (f *fanout) deliver(msg Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.subs[msg.Channel] {
		select {
		case c <- msg:
			f.delivered.Add(1)
			if f.metrics {
				metrics.BusDeliveredCounter.Inc()
			}
		default:
		}
	}
}

func (f *fanout) markPublished() {
	f.published.Add(1)
	if f.metrics {
		metrics.BusPublishedCounter.Inc()
	}
}

func (f *fanout) closeAll() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.subs))
	for name, subs := range f.subs {
		for _, c := range subs {
			close(c)
		}
		names = append(names, name)
	}
	f.subs = make(map[string][]chan Message)
	return names
}

func (f *fanout) snapshot() Metrics {
	return Metrics{Published: f.published.Load(), Delivered: f.delivered.Load()}
}

// InMemoryBus is a local implementation of Bus mainly for testing.
type InMemoryBus struct {
	opts options
	*fanout
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus(opts ...Option) *InMemoryBus {
	o := newOptions(opts)
	return &InMemoryBus{opts: o, fanout: newFanout(o.metrics)}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, channel string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(payload)
	if err != nil {
		return err
	}
	b.markPublished()
	b.deliver(Message{Channel: ChannelName(b.opts.keys, channel), Payload: data})
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx is done.
func (b *InMemoryBus) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := ChannelName(b.opts.keys, channel)
	ch := make(chan Message, b.opts.buffer)
	b.add(name, ch)
	onDone(ctx, func() { b.remove(name, ch) })
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, channel string, ch <-chan Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.remove(ChannelName(b.opts.keys, channel), ch)
	return nil
}

// Close implements Bus.Close.
func (b *InMemoryBus) Close() error {
	b.closeAll()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics { return b.snapshot() }
