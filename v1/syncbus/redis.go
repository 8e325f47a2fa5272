package syncbus

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	warperrors "github.com/mirkobrombin/go-warlock/v1/errors"
)

const redisBusTimeout = 5 * time.Second

var tracer = otel.Tracer("github.com/mirkobrombin/go-warlock/v1/syncbus")

// RedisBus implements Bus on Redis pub/sub. Publishing and subscribing use
// separate clients because a subscribed connection cannot issue commands.
type RedisBus struct {
	publisher  redis.UniversalClient
	subscriber redis.UniversalClient
	opts       options
	logger     *zap.Logger
	*fanout

	mu     sync.Mutex
	pubsub map[string]*redis.PubSub
	closed bool
}

// NewRedisBus returns a RedisBus. publisher and subscriber may be the same
// client.
func NewRedisBus(publisher, subscriber redis.UniversalClient, opts ...Option) *RedisBus {
	o := newOptions(opts)
	return &RedisBus{
		publisher:  publisher,
		subscriber: subscriber,
		opts:       o,
		logger:     o.logger.Named("syncbus.redis"),
		fanout:     newFanout(o.metrics),
		pubsub:     make(map[string]*redis.PubSub),
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload any) error {
	name := ChannelName(b.opts.keys, channel)
	ctx, span := tracer.Start(ctx, "RedisBus.Publish", trace.WithAttributes(attribute.String("warlock.bus.channel", name)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return timeoutOr(err)
	}
	data, err := encode(payload)
	if err != nil {
		return err
	}
	if err := b.publisher.Publish(ctx, name, data).Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("syncbus: publish %s: %w: %w", name, warperrors.ErrStoreUnavailable, err)
	}
	b.markPublished()
	return nil
}

// Subscribe implements Bus.Subscribe. The Redis subscription for a channel
// is shared by all local subscribers and confirmed before returning. The
// confirmation round trip runs without holding the bus lock.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, timeoutOr(err)
	}
	name := ChannelName(b.opts.keys, channel)
	ch := make(chan Message, b.opts.buffer)

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, warperrors.ErrConnectionClosed
		}
		if _, ok := b.pubsub[name]; ok {
			b.add(name, ch)
			b.mu.Unlock()
			break
		}
		b.mu.Unlock()

		ps, err := b.confirm(ctx, name)
		if err != nil {
			return nil, err
		}

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			_ = ps.Close()
			return nil, warperrors.ErrConnectionClosed
		}
		if _, ok := b.pubsub[name]; ok {
			// Another subscriber won the race; join its subscription.
			b.mu.Unlock()
			_ = ps.Close()
			continue
		}
		b.pubsub[name] = ps
		b.add(name, ch)
		b.mu.Unlock()
		go b.dispatch(name, ps)
		break
	}
	onDone(ctx, func() { _ = b.Unsubscribe(context.Background(), channel, ch) })
	return ch, nil
}

// confirm subscribes to name and waits for the server acknowledgement.
func (b *RedisBus) confirm(ctx context.Context, name string) (*redis.PubSub, error) {
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	ps := b.subscriber.Subscribe(cctx, name)
	if _, err := ps.Receive(cctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("syncbus: subscribe %s: %w: %w", name, warperrors.ErrStoreUnavailable, timeoutOr(err))
	}
	return ps, nil
}

func (b *RedisBus) dispatch(name string, ps *redis.PubSub) {
	for msg := range ps.Channel() {
		b.deliver(Message{Channel: msg.Channel, Payload: []byte(msg.Payload)})
	}
	b.logger.Debug("subscription closed", zap.String("channel", name))
}

// Unsubscribe implements Bus.Unsubscribe. The Redis subscription is dropped
// with its last local subscriber.
func (b *RedisBus) Unsubscribe(ctx context.Context, channel string, ch <-chan Message) error {
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
	ps, ok := b.pubsub[name]
	if !ok {
		return nil
	}
	delete(b.pubsub, name)
	if err := ps.Close(); err != nil {
		if stdErrors.Is(err, redis.ErrClosed) {
			return warperrors.ErrConnectionClosed
		}
		return err
	}
	return nil
}

// Close drops every subscription and closes all local subscribers. The
// clients stay open; they belong to the caller.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	var first error
	for name, ps := range b.pubsub {
		if err := ps.Close(); err != nil && first == nil && !stdErrors.Is(err, redis.ErrClosed) {
			first = err
		}
		delete(b.pubsub, name)
	}
	b.closeAll()
	return first
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics { return b.snapshot() }

func timeoutOr(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return warperrors.ErrTimeout
	}
	return err
}
