package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-warlock/v1/config"
	"github.com/mirkobrombin/go-warlock/v1/keys"
	"github.com/mirkobrombin/go-warlock/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-warlock/v1/lock")

// EventChannel is the logical channel lock events are published on.
const EventChannel = "locks"

// Request describes one acquisition attempt.
type Request struct {
	// Name is the logical resource name. It must not be empty.
	Name string
	// Parts are optional sub-resource parts appended to Name in the key.
	Parts []string
	// TTL bounds how long the lock lives without a release. Zero selects the
	// manager default; values below one millisecond are rejected.
	TTL time.Duration
}

// Handle is the capability returned by a successful Acquire. It is owned by
// the acquiring caller until released or expired.
type Handle struct {
	Name       string
	Key        string
	Token      string
	TTL        time.Duration
	AcquiredAt time.Time

	m *Manager
}

// ExpiresAt is the client-side estimate of when the store drops the record.
func (h *Handle) ExpiresAt() time.Time { return h.AcquiredAt.Add(h.TTL) }

// Release releases the lock through the manager that issued the handle.
func (h *Handle) Release(ctx context.Context) (ReleaseResult, error) {
	if h == nil || h.m == nil {
		return NoOp, fmt.Errorf("lock: release: %w: handle not issued by a manager", ErrInvalidRequest)
	}
	return h.m.Release(ctx, h)
}

// ReleaseResult is the outcome of a release that reached the store.
type ReleaseResult int

const (
	// NoOp means the stored token did not match: the lock had expired,
	// been released already, or belongs to another holder.
	NoOp ReleaseResult = iota
	// Released means the record was deleted.
	Released
)

func (r ReleaseResult) String() string {
	if r == Released {
		return "released"
	}
	return "noop"
}

// Event is published on EventChannel after a lock changes hands.
type Event struct {
	Event string `json:"event"`
	Name  string `json:"name"`
	Key   string `json:"key"`
}

// Publisher receives lock events. syncbus buses satisfy it.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload any) error
}

// Manager acquires and releases locks against a Store.
type Manager struct {
	store      Store
	keys       *keys.Namespacer
	defaultTTL time.Duration
	newToken   func() (string, error)
	logger     *zap.Logger
	bus        Publisher
	metrics    bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithDefaultTTL sets the TTL used for requests without one.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl >= time.Millisecond {
			m.defaultTTL = ttl
		}
	}
}

// WithNamespacer sets the key builder used to derive lock keys.
func WithNamespacer(n *keys.Namespacer) Option {
	return func(m *Manager) {
		if n != nil {
			m.keys = n
		}
	}
}

// WithTokenGenerator overrides how per-acquisition tokens are made. Tokens
// must differ on every call.
func WithTokenGenerator(fn func() (string, error)) Option {
	return func(m *Manager) {
		if fn != nil {
			m.newToken = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithBus publishes an Event on EventChannel after each successful acquire
// and release. Publication failures are logged and never returned.
func WithBus(p Publisher) Option {
	return func(m *Manager) { m.bus = p }
}

// WithMetrics registers the lock collectors on reg and records into them.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(m *Manager) {
		metrics.RegisterLockMetrics(reg)
		m.metrics = true
	}
}

// NewManager returns a Manager using store. Without options keys and the
// default TTL follow config.Default.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		keys:       keys.New(config.Default()),
		defaultTTL: config.DefaultLockTTL,
		newToken:   uuid.GenerateUUID,
		logger:     zap.NewNop(),
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.Named("lock")
	return m
}

// NewRedisManager returns a Manager on client, configured from opts.
func NewRedisManager(client redis.Cmdable, opts config.Options, mopts ...Option) *Manager {
	base := []Option{WithNamespacer(keys.New(opts)), WithDefaultTTL(opts.LockTTL)}
	return NewManager(NewRedisStore(client), append(base, mopts...)...)
}

// Key returns the storage key a request maps to.
func (m *Manager) Key(req Request) string {
	return m.keys.LockKey(append([]string{req.Name}, req.Parts...)...)
}

// Acquire makes one attempt to take the lock. On success the returned handle
// holds a fresh token; otherwise the error is an *AcquireError whose Kind
// tells a held lock apart from a store failure or a bad request.
func (m *Manager) Acquire(ctx context.Context, req Request) (*Handle, error) {
	ctx, span := tracer.Start(ctx, "Manager.Acquire", trace.WithAttributes(attribute.String("warlock.lock.name", req.Name)))
	defer span.End()

	ttl, err := m.ttl(req)
	if err != nil {
		m.countAcquire(metrics.ResultInvalid)
		span.SetStatus(codes.Error, err.Error())
		return nil, &AcquireError{Kind: KindInvalidRequest, Name: req.Name, Err: err}
	}
	key := m.Key(req)
	span.SetAttributes(attribute.String("warlock.lock.key", key))

	// A token failure is reported as KindStoreUnavailable.
	token, err := m.newToken()
	if err != nil {
		m.countAcquire(metrics.ResultError)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Warn("token generation failed", zap.String("key", key), zap.Error(err))
		return nil, &AcquireError{Kind: KindStoreUnavailable, Name: req.Name, Key: key, Err: fmt.Errorf("generate token: %w", err)}
	}

	start := time.Now()
	ok, err := m.store.SetNXPX(ctx, key, token, ttl)
	m.observe("acquire", start)
	if err != nil {
		m.countAcquire(metrics.ResultError)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Warn("acquire failed", zap.String("key", key), zap.Error(err))
		return nil, &AcquireError{Kind: KindStoreUnavailable, Name: req.Name, Key: key, Err: err}
	}
	if !ok {
		m.countAcquire(metrics.ResultHeld)
		span.SetAttributes(attribute.Bool("warlock.lock.acquired", false))
		m.logger.Debug("lock held", zap.String("key", key))
		return nil, &AcquireError{Kind: KindLockHeld, Name: req.Name, Key: key}
	}

	m.countAcquire(metrics.ResultAcquired)
	span.SetAttributes(attribute.Bool("warlock.lock.acquired", true))
	m.logger.Debug("lock acquired", zap.String("key", key), zap.Duration("ttl", ttl))
	m.publish(ctx, Event{Event: "locked", Name: req.Name, Key: key})
	return &Handle{
		Name:       req.Name,
		Key:        key,
		Token:      token,
		TTL:        ttl,
		AcquiredAt: start,
		m:          m,
	}, nil
}

// Release deletes the lock record if it still holds h.Token. A mismatch is
// reported as NoOp with a nil error. Store failures wrap ErrStoreUnavailable.
func (m *Manager) Release(ctx context.Context, h *Handle) (ReleaseResult, error) {
	if h == nil || h.Key == "" || h.Token == "" {
		m.countRelease(metrics.ResultInvalid)
		return NoOp, fmt.Errorf("lock: release: %w: empty handle", ErrInvalidRequest)
	}
	ctx, span := tracer.Start(ctx, "Manager.Release", trace.WithAttributes(attribute.String("warlock.lock.key", h.Key)))
	defer span.End()

	start := time.Now()
	deleted, err := m.store.CompareAndDelete(ctx, h.Key, h.Token)
	m.observe("release", start)
	if err != nil {
		m.countRelease(metrics.ResultError)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Warn("release failed", zap.String("key", h.Key), zap.Error(err))
		return NoOp, fmt.Errorf("lock: release %s: %w: %w", h.Key, ErrStoreUnavailable, err)
	}
	if !deleted {
		m.countRelease(metrics.ResultNoOp)
		span.SetAttributes(attribute.String("warlock.lock.release", NoOp.String()))
		m.logger.Debug("release found no matching token", zap.String("key", h.Key))
		return NoOp, nil
	}

	m.countRelease(metrics.ResultReleased)
	span.SetAttributes(attribute.String("warlock.lock.release", Released.String()))
	m.logger.Debug("lock released", zap.String("key", h.Key))
	m.publish(ctx, Event{Event: "released", Name: h.Name, Key: h.Key})
	return Released, nil
}

func (m *Manager) ttl(req Request) (time.Duration, error) {
	if req.Name == "" {
		return 0, errors.New("empty name")
	}
	switch {
	case req.TTL == 0:
		return m.defaultTTL, nil
	case req.TTL < time.Millisecond:
		return 0, fmt.Errorf("ttl %s below one millisecond", req.TTL)
	}
	return req.TTL.Truncate(time.Millisecond), nil
}

func (m *Manager) publish(ctx context.Context, evt Event) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, EventChannel, evt); err != nil {
		m.logger.Warn("publish lock event failed", zap.String("event", evt.Event), zap.String("key", evt.Key), zap.Error(err))
	}
}

func (m *Manager) countAcquire(result string) {
	if m.metrics {
		metrics.LockAcquireCounter.WithLabelValues(result).Inc()
	}
}

func (m *Manager) countRelease(result string) {
	if m.metrics {
		metrics.LockReleaseCounter.WithLabelValues(result).Inc()
	}
}

func (m *Manager) observe(op string, start time.Time) {
	if m.metrics {
		metrics.LockLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
