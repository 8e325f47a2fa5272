// Package client creates and memoizes go-redis clients per role. A Factory is
// owned by its caller: nothing is cached in package state, and Close releases
// every client the factory handed out as shared.
package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-warlock/v1/config"
	warperrors "github.com/mirkobrombin/go-warlock/v1/errors"
)

// Role names the purpose of a client. Pub/sub subscribers hold their
// connection in subscribe mode, so each role gets its own connection pool.
type Role string

const (
	Command    Role = "command"
	CLI        Role = "cli"
	Locker     Role = "locker"
	Publisher  Role = "publisher"
	Subscriber Role = "subscriber"
)

// Roles lists every role in the order Close shuts them down.
var Roles = []Role{Publisher, Subscriber, Locker, CLI, Command}

// Handle is a client together with its identity.
type Handle struct {
	ID     string
	Role   Role
	Prefix string
	*redis.Client
}

// Factory builds clients from a single set of options.
type Factory struct {
	opts      config.Options
	redisOpts *redis.Options
	newClient func(*redis.Options) *redis.Client
	logger    *zap.Logger

	mu      sync.Mutex
	clients map[Role]*Handle
}

// Option configures a Factory.
type Option func(*Factory)

// WithLogger sets the logger used for client lifecycle events.
func WithLogger(l *zap.Logger) Option {
	return func(f *Factory) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithNewClient overrides the constructor used for every client.
func WithNewClient(fn func(*redis.Options) *redis.Client) Option {
	return func(f *Factory) {
		if fn != nil {
			f.newClient = fn
		}
	}
}

// New returns a Factory for opts. The redis URL is parsed once here.
func New(opts config.Options, fopts ...Option) (*Factory, error) {
	ro, err := opts.RedisOptions()
	if err != nil {
		return nil, err
	}
	f := &Factory{
		opts:      opts,
		redisOpts: ro,
		newClient: redis.NewClient,
		logger:    zap.NewNop(),
		clients:   make(map[Role]*Handle),
	}
	for _, o := range fopts {
		o(f)
	}
	f.logger = f.logger.Named("client")
	return f, nil
}

// Options returns the options the factory was built with.
func (f *Factory) Options() config.Options { return f.opts }

// Client returns the shared client for role, creating it on first use.
func (f *Factory) Client(role Role) *Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.clients[role]; ok {
		return h
	}
	h := f.create(role)
	f.clients[role] = h
	return h
}

// Recreate returns a new client for role that is not shared. The caller owns
// it and must close it. If no shared client exists yet, the new one becomes
// the shared client and Close will release it.
func (f *Factory) Recreate(role Role) *Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.create(role)
	if _, ok := f.clients[role]; !ok {
		f.clients[role] = h
	}
	return h
}

func (f *Factory) create(role Role) *Handle {
	ro := *f.redisOpts
	h := &Handle{
		ID:     uuid.NewString(),
		Role:   role,
		Prefix: f.opts.Prefix,
		Client: f.newClient(&ro),
	}
	f.logger.Debug("client created", zap.String("role", string(role)), zap.String("id", h.ID))
	return h
}

// Ping checks every shared client concurrently.
func (f *Factory) Ping(ctx context.Context) error {
	f.mu.Lock()
	hs := make([]*Handle, 0, len(f.clients))
	for _, h := range f.clients {
		hs = append(hs, h)
	}
	f.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range hs {
		h := h
		g.Go(func() error {
			if err := h.Ping(gctx).Err(); err != nil {
				return fmt.Errorf("%w: ping %s: %v", warperrors.ErrStoreUnavailable, h.Role, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Close closes all shared clients and resets the factory. It returns the
// first close error, after attempting every client.
func (f *Factory) Close() error {
	f.mu.Lock()
	clients := f.clients
	f.clients = make(map[Role]*Handle)
	f.mu.Unlock()

	var first error
	for _, role := range Roles {
		h, ok := clients[role]
		if !ok {
			continue
		}
		if err := h.Close(); err != nil && first == nil {
			first = err
		}
		f.logger.Debug("client closed", zap.String("role", string(role)), zap.String("id", h.ID))
	}
	return first
}
