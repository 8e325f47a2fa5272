// Package store wraps common key/value commands with key namespacing and
// value serialisation.
package store

import (
	"bufio"
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-warlock/v1/codec"
	warperrors "github.com/mirkobrombin/go-warlock/v1/errors"
	"github.com/mirkobrombin/go-warlock/v1/keys"
	"github.com/mirkobrombin/go-warlock/v1/metrics"
)

var (
	// ErrNotFound is returned by Get for a missing key.
	ErrNotFound = stdErrors.New("store: key not found")
	// ErrNotSet is returned by Set when an IfAbsent or IfPresent condition
	// prevented the write.
	ErrNotSet = stdErrors.New("store: condition not met")
)

// countScript returns the number of keys matching ARGV[1].
const countScript = `return #redis.pcall("keys", ARGV[1])`

// Store issues namespaced commands on a single client.
type Store struct {
	client  redis.UniversalClient
	keys    *keys.Namespacer
	codec   codec.Codec
	logger  *zap.Logger
	metrics bool
}

// Option configures a Store.
type Option func(*Store)

// WithCodec sets the value codec. The default is codec.JSON.
func WithCodec(c codec.Codec) Option {
	return func(s *Store) {
		if c != nil {
			s.codec = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics registers the store collectors on reg and records into them.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *Store) {
		metrics.RegisterStoreMetrics(reg)
		s.metrics = true
	}
}

// New returns a Store issuing commands on client under the namespace n.
func New(client redis.UniversalClient, n *keys.Namespacer, opts ...Option) *Store {
	s := &Store{client: client, keys: n, codec: codec.JSON{}, logger: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.Named("store")
	return s
}

type setOptions struct {
	ttl  time.Duration
	mode string
}

// SetOption configures a Set call.
type SetOption func(*setOptions)

// WithTTL expires the key after ttl.
func WithTTL(ttl time.Duration) SetOption {
	return func(o *setOptions) { o.ttl = ttl }
}

// IfAbsent only writes when the key does not exist (NX).
func IfAbsent() SetOption {
	return func(o *setOptions) { o.mode = "NX" }
}

// IfPresent only writes when the key already exists (XX).
func IfPresent() SetOption {
	return func(o *setOptions) { o.mode = "XX" }
}

// Set encodes value and stores it under the namespaced key. It returns the
// storage key.
func (s *Store) Set(ctx context.Context, key string, value any, opts ...SetOption) (string, error) {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}
	storageKey := s.keys.Key(key)
	data, err := s.codec.Marshal(value)
	if err != nil {
		return storageKey, fmt.Errorf("store: encode %s: %w", storageKey, err)
	}
	err = s.client.SetArgs(ctx, storageKey, data, redis.SetArgs{Mode: o.mode, TTL: o.ttl}).Err()
	if stdErrors.Is(err, redis.Nil) {
		s.count("set", metrics.ResultMiss)
		return storageKey, ErrNotSet
	}
	if err != nil {
		return storageKey, s.fail("set", storageKey, err)
	}
	s.count("set", metrics.ResultOK)
	return storageKey, nil
}

// Get decodes the value stored under the namespaced key into dst.
func (s *Store) Get(ctx context.Context, key string, dst any) error {
	storageKey := s.keys.Key(key)
	data, err := s.client.Get(ctx, storageKey).Bytes()
	if stdErrors.Is(err, redis.Nil) {
		s.count("get", metrics.ResultMiss)
		return ErrNotFound
	}
	if err != nil {
		return s.fail("get", storageKey, err)
	}
	s.count("get", metrics.ResultOK)
	if err := s.codec.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("store: decode %s: %w", storageKey, err)
	}
	return nil
}

// Keys lists the storage keys under prefix + pattern.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	found, err := s.client.Keys(ctx, s.keys.Pattern(pattern)).Result()
	if err != nil {
		return nil, s.fail("keys", pattern, err)
	}
	s.count("keys", metrics.ResultOK)
	return found, nil
}

// Count returns, for each distinct glob in order of first appearance, the
// number of matching keys. Patterns are matched as given, without the
// namespace prefix. All counts are taken in one MULTI/EXEC.
func (s *Store) Count(ctx context.Context, patterns ...string) ([]int64, error) {
	patterns = uniq(patterns)
	if len(patterns) == 0 {
		return nil, nil
	}
	cmds, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, pattern := range patterns {
			p.Eval(ctx, countScript, nil, pattern)
		}
		return nil
	})
	if err != nil {
		return nil, s.fail("count", strings.Join(patterns, ","), err)
	}
	counts := make([]int64, len(cmds))
	for i, c := range cmds {
		n, err := c.(*redis.Cmd).Int64()
		if err != nil {
			return nil, s.fail("count", patterns[i], err)
		}
		counts[i] = n
	}
	s.count("count", metrics.ResultOK)
	return counts, nil
}

// Clear deletes every key under prefix + pattern in one MULTI/EXEC and
// returns how many were removed.
func (s *Store) Clear(ctx context.Context, pattern string) (int64, error) {
	found, err := s.Keys(ctx, pattern)
	if err != nil {
		return 0, err
	}
	if len(found) == 0 {
		return 0, nil
	}
	cmds, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, k := range found {
			p.Del(ctx, k)
		}
		return nil
	})
	if err != nil {
		return 0, s.fail("clear", pattern, err)
	}
	var removed int64
	for _, c := range cmds {
		removed += c.(*redis.IntCmd).Val()
	}
	s.count("clear", metrics.ResultOK)
	s.logger.Debug("keys cleared", zap.String("pattern", pattern), zap.Int64("removed", removed))
	return removed, nil
}

// Info returns the INFO reply as field/value pairs. Section headers are
// dropped.
func (s *Store) Info(ctx context.Context, sections ...string) (map[string]string, error) {
	raw, err := s.client.Info(ctx, sections...).Result()
	if err != nil {
		return nil, s.fail("info", strings.Join(sections, ","), err)
	}
	s.count("info", metrics.ResultOK)
	return ParseInfo(raw), nil
}

// ParseInfo parses an INFO reply.
func ParseInfo(raw string) map[string]string {
	out := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			out[k] = v
		}
	}
	return out
}

// Config runs CONFIG with the given arguments, e.g. Config(ctx, "GET", "maxmemory").
func (s *Store) Config(ctx context.Context, args ...any) (any, error) {
	res, err := s.client.Do(ctx, append([]any{"CONFIG"}, args...)...).Result()
	if err != nil {
		return nil, s.fail("config", fmt.Sprint(args...), err)
	}
	s.count("config", metrics.ResultOK)
	return res, nil
}

// GetConfig returns the configuration parameters matching param.
func (s *Store) GetConfig(ctx context.Context, param string) (map[string]string, error) {
	res, err := s.client.ConfigGet(ctx, param).Result()
	if err != nil {
		return nil, s.fail("config_get", param, err)
	}
	s.count("config_get", metrics.ResultOK)
	return res, nil
}

// SetConfig sets a configuration parameter.
func (s *Store) SetConfig(ctx context.Context, param, value string) error {
	if err := s.client.ConfigSet(ctx, param, value).Err(); err != nil {
		return s.fail("config_set", param, err)
	}
	s.count("config_set", metrics.ResultOK)
	return nil
}

func (s *Store) fail(op, target string, err error) error {
	s.count(op, metrics.ResultError)
	s.logger.Warn("store command failed", zap.String("op", op), zap.String("target", target), zap.Error(err))
	return fmt.Errorf("store: %s %s: %w: %w", op, target, warperrors.ErrStoreUnavailable, err)
}

func (s *Store) count(op, result string) {
	if s.metrics {
		metrics.StoreOpsCounter.WithLabelValues(op, result).Inc()
	}
}

func uniq(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
