// Package config holds the connection and key-formatting options shared by the
// warlock packages. Options are read once at startup and passed explicitly to
// the components that need them.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	warperrors "github.com/mirkobrombin/go-warlock/v1/errors"
)

const (
	DefaultURL         = "redis://127.0.0.1:6379"
	DefaultDB          = 0
	DefaultPrefix      = "r"
	DefaultSeparator   = ":"
	DefaultEventPrefix = "events"
	DefaultLockPrefix  = "locks"
	DefaultLockTTL     = 1000 * time.Millisecond
)

// Viper keys. With the "redis" env prefix and "-" mapped to "_" they read
// REDIS_URL, REDIS_KEY_PREFIX, REDIS_LOCK_TTL and so on.
const (
	KeyURL         = "url"
	KeyDB          = "db"
	KeyPrefix      = "key-prefix"
	KeySeparator   = "key-separator"
	KeyEventPrefix = "event-prefix"
	KeyLockPrefix  = "lock-prefix"
	KeyLockTTL     = "lock-ttl"
)

// Options configures clients, key namespacing and lock defaults.
type Options struct {
	URL         string
	DB          int
	Prefix      string
	Separator   string
	EventPrefix string
	LockPrefix  string
	// LockTTL is applied to lock requests that do not carry their own TTL.
	LockTTL time.Duration
}

// Default returns the built-in options.
func Default() Options {
	return Options{
		URL:         DefaultURL,
		DB:          DefaultDB,
		Prefix:      DefaultPrefix,
		Separator:   DefaultSeparator,
		EventPrefix: DefaultEventPrefix,
		LockPrefix:  DefaultLockPrefix,
		LockTTL:     DefaultLockTTL,
	}
}

// FromEnv returns the defaults overridden by REDIS_* environment variables.
// Files .env and .env.local are loaded first when present.
func FromEnv() Options {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v := viper.New()
	BindEnv(v)
	return FromViper(v)
}

// BindEnv makes v read REDIS_* environment variables.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix("redis")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// FromViper reads options from v, falling back to the defaults for unset keys.
// REDIS_LOCK_TTL is expressed in milliseconds.
func FromViper(v *viper.Viper) Options {
	d := Default()
	v.SetDefault(KeyURL, d.URL)
	v.SetDefault(KeyDB, d.DB)
	v.SetDefault(KeyPrefix, d.Prefix)
	v.SetDefault(KeySeparator, d.Separator)
	v.SetDefault(KeyEventPrefix, d.EventPrefix)
	v.SetDefault(KeyLockPrefix, d.LockPrefix)
	v.SetDefault(KeyLockTTL, d.LockTTL.Milliseconds())

	o := Options{
		URL:         v.GetString(KeyURL),
		DB:          v.GetInt(KeyDB),
		Prefix:      v.GetString(KeyPrefix),
		Separator:   v.GetString(KeySeparator),
		EventPrefix: v.GetString(KeyEventPrefix),
		LockPrefix:  v.GetString(KeyLockPrefix),
		LockTTL:     time.Duration(v.GetInt64(KeyLockTTL)) * time.Millisecond,
	}
	if o.LockTTL <= 0 {
		o.LockTTL = d.LockTTL
	}
	return o
}

// Merge returns o with every non-zero field of other applied on top.
func (o Options) Merge(other Options) Options {
	if other.URL != "" {
		o.URL = other.URL
	}
	if other.DB != 0 {
		o.DB = other.DB
	}
	if other.Prefix != "" {
		o.Prefix = other.Prefix
	}
	if other.Separator != "" {
		o.Separator = other.Separator
	}
	if other.EventPrefix != "" {
		o.EventPrefix = other.EventPrefix
	}
	if other.LockPrefix != "" {
		o.LockPrefix = other.LockPrefix
	}
	if other.LockTTL > 0 {
		o.LockTTL = other.LockTTL
	}
	return o
}

// Validate reports options that cannot produce well-formed keys or locks.
func (o Options) Validate() error {
	if o.Separator == "" {
		return fmt.Errorf("%w: empty key separator", warperrors.ErrInvalidArgument)
	}
	if o.LockPrefix == "" {
		return fmt.Errorf("%w: empty lock prefix", warperrors.ErrInvalidArgument)
	}
	if o.LockTTL < time.Millisecond {
		return fmt.Errorf("%w: lock ttl %s below one millisecond", warperrors.ErrInvalidArgument, o.LockTTL)
	}
	return nil
}

// RedisOptions parses URL into go-redis options. A non-zero DB overrides the
// database selected by the URL path.
func (o Options) RedisOptions() (*redis.Options, error) {
	ro, err := redis.ParseURL(o.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: redis url: %v", warperrors.ErrInvalidArgument, err)
	}
	if o.DB != 0 {
		ro.DB = o.DB
	}
	return ro, nil
}
