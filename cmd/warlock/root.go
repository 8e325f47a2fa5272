package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mirkobrombin/go-warlock/v1/client"
	"github.com/mirkobrombin/go-warlock/v1/config"
	"github.com/mirkobrombin/go-warlock/v1/keys"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Version is overridden at build time with -ldflags "-X main.Version=...".
var Version = "0.1.0"

// app carries the state shared by every subcommand of one invocation.
type app struct {
	v        *viper.Viper
	opts     config.Options
	logger   *zap.Logger
	flush    func()
	shutdown func(context.Context) error
	factory  *client.Factory
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "warlock",
		Short: "namespaced redis locks, keys and events",
		Long: fmt.Sprintf(`warlock (v%s)

Operate the namespaced Redis layer from the shell. Every flag can also be
set through the environment as REDIS_<FLAG>, e.g. REDIS_URL or REDIS_LOCK_TTL.`, Version),
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	d := config.Default()
	pf := root.PersistentFlags()
	pf.String(config.KeyURL, d.URL, "redis connection URL")
	pf.Int(config.KeyDB, d.DB, "database index, overrides the one in the URL when non-zero")
	pf.String(config.KeyPrefix, d.Prefix, "namespace prefix for every key")
	pf.String(config.KeySeparator, d.Separator, "separator between key segments")
	pf.String(config.KeyEventPrefix, d.EventPrefix, "segment for event channels")
	pf.String(config.KeyLockPrefix, d.LockPrefix, "segment for lock keys")
	pf.Int64(config.KeyLockTTL, d.LockTTL.Milliseconds(), "default lock lifetime in milliseconds")
	pf.String(keyLogLevel, "warn", "log level (debug, info, warn, error)")
	pf.String(keyLogFormat, "console", "log format (console, json)")
	pf.String(keyLogFile, "", "also write logs to this file, rotated")
	pf.Bool(keyTrace, false, "print trace spans to stderr")

	root.AddCommand(
		newLockCmd(a),
		newKVCmd(a),
		newInfoCmd(a),
		newConfigCmd(a),
		newEventsCmd(a),
		newKeyCmd(a),
		newVersionCmd(),
	)
	a.closeAfterRun(root)
	return root
}

// closeAfterRun wraps every RunE in the tree so teardown runs on failure too.
func (a *app) closeAfterRun(c *cobra.Command) {
	if run := c.RunE; run != nil {
		c.RunE = func(cmd *cobra.Command, args []string) (err error) {
			defer func() {
				if terr := a.teardown(cmd.Context()); err == nil {
					err = terr
				}
			}()
			return run(cmd, args)
		}
	}
	for _, sub := range c.Commands() {
		a.closeAfterRun(sub)
	}
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")
	config.BindEnv(a.v)
	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	logger, flush, err := newLogger(a.v.GetString(keyLogLevel), a.v.GetString(keyLogFormat), a.v.GetString(keyLogFile))
	if err != nil {
		return err
	}
	a.logger, a.flush = logger, flush

	if a.v.GetBool(keyTrace) {
		shutdown, err := setupTracing(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		a.shutdown = shutdown
	}

	a.opts = config.FromViper(a.v)
	if err := a.opts.Validate(); err != nil {
		return err
	}
	a.logger.Debug("configuration loaded",
		zap.String("url", redactURL(a.opts.URL)),
		zap.String("prefix", a.opts.Prefix),
		zap.Duration("lock_ttl", a.opts.LockTTL))
	return nil
}

func (a *app) teardown(ctx context.Context) error {
	var first error
	if a.factory != nil {
		first = a.factory.Close()
		a.factory = nil
	}
	if a.shutdown != nil {
		if err := a.shutdown(ctx); err != nil && first == nil {
			first = err
		}
		a.shutdown = nil
	}
	if a.flush != nil {
		a.flush()
		a.flush = nil
	}
	return first
}

// clients returns the factory, creating it on first use.
func (a *app) clients() (*client.Factory, error) {
	if a.factory != nil {
		return a.factory, nil
	}
	f, err := client.New(a.opts, client.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}
	a.factory = f
	return f, nil
}

func (a *app) keys() *keys.Namespacer { return keys.New(a.opts) }

func redactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		return scheme + "://***@" + rest[at+1:]
	}
	return raw
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of warlock",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "warlock v%s\n", Version)
			return nil
		},
	}
}

func newKeyCmd(a *app) *cobra.Command {
	var event, lock bool
	cmd := &cobra.Command{
		Use:   "key [parts...]",
		Short: "Print the namespaced key for the given parts",
		Long:  "Print the namespaced key for the given parts. With no parts a random id is used.",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n := a.keys()
			switch {
			case event && lock:
				return fmt.Errorf("--event and --lock are exclusive")
			case event:
				fmt.Fprintln(cmd.OutOrStdout(), n.EventKey(args...))
			case lock:
				fmt.Fprintln(cmd.OutOrStdout(), n.LockKey(args...))
			default:
				fmt.Fprintln(cmd.OutOrStdout(), n.Key(args...))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&event, "event", false, "build an event channel name")
	cmd.Flags().BoolVar(&lock, "lock", false, "build a lock key")
	return cmd
}
