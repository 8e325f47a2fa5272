package main

import (
	"fmt"
	"time"

	"github.com/mirkobrombin/go-warlock/v1/client"
	"github.com/mirkobrombin/go-warlock/v1/lock"
	"github.com/mirkobrombin/go-warlock/v1/syncbus"
	"github.com/spf13/cobra"
)

func newLockCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Perform lock operations",
	}

	var (
		ttl    int64
		notify bool
	)
	acquire := &cobra.Command{
		Use:   "acquire [name] [parts...]",
		Short: "Try once to take a lock",
		Long: `Try once to take a lock. On success the key and token are printed;
keep the token, it is needed to release the lock.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.lockManager(notify)
			if err != nil {
				return err
			}
			req := lock.Request{Name: args[0], Parts: args[1:], TTL: time.Duration(ttl) * time.Millisecond}
			h, err := m.Acquire(cmd.Context(), req)
			if lock.KindOf(err) == lock.KindLockHeld {
				fmt.Fprintf(cmd.OutOrStdout(), "acquired=false key=%s\n", m.Key(req))
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "acquired=true key=%s token=%s ttl=%dms\n", h.Key, h.Token, h.TTL.Milliseconds())
			return nil
		},
	}
	acquire.Flags().Int64Var(&ttl, "ttl", 0, "lock lifetime in milliseconds (0 uses --lock-ttl)")
	acquire.Flags().BoolVar(&notify, "notify", false, "publish a lock event on success")

	var releaseNotify bool
	release := &cobra.Command{
		Use:   "release [key] [token]",
		Short: "Release a previously acquired lock",
		Long:  "Release a lock using the key and token printed by acquire. A token that no longer matches is reported as noop.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.lockManager(releaseNotify)
			if err != nil {
				return err
			}
			res, err := m.Release(cmd.Context(), &lock.Handle{Key: args[0], Token: args[1]})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "result=%s\n", res)
			return nil
		},
	}
	release.Flags().BoolVar(&releaseNotify, "notify", false, "publish a lock event on release")

	cmd.AddCommand(acquire, release)
	return cmd
}

func (a *app) lockManager(notify bool) (*lock.Manager, error) {
	f, err := a.clients()
	if err != nil {
		return nil, err
	}
	mopts := []lock.Option{lock.WithLogger(a.logger)}
	if notify {
		pub := f.Client(client.Publisher).Client
		mopts = append(mopts, lock.WithBus(syncbus.NewRedisBus(pub, pub,
			syncbus.WithNamespacer(a.keys()),
			syncbus.WithLogger(a.logger))))
	}
	return lock.NewRedisManager(f.Client(client.Locker).Client, a.opts, mopts...), nil
}
