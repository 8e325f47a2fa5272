package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mirkobrombin/go-warlock/v1/client"
	"github.com/mirkobrombin/go-warlock/v1/codec"
	"github.com/mirkobrombin/go-warlock/v1/store"
	"github.com/spf13/cobra"
)

func newKVCmd(a *app) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "kv",
		Short: "Perform key/value operations on namespaced keys",
	}
	cmd.PersistentFlags().BoolVar(&raw, "raw", false, "store and print values as raw bytes instead of JSON")

	open := func() (*store.Store, error) {
		f, err := a.clients()
		if err != nil {
			return nil, err
		}
		sopts := []store.Option{store.WithLogger(a.logger)}
		if raw {
			sopts = append(sopts, store.WithCodec(codec.Bytes{}))
		}
		return store.New(f.Client(client.Command).Client, a.keys(), sopts...), nil
	}

	var (
		ttl    int64
		nx, xx bool
	)
	set := &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Set a value",
		Long:  "Set a value. Valid JSON is stored as is, anything else as a JSON string.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if nx && xx {
				return errors.New("--nx and --xx are exclusive")
			}
			s, err := open()
			if err != nil {
				return err
			}
			var value any = args[1]
			if !raw && json.Valid([]byte(args[1])) {
				value = json.RawMessage(args[1])
			}
			var opts []store.SetOption
			if ttl > 0 {
				opts = append(opts, store.WithTTL(time.Duration(ttl)*time.Millisecond))
			}
			if nx {
				opts = append(opts, store.IfAbsent())
			}
			if xx {
				opts = append(opts, store.IfPresent())
			}
			key, err := s.Set(cmd.Context(), args[0], value, opts...)
			if errors.Is(err, store.ErrNotSet) {
				fmt.Fprintf(cmd.OutOrStdout(), "set=false key=%s\n", key)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "set=true key=%s\n", key)
			return nil
		},
	}
	set.Flags().Int64Var(&ttl, "ttl", 0, "expiry in milliseconds (0 for none)")
	set.Flags().BoolVar(&nx, "nx", false, "only set if the key does not exist")
	set.Flags().BoolVar(&xx, "xx", false, "only set if the key exists")

	get := &cobra.Command{
		Use:   "get [key]",
		Short: "Get a value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open()
			if err != nil {
				return err
			}
			var out []byte
			if raw {
				err = s.Get(cmd.Context(), args[0], &out)
			} else {
				var msg json.RawMessage
				err = s.Get(cmd.Context(), args[0], &msg)
				out = msg
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	keysCmd := &cobra.Command{
		Use:   "keys [pattern]",
		Short: "List namespaced keys matching pattern",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open()
			if err != nil {
				return err
			}
			found, err := s.Keys(cmd.Context(), firstArg(args))
			if err != nil {
				return err
			}
			for _, k := range found {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}

	count := &cobra.Command{
		Use:   "count [pattern...]",
		Short: "Count keys matching each glob, without the namespace prefix",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open()
			if err != nil {
				return err
			}
			counts, err := s.Count(cmd.Context(), args...)
			if err != nil {
				return err
			}
			seen := make(map[string]bool, len(args))
			i := 0
			for _, p := range args {
				if seen[p] {
					continue
				}
				seen[p] = true
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d\n", p, counts[i])
				i++
			}
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear [pattern]",
		Short: "Delete namespaced keys matching pattern",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open()
			if err != nil {
				return err
			}
			n, err := s.Clear(cmd.Context(), firstArg(args))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed=%d\n", n)
			return nil
		},
	}

	cmd.AddCommand(set, get, keysCmd, count, clearCmd)
	return cmd
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
