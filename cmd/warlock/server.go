package main

import (
	"fmt"
	"sort"

	"github.com/mirkobrombin/go-warlock/v1/client"
	"github.com/mirkobrombin/go-warlock/v1/store"
	"github.com/spf13/cobra"
)

func (a *app) cliStore() (*store.Store, error) {
	f, err := a.clients()
	if err != nil {
		return nil, err
	}
	return store.New(f.Client(client.CLI).Client, a.keys(), store.WithLogger(a.logger)), nil
}

func newInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info [section...]",
		Short: "Print server INFO as sorted field=value lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.cliStore()
			if err != nil {
				return err
			}
			info, err := s.Info(cmd.Context(), args...)
			if err != nil {
				return err
			}
			printSorted(cmd, info)
			return nil
		},
	}
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read or change server configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get [parameter]",
		Short: "Print parameters matching a glob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.cliStore()
			if err != nil {
				return err
			}
			params, err := s.GetConfig(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printSorted(cmd, params)
			return nil
		},
	}, &cobra.Command{
		Use:   "set [parameter] [value]",
		Short: "Set a parameter",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.cliStore()
			if err != nil {
				return err
			}
			if err := s.SetConfig(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	})
	return cmd
}

func printSorted(cmd *cobra.Command, m map[string]string) {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", k, m[k])
	}
}
