package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"
)

func newSnapshotCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Print usage counters and exclusions as JSON",
		Long: "Print usage counters and exclusions as JSON. Counters are only " +
			"shared with a running service when the redis or postgres ledger is used.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			if configPath != "" {
				s.ConfigPath = configPath
			}
			logger, err := newLogger(io.Discard, s.LogLevel, s.LogFormat)
			if err != nil {
				return err
			}

			ctx := context.Background()
			a, err := newApp(ctx, s, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			snap, err := a.router.Snapshot(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the router config")
	return cmd
}
