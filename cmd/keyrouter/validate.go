package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	keyrouter "github.com/ineyio/keyrouter"
)

func newValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a router config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				s, err := loadSettings()
				if err != nil {
					return err
				}
				configPath = s.ConfigPath
			}
			cfg, err := keyrouter.LoadConfig(configPath)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatSummary(cfg))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the router config")
	return cmd
}

func formatSummary(cfg keyrouter.Config) string {
	families := map[string]int{}
	for _, inst := range cfg.ModelInstances() {
		families[inst.FamilyName()]++
	}
	names := make([]string, 0, len(families))
	for f := range families {
		names = append(names, f)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "config ok: %d credentials, %d instances, %d tenants\n",
		len(cfg.Credentials), len(cfg.Instances), len(cfg.Tenants))
	for _, f := range names {
		fmt.Fprintf(&b, "  family %-20s %d instances\n", f, families[f])
	}
	return b.String()
}
