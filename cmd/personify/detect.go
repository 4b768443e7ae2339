package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/pkazemian/personify/config"
	"github.com/pkazemian/personify/internal/correlation"
	"github.com/pkazemian/personify/internal/patterns"
	"github.com/pkazemian/personify/internal/store"
)

func detectCMD() *cobra.Command {
	var cfgPath string
	var cmd = &cobra.Command{
		Use:   "detect <user-id>",
		Short: "Run uniqueness pattern detection for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			ctx := context.Background()
			st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
			if err != nil {
				return err
			}
			resolver := correlation.NewResolver(cfg.Correlations.DocumentPath, nil)
			index, err := patterns.NewIndex()
			if err != nil {
				return err
			}
			detector := patterns.NewDetector(st, resolver, cfg.Patterns, index, nil)
			found, err := detector.Detect(ctx, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(found)
		},
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	return cmd
}
