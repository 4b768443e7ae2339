package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/pkazemian/personify/config"
	"github.com/pkazemian/personify/internal/aggregate"
	"github.com/pkazemian/personify/internal/archetype"
	"github.com/pkazemian/personify/internal/correlation"
	"github.com/pkazemian/personify/internal/evidence"
	"github.com/pkazemian/personify/internal/extract"
	"github.com/pkazemian/personify/internal/pipeline"
	"github.com/pkazemian/personify/internal/store"
	"github.com/pkazemian/personify/internal/telemetry"
)

func pipelineCMD() *cobra.Command {
	var cfgPath string
	var platform string
	var cmd = &cobra.Command{
		Use:   "pipeline <user-id>",
		Short: "Run the inference pipeline for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			ctx := context.Background()
			st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
			if err != nil {
				return err
			}
			orch := buildOrchestrator(cfg, st)

			var res pipeline.Result
			if platform != "" {
				res = orch.RunIncremental(ctx, args[0], platform)
			} else {
				res = orch.RunFull(ctx, args[0], pipeline.Options{})
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.Success && res.Error != "" {
				return fmt.Errorf("pipeline failed at %s: %s", res.FailedAtStage, res.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "", "run incrementally for a single platform")
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	return cmd
}

func buildOrchestrator(cfg *config.Config, st *store.Store) *pipeline.Orchestrator {
	tele := telemetry.NewTelemetry(cfg.Telemetry)
	resolver := correlation.NewResolver(cfg.Correlations.DocumentPath, nil)
	gen := evidence.NewGenerator(resolver, cfg.Scoring, nil)
	agg := aggregate.New(st, gen, archetype.NewRuleClassifier(), cfg.Scoring, nil)
	extractor := extract.NewStoreExtractor(st, nil)
	logger := log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags)
	return pipeline.NewOrchestrator(cfg, logger, tele, st, extractor, agg, nil, nil, nil)
}
