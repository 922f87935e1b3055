package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thedongraphix/Minisend-sub003/internal/app"
	"github.com/Thedongraphix/Minisend-sub003/internal/bootstrap"
)

var (
	sweepLimit       int
	sweepConcurrency int
	sweepTimeout     time.Duration
)

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a reconciliation sweep once",
		Long: `Run one of the background reconciliation sweeps immediately.

Examples:
  offrampctl sweep settlements --limit 500
  offrampctl sweep stale --concurrency 8
  offrampctl sweep intents`,
	}
	cmd.PersistentFlags().IntVarP(&sweepLimit, "limit", "n", 100, "maximum records to examine")
	cmd.PersistentFlags().IntVar(&sweepConcurrency, "concurrency", 4, "parallel provider polls for the stale sweep")
	cmd.PersistentFlags().DurationVar(&sweepTimeout, "timeout", 5*time.Minute, "maximum run time")

	cmd.AddCommand(&cobra.Command{
		Use:   "settlements",
		Short: "Record missing settlements for delivered orders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd, func(ctx context.Context, svc *app.Service) (app.SweepReport, error) {
				return svc.SweepSettlements(ctx, sweepLimit)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stale",
		Short: "Poll providers for orders without a recent status change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd, func(ctx context.Context, svc *app.Service) (app.SweepReport, error) {
				return svc.PollStaleOrders(ctx, sweepLimit, sweepConcurrency)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "intents",
		Short: "Resolve disbursement intents left without an order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd, func(ctx context.Context, svc *app.Service) (app.SweepReport, error) {
				return svc.RecoverIntents(ctx, sweepLimit)
			})
		},
	})
	return cmd
}

func runSweep(cmd *cobra.Command, sweep func(context.Context, *app.Service) (app.SweepReport, error)) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), sweepTimeout)
	defer cancel()

	rt, err := bootstrap.New(ctx, cfg, bootstrap.Options{Publish: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	report, err := sweep(ctx, rt.Service)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
