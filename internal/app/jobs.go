/**
 * @description
 * Scheduled reconciliation jobs. Each job is a thin wrapper over a Service sweep so
 * the same work can be triggered by cron, the internal API or the CLI.
 */
package app

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper is the sweep surface the jobs drive.
type Sweeper interface {
	SweepSettlements(ctx context.Context, limit int) (SweepReport, error)
	PollStaleOrders(ctx context.Context, limit, concurrency int) (SweepReport, error)
	RecoverIntents(ctx context.Context, limit int) (SweepReport, error)
}

// JobsConfig bounds each job run.
type JobsConfig struct {
	BatchLimit  int
	Concurrency int
	Timeout     time.Duration
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	sweeper Sweeper
	logger  *slog.Logger
	config  JobsConfig
}

// NewJobs creates a new Jobs runner.
func NewJobs(sweeper Sweeper, logger *slog.Logger, cfg JobsConfig) *Jobs {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Jobs{sweeper: sweeper, logger: logger, config: cfg}
}

// SweepSettlements records settlements missing for delivered orders.
func (j *Jobs) SweepSettlements() {
	j.run("settlement sweep", func(ctx context.Context) (SweepReport, error) {
		return j.sweeper.SweepSettlements(ctx, j.config.BatchLimit)
	})
}

// PollStaleOrders polls orders whose status has not moved recently.
func (j *Jobs) PollStaleOrders() {
	j.run("stale order poll", func(ctx context.Context) (SweepReport, error) {
		return j.sweeper.PollStaleOrders(ctx, j.config.BatchLimit, j.config.Concurrency)
	})
}

// RecoverIntents resolves disbursement intents that never got an order.
func (j *Jobs) RecoverIntents() {
	j.run("intent recovery", func(ctx context.Context) (SweepReport, error) {
		return j.sweeper.RecoverIntents(ctx, j.config.BatchLimit)
	})
}

func (j *Jobs) run(name string, fn func(ctx context.Context) (SweepReport, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), j.config.Timeout)
	defer cancel()

	start := time.Now()
	report, err := fn(ctx)
	if err != nil {
		j.logger.Error("job failed", "job", name, "error", err, "scanned", report.Scanned)
		return
	}
	if report.Scanned == 0 {
		j.logger.Debug("job found nothing to do", "job", name)
		return
	}
	j.logger.Info("job finished",
		"job", name,
		"scanned", report.Scanned,
		"succeeded", report.Succeeded,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"duration", time.Since(start),
	)
}
