/**
 * @description
 * Cron scheduler setup for the reconciliation sweeps.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Schedules holds the cron specs of each sweep. An empty spec disables the job.
type Schedules struct {
	SettlementSweep string
	StaleOrderSweep string
	IntentRecovery  string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	jobs      *Jobs
	logger    *slog.Logger
	schedules Schedules
}

// NewScheduler creates a new scheduler instance. Overlapping runs of the same job
// are skipped.
func NewScheduler(jobs *Jobs, logger *slog.Logger, schedules Schedules) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:      c,
		jobs:      jobs,
		logger:    logger,
		schedules: schedules,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	s.add("settlement sweep", s.schedules.SettlementSweep, s.jobs.SweepSettlements)
	s.add("stale order poll", s.schedules.StaleOrderSweep, s.jobs.PollStaleOrders)
	s.add("intent recovery", s.schedules.IntentRecovery, s.jobs.RecoverIntents)
	s.cron.Start()
}

func (s *Scheduler) add(name, spec string, fn func()) {
	if spec == "" {
		s.logger.Info("job disabled", "job", name)
		return
	}
	if _, err := s.cron.AddFunc(spec, fn); err != nil {
		s.logger.Error("failed to schedule job", "job", name, "error", err)
		return
	}
	s.logger.Info("scheduled job", "job", name, "schedule", spec)
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
