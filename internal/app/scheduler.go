/**
 * @description
 * Cron scheduler setup for scheduled jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// ScheduleConfig holds the cron expressions of the ledger jobs.
type ScheduleConfig struct {
	DailySummary   string
	Reconciliation string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	jobs     *Jobs
	logger   *slog.Logger
	schedule ScheduleConfig
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, schedule ScheduleConfig) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:     c,
		jobs:     jobs,
		logger:   logger,
		schedule: schedule,
	}
}

// Start registers the jobs and starts the cron scheduler. It returns the number
// of jobs that were scheduled.
func (s *Scheduler) Start() int {
	scheduled := 0
	if _, err := s.cron.AddFunc(s.schedule.DailySummary, s.jobs.PublishDailySummary); err != nil {
		s.logger.Error("failed to schedule daily summary job", "schedule", s.schedule.DailySummary, "error", err)
	} else {
		s.logger.Info("scheduled daily summary job", "schedule", s.schedule.DailySummary)
		scheduled++
	}

	if _, err := s.cron.AddFunc(s.schedule.Reconciliation, s.jobs.ReconcileLedger); err != nil {
		s.logger.Error("failed to schedule reconciliation job", "schedule", s.schedule.Reconciliation, "error", err)
	} else {
		s.logger.Info("scheduled reconciliation job", "schedule", s.schedule.Reconciliation)
		scheduled++
	}

	s.cron.Start()
	return scheduled
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
