/**
 * @description
 * Cron scheduler setup for the periodic reconciliation sweep.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler manages the periodic sweep job.
type Scheduler struct {
	cron     *cron.Cron
	service  *Service
	logger   *slog.Logger
	schedule string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(service *Service, logger *slog.Logger, schedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:     c,
		service:  service,
		logger:   logger,
		schedule: schedule,
	}
}

// Start registers the sweep job and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.schedule, s.runSweep); err != nil {
		s.logger.Error("failed to schedule reconciliation sweep", "error", err, "schedule", s.schedule)
	} else {
		s.logger.Info("scheduled reconciliation sweep", "schedule", s.schedule)
	}

	s.cron.Start()
}

func (s *Scheduler) runSweep() {
	report := s.service.SweepAll(context.Background(), "cron")
	s.logger.Info("reconciliation sweep finished",
		"success", report.Success,
		"affiliates", report.AffiliatesProcessed,
		"referrals", report.ReferralsProcessed,
		"paid", report.Paid,
		"failed", report.Failed,
	)
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
