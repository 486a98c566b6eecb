/**
 * @description
 * Cron scheduler for the service's background jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron          *cron.Cron
	relay         *OutboxRelay
	logger        *slog.Logger
	relaySchedule string
}

// NewScheduler creates a new scheduler instance. Overlapping relay runs are skipped.
func NewScheduler(relay *OutboxRelay, relaySchedule string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:          c,
		relay:         relay,
		logger:        logger,
		relaySchedule: relaySchedule,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.relaySchedule, s.relay.Run); err != nil {
		s.logger.Error("failed to schedule outbox relay job", "schedule", s.relaySchedule, "error", err)
		return err
	}
	s.logger.Info("scheduled outbox relay job", "schedule", s.relaySchedule)

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
