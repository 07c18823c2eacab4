/*
Package jobs runs scheduled background work.

PURPOSE:
  The idempotency registry accumulates one row per keyed grant; rows stop
  mattering once their TTL passes. A cron-driven purge keeps the table
  bounded. Purging is advisory - the stores already treat expired keys as
  absent on reservation - so a missed run costs disk, not correctness.
*/
package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/hanami/petal-engine/petals"
)

// Scheduler owns the cron runner.
type Scheduler struct {
	cron   *cron.Cron
	engine *petals.Engine
}

// NewScheduler creates a scheduler in the given timezone (cap windows and
// purge runs should agree on what "daily" means).
func NewScheduler(engine *petals.Engine, loc *time.Location) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(loc)),
		engine: engine,
	}
}

// Start registers the purge job and launches the runner.
func (s *Scheduler) Start(ctx context.Context, purgeSpec string) error {
	_, err := s.cron.AddFunc(purgeSpec, func() {
		if _, err := s.engine.PurgeExpiredKeys(ctx); err != nil {
			log.WithError(err).Error("idempotency purge failed")
		}
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	log.WithField("schedule", purgeSpec).Info("scheduler started")
	return nil
}

// Stop halts the runner and waits for an in-flight job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info("scheduler stopped")
}
