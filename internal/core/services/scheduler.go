package services

import (
	"context"
	"errors"
	"time"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
	"github.com/custodia-labs/d365-sync/internal/core/ports/driving"
	"github.com/custodia-labs/d365-sync/internal/logger"
)

// Scheduler runs SyncAll on a fixed interval.
type Scheduler struct {
	sync     driving.SyncOrchestrator
	interval time.Duration
	onReport func(*domain.SyncReport)
}

// NewScheduler creates a scheduler. onReport, if not nil, receives the
// report of every completed run.
func NewScheduler(sync driving.SyncOrchestrator, interval time.Duration, onReport func(*domain.SyncReport)) *Scheduler {
	if interval <= 0 {
		interval = domain.DefaultSettings().Interval
	}
	return &Scheduler{sync: sync, interval: interval, onReport: onReport}
}

// Run executes a pass immediately and then on every tick until ctx is
// done. A run that fails to load metadata is logged and retried on the
// next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.runOnce(ctx)

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	report, err := s.sync.SyncAll(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("sync: run failed: %v", err)
		}
		return
	}
	if s.onReport != nil {
		s.onReport(report)
	}
}
