package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// #region scheduler

// Scheduler periodically queues every goal for re-clustering and decays goal
// links.
type Scheduler struct {
	engine *Engine
	cron   *cron.Cron
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler parses spec (standard five-field cron or a descriptor such as
// "@every 10m") and returns a stopped scheduler.
func NewScheduler(e *Engine, spec string) (*Scheduler, error) {
	if spec == "" {
		return nil, fmt.Errorf("schedule: empty cron expression")
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", spec, err)
	}
	s := &Scheduler{
		engine: e,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: e.logger.With("component", "scheduler"),
	}
	s.cron.Schedule(sched, cron.FuncJob(func() { s.RunOnce(s.ctx) }))
	return s, nil
}

// Start begins firing on the schedule until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.logger.Info("scheduler started", "entries", len(s.cron.Entries()))
	s.cron.Start()
}

// Stop halts the schedule and waits for a running job to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// RunOnce decays goal links and queues every goal for re-clustering.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	if hl := s.engine.cfg.Clustering.LinkHalfLife; hl > 0 {
		n, err := s.engine.Graph.DecayAll(ctx, hl)
		if err != nil {
			s.logger.Error("goal link decay failed", "error", err)
		} else {
			s.logger.Debug("goal links decayed", "links", n)
		}
	}
	queued, err := s.engine.ReclusterAll(ctx)
	if err != nil {
		s.logger.Error("scheduled recluster failed", "error", err)
		return
	}
	s.logger.Info("scheduled recluster queued", "goals", queued, "took", time.Since(start))
}

// #endregion scheduler
