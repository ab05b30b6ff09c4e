package engine

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// queuePerWorker bounds pending re-clusters; requests beyond it are dropped
// and picked up by the next request or scheduled run for that goal.
const queuePerWorker = 64

// #region pool

// reclusterPool runs re-clusters on a fixed set of workers. A goal is never
// queued twice nor clustered on two workers at once: a request for a running
// goal is remembered and queued once that run finishes, so the latest data is
// always clustered last.
type reclusterPool struct {
	run    func(context.Context, string) error
	jobs   chan string
	group  *errgroup.Group
	cancel context.CancelFunc
	logger *slog.Logger

	mu      sync.Mutex
	idle    *sync.Cond
	pending map[string]bool
	running map[string]bool
	rerun   map[string]bool
	active  int
	closed  bool
}

func newReclusterPool(ctx context.Context, workers int, run func(context.Context, string) error, logger *slog.Logger) *reclusterPool {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &reclusterPool{
		run:     run,
		jobs:    make(chan string, workers*queuePerWorker),
		cancel:  cancel,
		logger:  logger.With("component", "recluster-pool"),
		pending: make(map[string]bool),
		running: make(map[string]bool),
		rerun:   make(map[string]bool),
	}
	p.idle = sync.NewCond(&p.mu)
	p.group, ctx = errgroup.WithContext(ctx)
	for range workers {
		p.group.Go(func() error {
			p.work(ctx)
			return nil
		})
	}
	return p
}

// ReclusterAsync queues goalID without blocking.
func (p *reclusterPool) ReclusterAsync(goalID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.pending[goalID] {
		return
	}
	if p.running[goalID] {
		p.rerun[goalID] = true
		return
	}
	p.enqueueLocked(goalID)
}

func (p *reclusterPool) enqueueLocked(goalID string) {
	select {
	case p.jobs <- goalID:
		p.pending[goalID] = true
		p.active++
	default:
		p.logger.Warn("recluster queue full, request dropped", "goal", goalID)
	}
}

func (p *reclusterPool) work(ctx context.Context) {
	for goalID := range p.jobs {
		p.mu.Lock()
		delete(p.pending, goalID)
		p.running[goalID] = true
		p.mu.Unlock()

		if ctx.Err() == nil {
			if err := p.run(ctx, goalID); err != nil {
				p.logger.Error("background recluster failed", "goal", goalID, "error", err)
			}
		}

		p.mu.Lock()
		delete(p.running, goalID)
		if p.rerun[goalID] {
			delete(p.rerun, goalID)
			if !p.closed {
				p.enqueueLocked(goalID)
			}
		}
		p.active--
		if p.active == 0 {
			p.idle.Broadcast()
		}
		p.mu.Unlock()
	}
}

// wait blocks until nothing is queued or running.
func (p *reclusterPool) wait() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.active > 0 {
		p.idle.Wait()
	}
}

// close cancels in-flight work, discards the queue and waits for workers.
func (p *reclusterPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.cancel()
	_ = p.group.Wait()
}

// #endregion pool
