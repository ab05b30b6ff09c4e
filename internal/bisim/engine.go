package bisim

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/model"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/telemetry"
)

// #region interfaces

// Store is the read/write surface the distance engine needs.
type Store interface {
	GetState(ctx context.Context, id string) (model.State, error)
	GetGoal(ctx context.Context, id string) (model.Goal, error)
	StatesByGoal(ctx context.Context, goalID string) ([]model.State, error)
	ReplaceClasses(ctx context.Context, goalID string, classes []model.EquivalenceClass) error
	Classes(ctx context.Context, goalID string) ([]model.EquivalenceClass, error)
}

// DistanceStore persists cached distances so they survive restarts.
type DistanceStore interface {
	PutDistance(ctx context.Context, rec model.DistanceRecord) error
	GetDistance(ctx context.Context, goalID, a, b string) (model.DistanceRecord, bool, error)
	DeleteDistances(ctx context.Context, goalID string) (int, error)
}

// #endregion interfaces

// #region engine

// Engine computes goal-conditioned bisimulation distances and the
// abstractions built on them.
type Engine struct {
	store      Store
	distances  DistanceStore
	similarity GoalSimilarity
	cache      *Cache
	classes    *ClassIndex
	cfg        Config
	metrics    *telemetry.Metrics
	logger     *slog.Logger
}

// Option customises an Engine.
type Option func(*Engine)

// WithSimilarity sets the goal-similarity lookup. Without one every pair of
// different goals is maximally dissimilar.
func WithSimilarity(s GoalSimilarity) Option { return func(e *Engine) { e.similarity = s } }

// WithDistanceStore enables write-through persistence of cached distances.
func WithDistanceStore(d DistanceStore) Option { return func(e *Engine) { e.distances = d } }

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *telemetry.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// NewEngine validates cfg and builds an engine over store.
func NewEngine(store Store, cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		store:   store,
		classes: NewClassIndex(),
		cfg:     cfg,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	cache, err := NewCache(cfg.CacheSize, e.metrics)
	if err != nil {
		return nil, err
	}
	e.cache = cache
	e.logger = e.logger.With("component", "bisim")
	return e, nil
}

// Config returns the active configuration.
func (e *Engine) Config() Config { return e.cfg }

// ClassIndex exposes the published equivalence classes.
func (e *Engine) ClassIndex() *ClassIndex { return e.classes }

// Similarity returns the configured goal-similarity lookup, possibly nil.
func (e *Engine) Similarity() GoalSimilarity { return e.similarity }

// #endregion engine

// #region compute-distance

// ComputeDistance returns the goal-conditioned distance between two states.
// It is symmetric, zero for a state and itself, and memoised per goal.
func (e *Engine) ComputeDistance(ctx context.Context, a, b model.State, goalID string) (float64, error) {
	key := newCacheKey(a.ID, b.ID, goalID)
	if d, ok := e.cache.get(key); ok {
		return d, nil
	}
	return e.cache.do(key, func() (float64, error) {
		goal, err := e.store.GetGoal(ctx, goalID)
		if err != nil {
			return 0, err
		}
		if e.distances != nil {
			rec, ok, err := e.distances.GetDistance(ctx, goalID, a.ID, b.ID)
			if err != nil {
				e.logger.Warn("persisted distance lookup failed", "goal", goalID, "a", a.ID, "b", b.ID, "error", err)
			} else if ok {
				return rec.Distance, nil
			}
		}

		// canonical order keeps floating-point results identical both ways
		first, second := a, b
		if second.ID < first.ID {
			first, second = second, first
		}
		bd, err := e.breakdown(ctx, first, second, goal)
		if err != nil {
			return 0, err
		}
		if e.distances != nil && first.ID != second.ID {
			rec := model.DistanceRecord{
				StateA: first.ID, StateB: second.ID, GoalID: goalID,
				Distance: bd.Total, ComputedAt: time.Now().UTC(),
			}
			if err := e.distances.PutDistance(ctx, rec); err != nil {
				e.logger.Warn("persist distance failed", "goal", goalID, "a", first.ID, "b", second.ID, "error", err)
			}
		}
		return bd.Total, nil
	})
}

// DistanceByID loads both states and computes their distance.
func (e *Engine) DistanceByID(ctx context.Context, aID, bID, goalID string) (float64, error) {
	a, b, err := e.loadPair(ctx, aID, bID)
	if err != nil {
		return 0, err
	}
	return e.ComputeDistance(ctx, a, b, goalID)
}

// ExplainDistance returns an uncached per-term breakdown.
func (e *Engine) ExplainDistance(ctx context.Context, aID, bID, goalID string) (Breakdown, error) {
	goal, err := e.store.GetGoal(ctx, goalID)
	if err != nil {
		return Breakdown{}, err
	}
	a, b, err := e.loadPair(ctx, aID, bID)
	if err != nil {
		return Breakdown{}, err
	}
	if b.ID < a.ID {
		a, b = b, a
	}
	return e.breakdown(ctx, a, b, goal)
}

func (e *Engine) loadPair(ctx context.Context, aID, bID string) (model.State, model.State, error) {
	a, err := e.store.GetState(ctx, aID)
	if err != nil {
		return model.State{}, model.State{}, err
	}
	b, err := e.store.GetState(ctx, bID)
	if err != nil {
		return model.State{}, model.State{}, err
	}
	return a, b, nil
}

func (e *Engine) breakdown(ctx context.Context, a, b model.State, goal model.Goal) (Breakdown, error) {
	penalty, err := e.goalPenalty(ctx, a.GoalID, b.GoalID)
	if err != nil {
		return Breakdown{}, err
	}
	return computeBreakdown(a, b, goal, penalty, e.cfg)
}

// goalPenalty is 1 - similarity of the two goal contexts, taking the stronger
// direction, and 1.0 when nothing is known.
func (e *Engine) goalPenalty(ctx context.Context, ga, gb string) (float64, error) {
	if ga == gb {
		return 0, nil
	}
	if e.similarity == nil {
		return 1, nil
	}
	s1, ok1, err := e.similarity.Similarity(ctx, ga, gb)
	if err != nil {
		return 0, fmt.Errorf("goal similarity %s/%s: %w", ga, gb, err)
	}
	s2, ok2, err := e.similarity.Similarity(ctx, gb, ga)
	if err != nil {
		return 0, fmt.Errorf("goal similarity %s/%s: %w", gb, ga, err)
	}
	if !ok1 && !ok2 {
		return 1, nil
	}
	s := math.Max(s1, s2)
	s = math.Min(1, math.Max(0, s))
	return 1 - s, nil
}

// #endregion compute-distance

// #region invalidate

// InvalidateGoal drops every cached distance, in memory and persisted, for
// goalID. It is the only invalidation path.
func (e *Engine) InvalidateGoal(ctx context.Context, goalID string) (int, error) {
	if _, err := e.store.GetGoal(ctx, goalID); err != nil {
		return 0, err
	}
	removed := e.cache.InvalidateGoal(goalID)
	if e.distances != nil {
		n, err := e.distances.DeleteDistances(ctx, goalID)
		if err != nil {
			return removed, fmt.Errorf("invalidate goal %s: %w", goalID, err)
		}
		removed = max(removed, n)
	}
	e.logger.Info("goal distances invalidated", "goal", goalID, "removed", removed)
	return removed, nil
}

// #endregion invalidate
