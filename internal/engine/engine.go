// Package engine wires the storage, distance, trajectory and transfer layers
// into one process-level object.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/bisim"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/config"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/graph"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/logging"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/model"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/refmodel"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/store"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/telemetry"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/trajectory"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/transfer"
)

// DerivedLinkWeight is the similarity recorded between a goal and its revision.
const DerivedLinkWeight = 0.9

// ErrNoReferenceModel is returned by GenerateVirtualExperience when no
// reference model is configured.
var ErrNoReferenceModel = errors.New("no reference model configured")

// #region engine

// Engine owns every component of a running transfer engine.
type Engine struct {
	cfg      config.Config
	kv       store.KV
	graphKV  *store.SQLiteKV
	registry *prometheus.Registry
	refModel trajectory.ReferenceModel
	closeRef func() error
	pool     *reclusterPool
	logger   *slog.Logger

	Repo         *store.Repository
	Graph        *graph.GoalGraph
	Audit        *logging.AuditLog
	Metrics      *telemetry.Metrics
	Distance     *bisim.Engine
	Trajectories *trajectory.Store
	Advisor      *transfer.Advisor
}

// Option customises Open.
type Option func(*Engine)

// WithLogger sets the root logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithRegistry registers metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option { return func(e *Engine) { e.registry = reg } }

// WithReferenceModel overrides the gRPC reference model client.
func WithReferenceModel(m trajectory.ReferenceModel) Option {
	return func(e *Engine) { e.refModel = m }
}

// Open builds an engine from cfg. The caller must Close it.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("open engine: %w", err)
	}
	e := &Engine{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = prometheus.NewRegistry()
	}
	if err := e.open(ctx); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) open(ctx context.Context) error {
	raw, sqlKV, err := openBackend(e.cfg.Store, e.logger)
	if err != nil {
		return err
	}
	e.kv = store.WithRetry(raw, e.cfg.Retry, e.logger)

	graphKV := sqlKV
	if graphKV == nil {
		graphPath := e.cfg.Store.GraphDBPath()
		if e.cfg.Store.Path == ":memory:" {
			graphPath = ":memory:"
		}
		if graphKV, err = store.NewSQLiteKV(graphPath); err != nil {
			return fmt.Errorf("open graph db: %w", err)
		}
		e.graphKV = graphKV
	}

	if e.Graph, err = graph.NewGoalGraph(graphKV.DB()); err != nil {
		return err
	}
	if e.Audit, err = logging.NewAuditLog(graphKV.DB(), e.logger); err != nil {
		return err
	}
	e.Repo = store.NewRepository(e.kv)
	e.Metrics = telemetry.NewMetrics(e.registry)
	emitter := telemetry.Multi{telemetry.NewRecorder(e.logger, e.Metrics), e.Audit}

	e.Distance, err = bisim.NewEngine(e.Repo, e.cfg.Distance,
		bisim.WithDistanceStore(e.Repo),
		bisim.WithSimilarity(e.Graph),
		bisim.WithMetrics(e.Metrics),
		bisim.WithLogger(e.logger),
	)
	if err != nil {
		return err
	}
	e.Trajectories, err = trajectory.NewStore(e.Repo, e.Distance, e.cfg.Trajectory,
		trajectory.WithLinker(e.Graph),
		trajectory.WithEmitter(emitter),
		trajectory.WithLogger(e.logger),
	)
	if err != nil {
		return err
	}

	e.pool = newReclusterPool(ctx, e.cfg.Clustering.Workers, e.reclusterDefault, e.logger)
	e.Advisor, err = transfer.NewAdvisor(e.Repo, e.Distance, e.Trajectories, e.cfg.Transfer,
		transfer.WithSimilarity(e.Graph),
		transfer.WithLinkReinforcer(e.Graph),
		transfer.WithReclusterer(e.pool),
		transfer.WithEmitter(emitter),
		transfer.WithMetrics(e.Metrics),
		transfer.WithLogger(e.logger),
	)
	if err != nil {
		return err
	}

	if e.refModel == nil && e.cfg.ReferenceModel.Addr != "" {
		client, err := refmodel.NewClient(e.cfg.ReferenceModel.Addr, e.cfg.ReferenceModel.Timeout)
		if err != nil {
			return err
		}
		e.refModel = client
		e.closeRef = client.Close
	}

	e.logger.Info("engine opened", "backend", e.cfg.Store.Backend, "path", e.cfg.Store.Path,
		"reference_model", e.cfg.ReferenceModel.Addr)
	return nil
}

// openBackend returns the KV for cfg and, for SQLite, the same store so the
// graph can share its database.
func openBackend(cfg config.StoreConfig, logger *slog.Logger) (store.KV, *store.SQLiteKV, error) {
	switch cfg.Backend {
	case "badger":
		bc := store.DefaultBadgerConfig(cfg.Path)
		if cfg.Path == ":memory:" {
			bc = store.InMemoryBadgerConfig()
		}
		bc.SyncWrites = bc.SyncWrites || cfg.SyncWrites
		bc.Logger = logger
		kv, err := store.OpenBadger(bc)
		if err != nil {
			return nil, nil, err
		}
		return kv, nil, nil
	default:
		kv, err := store.NewSQLiteKV(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return kv, kv, nil
	}
}

// Close stops background work and releases every store. Safe to call on a
// partially opened engine.
func (e *Engine) Close() error {
	var errs []error
	if e.pool != nil {
		e.pool.close()
	}
	if e.closeRef != nil {
		errs = append(errs, e.closeRef())
	}
	if e.graphKV != nil {
		errs = append(errs, e.graphKV.Close())
	}
	if e.kv != nil {
		errs = append(errs, e.kv.Close())
	}
	return errors.Join(errs...)
}

// Config returns the configuration the engine was opened with.
func (e *Engine) Config() config.Config { return e.cfg }

// Registry exposes the metrics registry for an HTTP handler.
func (e *Engine) Registry() *prometheus.Registry { return e.registry }

// Logger returns the root logger.
func (e *Engine) Logger() *slog.Logger { return e.logger }

// #endregion engine

// #region ingest

// RecordState validates and stores an observed state under an existing goal.
func (e *Engine) RecordState(ctx context.Context, s model.State) (model.State, error) {
	s.TrimActions()
	if s.ObservedAt.IsZero() {
		s.ObservedAt = time.Now().UTC()
	}
	if err := model.ValidateState(s); err != nil {
		return s, err
	}
	if _, err := e.Repo.GetGoal(ctx, s.GoalID); err != nil {
		return s, fmt.Errorf("record state %s: %w", s.ID, err)
	}
	if err := e.Repo.PutState(ctx, s); err != nil {
		return s, err
	}
	return s, nil
}

// RecordGoal stores a new goal. A goal with DerivedFrom is linked to its
// parent in the goal graph.
func (e *Engine) RecordGoal(ctx context.Context, g model.Goal) (model.Goal, error) {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	if err := model.ValidateGoal(g); err != nil {
		return g, err
	}
	if g.DerivedFrom != "" {
		if _, err := e.Repo.GetGoal(ctx, g.DerivedFrom); err != nil {
			return g, fmt.Errorf("record goal %s: %w", g.ID, err)
		}
	}
	if err := e.Repo.PutGoal(ctx, g); err != nil {
		return g, err
	}
	if g.DerivedFrom != "" {
		if err := e.Graph.AddLink(ctx, g.DerivedFrom, g.ID, graph.LinkDerived, DerivedLinkWeight); err != nil {
			return g, err
		}
	}
	return g, nil
}

// ReviseGoal records revised as a new goal derived from parentID and drops
// the parent's cached distances, since its meaning has moved on.
func (e *Engine) ReviseGoal(ctx context.Context, parentID string, revised model.Goal) (model.Goal, error) {
	if revised.ID == "" {
		revised.ID = parentID + "-r" + uuid.NewString()[:8]
	}
	revised.DerivedFrom = parentID
	g, err := e.RecordGoal(ctx, revised)
	if err != nil {
		return g, err
	}
	if _, err := e.Distance.InvalidateGoal(ctx, parentID); err != nil {
		return g, err
	}
	return g, nil
}

// LinkGoals records a similarity link between two existing goals.
func (e *Engine) LinkGoals(ctx context.Context, a, b string, typ graph.LinkType, weight float64) error {
	for _, id := range []string{a, b} {
		if _, err := e.Repo.GetGoal(ctx, id); err != nil {
			return fmt.Errorf("link goals: %w", err)
		}
	}
	return e.Graph.AddLink(ctx, a, b, typ, weight)
}

// #endregion ingest

// #region operations

// ComputeDistance is the bisimulation distance between two stored states.
func (e *Engine) ComputeDistance(ctx context.Context, aID, bID, goalID string) (float64, error) {
	return e.Distance.DistanceByID(ctx, aID, bID, goalID)
}

// ExplainDistance returns the per-term distance breakdown.
func (e *Engine) ExplainDistance(ctx context.Context, aID, bID, goalID string) (bisim.Breakdown, error) {
	return e.Distance.ExplainDistance(ctx, aID, bID, goalID)
}

// InvalidateGoal drops cached distances for goalID.
func (e *Engine) InvalidateGoal(ctx context.Context, goalID string) (int, error) {
	return e.Distance.InvalidateGoal(ctx, goalID)
}

// Recluster synchronously rebuilds the classes of goalID at threshold.
func (e *Engine) Recluster(ctx context.Context, goalID string, threshold float64) ([]model.EquivalenceClass, error) {
	if _, err := e.Repo.GetGoal(ctx, goalID); err != nil {
		return nil, err
	}
	return e.Distance.Recluster(ctx, goalID, threshold)
}

// ReclusterAsync queues goalID for background re-clustering at the threshold
// it was last clustered with.
func (e *Engine) ReclusterAsync(goalID string) { e.pool.ReclusterAsync(goalID) }

// WaitIdle blocks until every queued re-cluster has finished.
func (e *Engine) WaitIdle() { e.pool.wait() }

// ReclusterAll queues every known goal and returns how many were queued.
func (e *Engine) ReclusterAll(ctx context.Context) (int, error) {
	goals, err := e.Repo.ListGoals(ctx)
	if err != nil {
		return 0, err
	}
	for _, g := range goals {
		e.pool.ReclusterAsync(g.ID)
	}
	return len(goals), nil
}

func (e *Engine) reclusterDefault(ctx context.Context, goalID string) error {
	threshold := e.cfg.Clustering.DefaultThreshold
	classes, err := e.Distance.Classes(ctx, goalID)
	if err != nil {
		return err
	}
	if len(classes) > 0 && classes[0].Threshold > 0 {
		threshold = classes[0].Threshold
	}
	_, err = e.Distance.Recluster(ctx, goalID, threshold)
	return err
}

// FindAnalogies returns the nearest recorded states to current under goalID.
func (e *Engine) FindAnalogies(ctx context.Context, current model.State, goalID string, topK int) ([]bisim.Analogy, error) {
	return e.Distance.FindAnalogies(ctx, current, goalID, topK)
}

// HindsightRelabel records t if needed and assigns its achieved goal.
func (e *Engine) HindsightRelabel(ctx context.Context, t model.Trajectory) (model.Trajectory, error) {
	return e.Trajectories.HindsightRelabel(ctx, t)
}

// CausalFactors ranks the features that separate successes for goalID.
func (e *Engine) CausalFactors(ctx context.Context, goalID string) ([]trajectory.Factor, error) {
	return e.Trajectories.CausalFactorsForGoal(ctx, goalID)
}

// GenerateVirtualExperience asks the reference model for a synthetic
// trajectory toward goalID.
func (e *Engine) GenerateVirtualExperience(ctx context.Context, goalID string) (model.Trajectory, error) {
	if e.refModel == nil {
		return model.Trajectory{}, ErrNoReferenceModel
	}
	return e.Trajectories.GenerateVirtualExperience(ctx, goalID, e.refModel)
}

// Decide answers a decision request.
func (e *Engine) Decide(ctx context.Context, current model.State, goalID string) (transfer.Result, error) {
	return e.Advisor.GetPolicyGuidedDecision(ctx, current, goalID)
}

// RecordOutcome stores an episode outcome.
func (e *Engine) RecordOutcome(ctx context.Context, t model.Trajectory, success bool) (transfer.Outcome, error) {
	return e.Advisor.RecordOutcomeWithTrajectory(ctx, t, success)
}

// Calibration reports confidence calibration over every transfer record.
func (e *Engine) Calibration(ctx context.Context, bins int, halfLife time.Duration) (transfer.CalibrationReport, error) {
	records, err := e.Repo.ListTransfers(ctx)
	if err != nil {
		return transfer.CalibrationReport{}, err
	}
	return transfer.Calibrate(records, bins, halfLife, time.Now().UTC()), nil
}

// #endregion operations
