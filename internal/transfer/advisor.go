// Package transfer turns recorded experience into policy recommendations and
// closes the loop by auditing their outcomes.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/bisim"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/graph"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/model"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/telemetry"
)

// #region interfaces

// Repository is the persistence surface the advisor needs.
type Repository interface {
	GetGoal(ctx context.Context, id string) (model.Goal, error)
	GetState(ctx context.Context, id string) (model.State, error)
	TrajectoriesByAchieved(ctx context.Context, goalID string) ([]model.Trajectory, error)
	PutRecommendation(ctx context.Context, rec model.Recommendation) error
	GetRecommendation(ctx context.Context, id string) (model.Recommendation, error)
	PutTransfer(ctx context.Context, tr model.TransferRecord) error
	TransferForTrajectory(ctx context.Context, trajectoryID string) (model.TransferRecord, error)
}

// Distances finds analogous states and measures them.
type Distances interface {
	FindAnalogies(ctx context.Context, current model.State, goalID string, topK int) ([]bisim.Analogy, error)
	ComputeDistance(ctx context.Context, a, b model.State, goalID string) (float64, error)
	ClassIndex() *bisim.ClassIndex
}

// Trajectories records outcomes and relabels failures.
type Trajectories interface {
	Record(ctx context.Context, t model.Trajectory) (model.Trajectory, error)
	HindsightRelabel(ctx context.Context, t model.Trajectory) (model.Trajectory, error)
}

// LinkReinforcer strengthens goal relations after successful transfers.
type LinkReinforcer interface {
	IncrementLink(ctx context.Context, a, b string, typ graph.LinkType, delta float64) error
}

// Reclusterer schedules background re-clustering of a goal.
type Reclusterer interface {
	ReclusterAsync(goalID string)
}

// #endregion interfaces

// #region advisor

// Advisor answers decision requests from transferable experience.
type Advisor struct {
	repo         Repository
	distances    Distances
	trajectories Trajectories
	similarity   bisim.GoalSimilarity
	links        LinkReinforcer
	recluster    Reclusterer
	emitter      telemetry.Emitter
	metrics      *telemetry.Metrics
	cfg          Config
	logger       *slog.Logger
	now          func() time.Time
}

// Option customises an Advisor.
type Option func(*Advisor)

// WithSimilarity widens lookups to related goals.
func WithSimilarity(s bisim.GoalSimilarity) Option { return func(a *Advisor) { a.similarity = s } }

// WithLinkReinforcer strengthens goal links after cross-goal successes.
func WithLinkReinforcer(l LinkReinforcer) Option { return func(a *Advisor) { a.links = l } }

// WithReclusterer schedules re-clustering after outcomes are recorded.
func WithReclusterer(r Reclusterer) Option { return func(a *Advisor) { a.recluster = r } }

// WithEmitter sets the sink for transfer records.
func WithEmitter(e telemetry.Emitter) Option { return func(a *Advisor) { a.emitter = e } }

// WithMetrics counts decision phases.
func WithMetrics(m *telemetry.Metrics) Option { return func(a *Advisor) { a.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(a *Advisor) { a.logger = l } }

// NewAdvisor validates cfg and builds an Advisor.
func NewAdvisor(repo Repository, distances Distances, trajectories Trajectories, cfg Config, opts ...Option) (*Advisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Advisor{
		repo:         repo,
		distances:    distances,
		trajectories: trajectories,
		emitter:      telemetry.Discard{},
		cfg:          cfg,
		logger:       slog.Default(),
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "transfer")
	return a, nil
}

// Config returns the active configuration.
func (a *Advisor) Config() Config { return a.cfg }

func (a *Advisor) step(r *Result, p Phase) {
	if err := r.advance(p); err != nil {
		a.logger.Error("decision state machine", "error", err)
		return
	}
	a.metrics.Decision(string(p))
}

// #endregion advisor

// #region decision

// GetPolicyGuidedDecision looks for a previously successful trajectory that
// started from a state analogous to current and reached goalID or a related
// goal. A missing recommendation is not an error.
func (a *Advisor) GetPolicyGuidedDecision(ctx context.Context, current model.State, goalID string) (res Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, "transfer.GetPolicyGuidedDecision",
		attribute.String("goal", goalID), attribute.String("state", current.ID))
	defer func() {
		span.SetAttributes(attribute.String("phase", string(res.Final())))
		telemetry.EndSpan(span, err)
	}()

	a.step(&res, PhaseReceived)
	if _, err := a.repo.GetGoal(ctx, goalID); err != nil {
		return Result{}, fmt.Errorf("policy decision: %w", err)
	}

	analogies, err := a.distances.FindAnalogies(ctx, current, goalID, a.cfg.TopK)
	if err != nil {
		return Result{}, fmt.Errorf("policy decision: %w", err)
	}
	a.step(&res, PhaseAnalogiesSearched)

	if len(analogies) == 0 {
		a.step(&res, PhaseNoAnalogy)
		a.step(&res, PhaseResolved)
		res.Reason = "no recorded analogous state"
		return res, nil
	}

	pool, err := a.successPool(ctx, goalID)
	if err != nil {
		return Result{}, fmt.Errorf("policy decision: %w", err)
	}

	for _, an := range analogies {
		matches, err := a.qualifying(ctx, an, pool, goalID)
		if err != nil {
			return Result{}, fmt.Errorf("policy decision: %w", err)
		}
		if len(matches) == 0 {
			continue
		}

		best := matches[0]
		flags := make([]bool, len(matches))
		for i, m := range matches {
			flags[i] = m.Synthetic
		}
		c := corroboration(flags, a.cfg)
		rec := model.Recommendation{
			ID:            uuid.New().String(),
			SourceStateID: an.State.ID,
			SourceGoalID:  best.AchievedGoal,
			TargetStateID: current.ID,
			TargetGoalID:  goalID,
			TrajectoryID:  best.ID,
			Actions:       best.Actions(),
			Distance:      an.Distance,
			Corroboration: c,
			Confidence:    Confidence(an.Distance, c, a.cfg),
			CreatedAt:     a.now(),
		}
		if err := a.repo.PutRecommendation(ctx, rec); err != nil {
			return Result{}, fmt.Errorf("policy decision: persist recommendation: %w", err)
		}
		a.step(&res, PhasePolicyFound)
		a.step(&res, PhaseResolved)
		res.Recommendation = &rec
		a.logger.Info("policy recommended",
			"goal", goalID, "state", current.ID, "source_state", rec.SourceStateID,
			"source_goal", rec.SourceGoalID, "trajectory", rec.TrajectoryID,
			"distance", rec.Distance, "corroboration", c, "confidence", rec.Confidence)
		return res, nil
	}

	a.step(&res, PhaseNoAnalogy)
	a.step(&res, PhaseResolved)
	res.Reason = fmt.Sprintf("%d analogous states, none with a successful trajectory", len(analogies))
	return res, nil
}

// successPool gathers trajectories that achieved goalID or a related goal.
func (a *Advisor) successPool(ctx context.Context, goalID string) ([]model.Trajectory, error) {
	goals := []string{goalID}
	if a.similarity != nil {
		related, err := a.similarity.Related(ctx, goalID, a.cfg.RelatedGoalMin)
		if err != nil {
			return nil, fmt.Errorf("related goals %s: %w", goalID, err)
		}
		for _, rg := range related {
			goals = append(goals, rg.GoalID)
		}
	}

	seen := make(map[string]bool)
	var pool []model.Trajectory
	for _, g := range goals {
		ts, err := a.repo.TrajectoriesByAchieved(ctx, g)
		if err != nil {
			return nil, err
		}
		for _, t := range ts {
			if seen[t.ID] || len(t.Steps) == 0 {
				continue
			}
			seen[t.ID] = true
			pool = append(pool, t)
		}
	}
	return pool, nil
}

// qualifying returns the pool trajectories whose start state is bisimilar to
// the analogy's state, best first.
func (a *Advisor) qualifying(ctx context.Context, an bisim.Analogy, pool []model.Trajectory, goalID string) ([]model.Trajectory, error) {
	var out []model.Trajectory
	index := a.distances.ClassIndex()
	for _, t := range pool {
		start := t.Start()
		if start == an.State.ID || (index != nil && index.SameClass(goalID, start, an.State.ID)) {
			out = append(out, t)
			continue
		}
		s, err := a.repo.GetState(ctx, start)
		if err != nil {
			if errors.Is(err, model.ErrUnknownState) {
				continue
			}
			return nil, err
		}
		d, err := a.distances.ComputeDistance(ctx, s, an.State, goalID)
		if errors.Is(err, model.ErrSchemaMismatch) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if d < a.cfg.BisimilarThreshold {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Synthetic != out[j].Synthetic {
			return !out[i].Synthetic
		}
		ri, rj := out[i].TotalReward(), out[j].TotalReward()
		if ri != rj {
			return ri > rj
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// #endregion decision
