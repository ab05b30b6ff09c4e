package transfer

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/bisim"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/graph"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/model"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/store"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/telemetry"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/trajectory"
)

// #region helpers

type queuedRecluster struct {
	mu    sync.Mutex
	goals []string
}

func (q *queuedRecluster) ReclusterAsync(goalID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.goals = append(q.goals, goalID)
}

type capturedTransfers struct {
	mu      sync.Mutex
	records []model.TransferRecord
	relabel []telemetry.RelabelEvent
}

func (c *capturedTransfers) TransferRecorded(_ context.Context, rec model.TransferRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

func (c *capturedTransfers) Relabeled(_ context.Context, ev telemetry.RelabelEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.relabel = append(c.relabel, ev)
}

type harness struct {
	advisor   *Advisor
	repo      *store.Repository
	graph     *graph.GoalGraph
	engine    *bisim.Engine
	recluster *queuedRecluster
	events    *capturedTransfers
	metrics   *telemetry.Metrics
}

func newHarness(t *testing.T) harness {
	t.Helper()
	kv, err := store.NewSQLiteKV(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	repo := store.NewRepository(kv)

	gg, err := graph.NewGoalGraph(kv.DB())
	require.NoError(t, err)

	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	engine, err := bisim.NewEngine(repo, bisim.DefaultConfig(),
		bisim.WithDistanceStore(repo), bisim.WithSimilarity(gg), bisim.WithMetrics(metrics))
	require.NoError(t, err)

	events := &capturedTransfers{}
	ts, err := trajectory.NewStore(repo, engine, trajectory.DefaultConfig(),
		trajectory.WithLinker(gg), trajectory.WithEmitter(events))
	require.NoError(t, err)

	rq := &queuedRecluster{}
	adv, err := NewAdvisor(repo, engine, ts, DefaultConfig(),
		WithSimilarity(gg), WithLinkReinforcer(gg), WithReclusterer(rq),
		WithEmitter(events), WithMetrics(metrics))
	require.NoError(t, err)

	return harness{advisor: adv, repo: repo, graph: gg, engine: engine, recluster: rq, events: events, metrics: metrics}
}

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func (h harness) goal(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, h.repo.PutGoal(context.Background(), model.Goal{ID: id, CreatedAt: t0}))
}

func (h harness) state(t *testing.T, id, goal string, x float64) model.State {
	t.Helper()
	s := model.State{ID: id, GoalID: goal, Features: map[string]model.Feature{"x": model.Numeric(x)}, ObservedAt: t0}
	require.NoError(t, h.repo.PutState(context.Background(), s))
	return s
}

func (h harness) success(t *testing.T, id, goal string, synthetic bool, steps ...model.Step) {
	t.Helper()
	tr := model.Trajectory{ID: id, IntendedGoal: goal, AchievedGoal: goal, Synthetic: synthetic, Steps: steps, CreatedAt: t0}
	require.NoError(t, h.repo.PutTrajectory(context.Background(), tr))
}

// #endregion helpers

// #region test-confidence
func TestConfidenceMonotonicInDistance(t *testing.T) {
	cfg := DefaultConfig()
	for _, c := range []float64{0.5, 1, 3, 10} {
		prev := math.Inf(1)
		for _, d := range []float64{0, 0.01, 0.1, 0.5, 1, 2, 5, 50} {
			got := Confidence(d, c, cfg)
			assert.LessOrEqual(t, got, prev, "d=%v c=%v", d, c)
			prev = got
		}
	}
}

func TestConfidenceMonotonicInCorroboration(t *testing.T) {
	cfg := DefaultConfig()
	for _, d := range []float64{0, 0.3, 2} {
		prev := -1.0
		for _, c := range []float64{0, 0.5, 1, 1.5, 4, 100} {
			got := Confidence(d, c, cfg)
			assert.GreaterOrEqual(t, got, prev, "d=%v c=%v", d, c)
			prev = got
		}
	}
}

func TestConfidenceBounds(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 0.0, Confidence(0, 0, cfg))
	assert.Equal(t, 0.0, Confidence(math.Inf(1), 5, cfg))
	assert.Equal(t, 1.0, Confidence(0, math.Inf(1), cfg))
	assert.InDelta(t, 0.5, Confidence(0, 1, cfg), 1e-12)
	assert.InDelta(t, 0.25, Confidence(1, 1, cfg), 1e-12)
	assert.Equal(t, Confidence(0, 0, cfg), Confidence(-3, math.NaN(), cfg))
}

func TestCorroborationHalvesSynthetic(t *testing.T) {
	assert.Equal(t, 2.5, corroboration([]bool{false, true, false, true, true}, DefaultConfig()))
}

// #endregion test-confidence

// #region test-phases
func TestResultTransitions(t *testing.T) {
	var r Result
	require.Error(t, r.advance(PhaseResolved))
	require.NoError(t, r.advance(PhaseReceived))
	require.NoError(t, r.advance(PhaseAnalogiesSearched))
	require.Error(t, r.advance(PhaseResolved))
	require.NoError(t, r.advance(PhaseNoAnalogy))
	require.NoError(t, r.advance(PhaseResolved))
	require.Error(t, r.advance(PhasePolicyFound))
	assert.Equal(t, PhaseResolved, r.Final())
}

// #endregion test-phases

// #region test-decision

// A brand-new goal with no history and no related goals yields no
// recommendation and no error.
func TestDecisionNoHistory(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.goal(t, "fresh")
	cur := model.State{ID: "now", GoalID: "fresh", Features: map[string]model.Feature{"x": model.Numeric(1)}}

	res, err := h.advisor.GetPolicyGuidedDecision(ctx, cur, "fresh")
	require.NoError(t, err)
	assert.False(t, res.Found())
	assert.Nil(t, res.Recommendation)
	assert.Equal(t, []Phase{PhaseReceived, PhaseAnalogiesSearched, PhaseNoAnalogy, PhaseResolved}, res.Path)
	assert.NotEmpty(t, res.Reason)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DecisionsTotal.WithLabelValues(string(PhaseNoAnalogy))))
}

func TestDecisionUnknownGoal(t *testing.T) {
	h := newHarness(t)
	_, err := h.advisor.GetPolicyGuidedDecision(context.Background(), model.State{ID: "s", GoalID: "g"}, "missing")
	assert.ErrorIs(t, err, model.ErrUnknownGoal)
}

func TestDecisionAnalogiesWithoutTrajectories(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.goal(t, "g")
	h.state(t, "seen", "g", 1)
	cur := model.State{ID: "now", GoalID: "g", Features: map[string]model.Feature{"x": model.Numeric(1.1)}}

	res, err := h.advisor.GetPolicyGuidedDecision(ctx, cur, "g")
	require.NoError(t, err)
	assert.False(t, res.Found())
	assert.Equal(t, PhaseNoAnalogy, res.Path[2])
	assert.Contains(t, res.Reason, "none with a successful trajectory")
}

func TestDecisionPolicyFound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.goal(t, "g")
	h.state(t, "s-a", "g", 1.0)
	h.state(t, "s-b", "g", 1.05)
	h.state(t, "s-end", "g", 3.0)
	h.success(t, "real", "g", false,
		model.Step{StateID: "s-a", Action: "left", Reward: 0.2},
		model.Step{StateID: "s-end", Action: "right", Reward: 0.5})
	h.success(t, "virtual", "g", true,
		model.Step{StateID: "s-b", Action: "jump", Reward: 5})

	cur := model.State{ID: "now", GoalID: "g", Features: map[string]model.Feature{"x": model.Numeric(1.02)}, ObservedAt: t0}
	res, err := h.advisor.GetPolicyGuidedDecision(ctx, cur, "g")
	require.NoError(t, err)
	require.True(t, res.Found())
	assert.Equal(t, []Phase{PhaseReceived, PhaseAnalogiesSearched, PhasePolicyFound, PhaseResolved}, res.Path)

	rec := res.Recommendation
	assert.Equal(t, "s-a", rec.SourceStateID)
	assert.Equal(t, "g", rec.SourceGoalID)
	assert.Equal(t, "now", rec.TargetStateID)
	assert.Equal(t, "real", rec.TrajectoryID, "real trajectories outrank synthetic ones")
	assert.Equal(t, []string{"left", "right"}, rec.Actions)
	assert.InDelta(t, 0.9*0.02, rec.Distance, 1e-9)
	assert.Equal(t, 1.5, rec.Corroboration)
	assert.InDelta(t, Confidence(rec.Distance, 1.5, DefaultConfig()), rec.Confidence, 1e-12)

	stored, err := h.repo.GetRecommendation(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.TrajectoryID, stored.TrajectoryID)
}

func TestDecisionUsesRelatedGoal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.goal(t, "dock-a")
	h.goal(t, "dock-b")
	require.NoError(t, h.graph.AddLink(ctx, "dock-a", "dock-b", graph.LinkSimilar, 0.8))
	h.state(t, "a0", "dock-a", 2)
	h.state(t, "a1", "dock-a", 4)
	h.success(t, "ta", "dock-a", false,
		model.Step{StateID: "a0", Action: "approach"},
		model.Step{StateID: "a1", Action: "moor", Reward: 1})

	cur := model.State{ID: "b0", GoalID: "dock-b", Features: map[string]model.Feature{"x": model.Numeric(2)}, ObservedAt: t0}
	res, err := h.advisor.GetPolicyGuidedDecision(ctx, cur, "dock-b")
	require.NoError(t, err)
	require.True(t, res.Found())
	assert.Equal(t, "dock-a", res.Recommendation.SourceGoalID)
	assert.Equal(t, "dock-b", res.Recommendation.TargetGoalID)
	assert.Equal(t, []string{"approach", "moor"}, res.Recommendation.Actions)
}

// #endregion test-decision

// #region test-outcome
func TestRecordOutcomeSuccessWritesTransfer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.goal(t, "dock-a")
	h.goal(t, "dock-b")
	require.NoError(t, h.graph.AddLink(ctx, "dock-a", "dock-b", graph.LinkSimilar, 0.8))
	h.state(t, "a0", "dock-a", 2)
	h.success(t, "ta", "dock-a", false, model.Step{StateID: "a0", Action: "moor", Reward: 1})

	cur := h.state(t, "b0", "dock-b", 2)
	res, err := h.advisor.GetPolicyGuidedDecision(ctx, cur, "dock-b")
	require.NoError(t, err)
	require.True(t, res.Found())

	out, err := h.advisor.RecordOutcomeWithTrajectory(ctx, model.Trajectory{
		ID:               "tb",
		IntendedGoal:     "dock-b",
		RecommendationID: res.Recommendation.ID,
		Steps:            []model.Step{{StateID: "b0", Action: "moor", Reward: 1}},
	}, true)
	require.NoError(t, err)
	assert.Equal(t, "dock-b", out.Trajectory.AchievedGoal)
	require.NotNil(t, out.Transfer)
	assert.True(t, out.Transfer.Succeeded)
	assert.Equal(t, res.Recommendation.Confidence, out.Transfer.Confidence)
	assert.Equal(t, "tb", out.Transfer.TrajectoryID)

	records, err := h.repo.ListTransfers(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Len(t, h.events.records, 1)
	assert.Equal(t, records[0].ID, h.events.records[0].ID)

	links, err := h.graph.Neighbors(ctx, "dock-b", 0)
	require.NoError(t, err)
	var reinforced bool
	for _, l := range links {
		if l.Type == graph.LinkTransfer && l.TargetGoal == "dock-a" {
			reinforced = true
			assert.InDelta(t, DefaultConfig().LinkReinforce, l.Weight, 1e-9)
		}
	}
	assert.True(t, reinforced)
	assert.Equal(t, []string{"dock-b"}, h.recluster.goals)
}

func TestRecordOutcomeFailureRelabels(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	lo, hi := 9.0, 11.0
	require.NoError(t, h.repo.PutGoal(ctx, model.Goal{
		ID:       "reach",
		Criteria: []model.Criterion{{Feature: "x", Op: model.OpRange, Min: &lo, Max: &hi}},
	}))
	h.state(t, "start", "reach", 0)
	h.state(t, "stuck", "reach", 4)

	out, err := h.advisor.RecordOutcomeWithTrajectory(ctx, model.Trajectory{
		ID:           "fail-1",
		IntendedGoal: "reach",
		Steps: []model.Step{
			{StateID: "start", Action: "push"},
			{StateID: "stuck", Action: "push"},
		},
	}, false)
	require.NoError(t, err)
	assert.Nil(t, out.Transfer)
	assert.Equal(t, trajectory.HindsightGoalID("reach", "stuck"), out.Trajectory.AchievedGoal)
	require.Len(t, h.events.relabel, 1)
	assert.Equal(t, []string{"reach", out.Trajectory.AchievedGoal}, h.recluster.goals)

	sim, ok, err := h.graph.Similarity(ctx, "reach", out.Trajectory.AchievedGoal)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Greater(t, sim, 0.0)
}

func TestRecordOutcomeFailedTransfer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.goal(t, "g")
	h.state(t, "s0", "g", 1)
	h.state(t, "s1", "g", 1.01)
	h.success(t, "prior", "g", false, model.Step{StateID: "s0", Action: "go"})

	cur, err := h.repo.GetState(ctx, "s1")
	require.NoError(t, err)
	res, err := h.advisor.GetPolicyGuidedDecision(ctx, cur, "g")
	require.NoError(t, err)
	require.True(t, res.Found())

	out, err := h.advisor.RecordOutcomeWithTrajectory(ctx, model.Trajectory{
		IntendedGoal:     "g",
		RecommendationID: res.Recommendation.ID,
		Steps:            []model.Step{{StateID: "s1", Action: "go"}},
	}, false)
	require.NoError(t, err)
	require.NotNil(t, out.Transfer)
	assert.False(t, out.Transfer.Succeeded)
	assert.NotEmpty(t, out.Trajectory.AchievedGoal)
}

func TestRecordOutcomeTwiceKeepsOneTransfer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.goal(t, "g")
	h.state(t, "s0", "g", 1)
	h.state(t, "s1", "g", 1.01)
	h.success(t, "prior", "g", false, model.Step{StateID: "s0", Action: "go"})

	cur, err := h.repo.GetState(ctx, "s1")
	require.NoError(t, err)
	res, err := h.advisor.GetPolicyGuidedDecision(ctx, cur, "g")
	require.NoError(t, err)
	require.True(t, res.Found())

	episode := model.Trajectory{
		ID:               "again",
		IntendedGoal:     "g",
		RecommendationID: res.Recommendation.ID,
		Steps:            []model.Step{{StateID: "s1", Action: "go"}},
	}
	first, err := h.advisor.RecordOutcomeWithTrajectory(ctx, episode, true)
	require.NoError(t, err)
	require.NotNil(t, first.Transfer)
	second, err := h.advisor.RecordOutcomeWithTrajectory(ctx, episode, true)
	require.NoError(t, err)
	require.NotNil(t, second.Transfer)
	assert.Equal(t, first.Transfer.ID, second.Transfer.ID)

	records, err := h.repo.ListTransfers(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Len(t, h.events.records, 1)

	_, err = h.advisor.RecordOutcomeWithTrajectory(ctx, episode, false)
	require.ErrorIs(t, err, model.ErrConflict)

	achieved, err := h.repo.TrajectoriesByAchieved(ctx, "g")
	require.NoError(t, err)
	assert.Len(t, achieved, 2, "prior and again, each listed once")
}

func TestRecordOutcomeSuccessAfterRelabelIsRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.goal(t, "g")
	h.state(t, "s0", "g", 1)

	episode := model.Trajectory{ID: "t1", IntendedGoal: "g", Steps: []model.Step{{StateID: "s0", Action: "go"}}}
	failed, err := h.advisor.RecordOutcomeWithTrajectory(ctx, episode, false)
	require.NoError(t, err)
	hindsight := failed.Trajectory.AchievedGoal
	require.Equal(t, trajectory.HindsightGoalID("g", "s0"), hindsight)

	_, err = h.advisor.RecordOutcomeWithTrajectory(ctx, episode, true)
	require.ErrorIs(t, err, model.ErrConflict)

	stored, err := h.repo.GetTrajectory(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, hindsight, stored.AchievedGoal)

	underHindsight, err := h.repo.TrajectoriesByAchieved(ctx, hindsight)
	require.NoError(t, err)
	require.Len(t, underHindsight, 1)
	assert.Equal(t, hindsight, underHindsight[0].AchievedGoal)
	underIntended, err := h.repo.TrajectoriesByAchieved(ctx, "g")
	require.NoError(t, err)
	assert.Empty(t, underIntended)
}

func TestRecordOutcomeUnknownRecommendation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.goal(t, "g")
	h.state(t, "s0", "g", 1)

	out, err := h.advisor.RecordOutcomeWithTrajectory(ctx, model.Trajectory{
		IntendedGoal:     "g",
		RecommendationID: "gone",
		Steps:            []model.Step{{StateID: "s0"}},
	}, true)
	require.NoError(t, err)
	assert.Nil(t, out.Transfer)
	assert.Equal(t, "g", out.Trajectory.AchievedGoal)
}

func TestRecordOutcomeEmpty(t *testing.T) {
	h := newHarness(t)
	_, err := h.advisor.RecordOutcomeWithTrajectory(context.Background(), model.Trajectory{IntendedGoal: "g"}, false)
	assert.ErrorIs(t, err, model.ErrEmptyTrajectory)
}

// #endregion test-outcome

// #region test-calibrate
func TestCalibrate(t *testing.T) {
	now := t0.Add(24 * time.Hour)
	recs := []model.TransferRecord{
		{Confidence: 0.9, Succeeded: true, CreatedAt: now},
		{Confidence: 0.85, Succeeded: true, CreatedAt: now},
		{Confidence: 0.95, Succeeded: false, CreatedAt: now},
		{Confidence: 0.1, Succeeded: false, CreatedAt: now},
		{Confidence: 1.0, Succeeded: true, CreatedAt: now},
	}
	rep := Calibrate(recs, 2, 0, now)
	require.Len(t, rep.Bins, 2)
	assert.Equal(t, 5, rep.Records)

	low, high := rep.Bins[0], rep.Bins[1]
	assert.Equal(t, 1, low.Count)
	assert.False(t, low.Reliable)
	assert.Equal(t, 0.0, low.SuccessRate)

	assert.Equal(t, 4, high.Count)
	assert.True(t, high.Reliable)
	assert.InDelta(t, 0.75, high.SuccessRate, 1e-12)
	assert.InDelta(t, 0.925, high.MeanConfidence, 1e-12)

	wantBrier := (0.01 + 0.0225 + 0.9025 + 0.01 + 0) / 5
	assert.InDelta(t, wantBrier, rep.Brier, 1e-12)
}

func TestCalibrateDecayFavoursRecent(t *testing.T) {
	now := t0
	recs := []model.TransferRecord{
		{Confidence: 0.8, Succeeded: false, CreatedAt: now.Add(-60 * 24 * time.Hour)},
		{Confidence: 0.8, Succeeded: true, CreatedAt: now},
	}
	rep := Calibrate(recs, 1, 7*24*time.Hour, now)
	assert.Greater(t, rep.Bins[0].SuccessRate, 0.99)
}

func TestCalibrateEmpty(t *testing.T) {
	rep := Calibrate(nil, 0, time.Hour, t0)
	assert.Len(t, rep.Bins, 1)
	assert.Zero(t, rep.Brier)
}

// #endregion test-calibrate
