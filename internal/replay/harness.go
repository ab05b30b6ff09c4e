package replay

import (
	"context"
	"fmt"

	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/graph"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/model"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/transfer"
)

// #region types

// Target is the engine surface a fixture is applied to.
type Target interface {
	RecordGoal(ctx context.Context, g model.Goal) (model.Goal, error)
	RecordState(ctx context.Context, s model.State) (model.State, error)
	LinkGoals(ctx context.Context, a, b string, typ graph.LinkType, weight float64) error
	RecordOutcome(ctx context.Context, t model.Trajectory, success bool) (transfer.Outcome, error)
	Decide(ctx context.Context, current model.State, goalID string) (transfer.Result, error)
}

// Summary counts what Apply wrote.
type Summary struct {
	Goals     int
	Links     int
	States    int
	Episodes  int
	Relabeled int
	Transfers int
}

// DecisionResult is the outcome of replaying one fixture decision.
type DecisionResult struct {
	ID     string
	Action string // "policy_found" | "no_analogy"
	Reason string

	SourceState string
	Confidence  float64

	Expected string
	Matched  bool
}

// #endregion types

// #region apply

// Apply writes the fixture's goals, links, states and episodes to t in that
// order. Episodes go through the outcome path, so failures are relabeled and
// followed recommendations produce transfer records.
func Apply(ctx context.Context, t Target, f *Fixture) (Summary, error) {
	var s Summary
	for _, g := range f.Goals {
		if _, err := t.RecordGoal(ctx, g); err != nil {
			return s, fmt.Errorf("apply goal %s: %w", g.ID, err)
		}
		s.Goals++
	}
	for _, l := range f.Links {
		typ := l.Type
		if typ == "" {
			typ = graph.LinkSimilar
		}
		if err := t.LinkGoals(ctx, l.Source, l.Target, typ, l.Weight); err != nil {
			return s, fmt.Errorf("apply link %s-%s: %w", l.Source, l.Target, err)
		}
		s.Links++
	}
	for _, st := range f.States {
		if _, err := t.RecordState(ctx, st); err != nil {
			return s, fmt.Errorf("apply state %s: %w", st.ID, err)
		}
		s.States++
	}
	for _, ep := range f.Episodes {
		out, err := t.RecordOutcome(ctx, ep.Trajectory, ep.Success)
		if err != nil {
			return s, fmt.Errorf("apply episode %s: %w", ep.Trajectory.ID, err)
		}
		s.Episodes++
		if out.Trajectory.AchievedGoal != out.Trajectory.IntendedGoal {
			s.Relabeled++
		}
		if out.Transfer != nil {
			s.Transfers++
		}
	}
	return s, nil
}

// #endregion apply

// #region replay

// Replay runs every fixture decision against t and compares the outcome with
// the expectation. Decisions are read-only apart from the persisted
// recommendation.
func Replay(ctx context.Context, t Target, decisions []FixtureDecision) ([]DecisionResult, error) {
	results := make([]DecisionResult, 0, len(decisions))
	for _, d := range decisions {
		res, err := t.Decide(ctx, d.State, d.Goal)
		if err != nil {
			return results, fmt.Errorf("decision %s: %w", d.ID, err)
		}
		r := DecisionResult{
			ID:       d.ID,
			Action:   string(transfer.PhaseNoAnalogy),
			Reason:   res.Reason,
			Expected: d.Expect,
		}
		if res.Found() {
			r.Action = string(transfer.PhasePolicyFound)
			r.SourceState = res.Recommendation.SourceStateID
			r.Confidence = res.Recommendation.Confidence
		}
		r.Matched = r.Action == d.Expect && (d.ExpectSource == "" || d.ExpectSource == r.SourceState)
		results = append(results, r)
	}
	return results, nil
}

// Mismatches returns the results that did not meet their expectation.
func Mismatches(results []DecisionResult) []DecisionResult {
	var out []DecisionResult
	for _, r := range results {
		if !r.Matched {
			out = append(out, r)
		}
	}
	return out
}

// #endregion replay
