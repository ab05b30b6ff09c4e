package trajectory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/graph"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/model"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/telemetry"
)

// hindsightNamespace scopes synthesized goal ids so the same (intended goal,
// terminal state) pair always yields the same id.
var hindsightNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("transfer-engine/hindsight-goal"))

// #region relabel

// HindsightRelabel decides which goal a trajectory actually achieved and
// persists that decision. A terminal state that satisfies the intended goal,
// or lies within RelabelThreshold of the goal's defining state, keeps the
// intended goal. Otherwise a goal defined by the terminal state is
// synthesized (or reused) and set as the achieved goal.
//
// The returned trajectory always has AchievedGoal set. A trajectory that
// already carries an achieved goal is returned unchanged.
func (s *Store) HindsightRelabel(ctx context.Context, t model.Trajectory) (model.Trajectory, error) {
	if len(t.Steps) == 0 {
		return model.Trajectory{}, model.EmptyTrajectory("hindsight relabel", t.ID)
	}
	unlock := s.locks.lock(t.IntendedGoal)
	defer unlock()

	stored, err := s.recordLocked(ctx, t)
	if err != nil {
		return model.Trajectory{}, fmt.Errorf("hindsight relabel: %w", err)
	}
	return s.relabelLocked(ctx, stored)
}

func (s *Store) relabelLocked(ctx context.Context, t model.Trajectory) (model.Trajectory, error) {
	if t.AchievedGoal != "" {
		return t, nil
	}
	intended, err := s.repo.GetGoal(ctx, t.IntendedGoal)
	if err != nil {
		return model.Trajectory{}, fmt.Errorf("hindsight relabel %s: %w", t.ID, err)
	}
	terminal, err := s.repo.GetState(ctx, t.Terminal())
	if err != nil {
		return model.Trajectory{}, fmt.Errorf("hindsight relabel %s: %w", t.ID, err)
	}

	ev := telemetry.RelabelEvent{
		TrajectoryID:  t.ID,
		IntendedGoal:  intended.ID,
		TerminalState: terminal.ID,
	}

	achieved := ""
	switch {
	case intended.Satisfied(terminal):
		achieved = intended.ID
		ev.Kind = telemetry.RelabelIntended
	case intended.DefiningStateID != "":
		d, known, err := s.distanceToDefining(ctx, terminal, intended)
		if err != nil {
			return model.Trajectory{}, fmt.Errorf("hindsight relabel %s: %w", t.ID, err)
		}
		ev.Distance, ev.DistanceKnown = d, known
		if known && d < s.cfg.RelabelThreshold {
			achieved = intended.ID
			ev.Kind = telemetry.RelabelIntended
		}
	}

	if achieved == "" {
		g, reused, err := s.hindsightGoal(ctx, intended, terminal, ev.Distance, ev.DistanceKnown)
		if err != nil {
			return model.Trajectory{}, fmt.Errorf("hindsight relabel %s: %w", t.ID, err)
		}
		achieved = g.ID
		ev.Kind = telemetry.RelabelSynthesized
		if reused {
			ev.Kind = telemetry.RelabelExisting
		}
	}

	out, err := s.repo.SetAchievedGoal(ctx, t.ID, achieved)
	if err != nil {
		return model.Trajectory{}, fmt.Errorf("hindsight relabel %s: %w", t.ID, err)
	}
	ev.AchievedGoal = achieved
	s.emitter.Relabeled(ctx, ev)
	return out, nil
}

// distanceToDefining measures terminal against the intended goal's defining
// state. known is false when the two states share no comparable schema.
func (s *Store) distanceToDefining(ctx context.Context, terminal model.State, goal model.Goal) (float64, bool, error) {
	defining, err := s.repo.GetState(ctx, goal.DefiningStateID)
	if err != nil {
		return 0, false, err
	}
	d, err := s.distance.ComputeDistance(ctx, terminal, defining, goal.ID)
	if errors.Is(err, model.ErrSchemaMismatch) {
		s.logger.Debug("terminal state not comparable to defining state",
			"goal", goal.ID, "terminal", terminal.ID, "defining", defining.ID)
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return d, true, nil
}

// #endregion relabel

// #region synthesize

// HindsightGoalID is the deterministic id of the goal synthesized when a
// trajectory toward intendedGoal ends in terminalState.
func HindsightGoalID(intendedGoal, terminalState string) string {
	return "hs-" + uuid.NewSHA1(hindsightNamespace, []byte(intendedGoal+"|"+terminalState)).String()
}

// hindsightGoal returns the goal defined by terminal, creating it on first
// use. reused reports whether it already existed.
func (s *Store) hindsightGoal(ctx context.Context, intended model.Goal, terminal model.State, d float64, known bool) (model.Goal, bool, error) {
	id := HindsightGoalID(intended.ID, terminal.ID)
	existing, err := s.repo.GetGoal(ctx, id)
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, model.ErrUnknownGoal) {
		return model.Goal{}, false, err
	}

	g := model.Goal{
		ID:              id,
		Description:     fmt.Sprintf("reach %s (hindsight of %s)", terminal.ID, intended.ID),
		Criteria:        s.criteriaFor(terminal),
		Preconditions:   append([]string(nil), intended.Preconditions...),
		DerivedFrom:     intended.ID,
		DefiningStateID: terminal.ID,
		Hindsight:       true,
		CreatedAt:       time.Now().UTC(),
	}
	if err := model.ValidateGoal(g); err != nil {
		return model.Goal{}, false, err
	}
	if err := s.repo.PutGoal(ctx, g); err != nil {
		return model.Goal{}, false, err
	}

	if s.links != nil {
		w := 0.5
		if known {
			w = 1 / (1 + d)
		}
		if err := s.links.AddLink(ctx, intended.ID, g.ID, graph.LinkHindsight, w); err != nil {
			s.logger.Warn("hindsight link failed", "from", intended.ID, "to", g.ID, "error", err)
		}
	}
	s.logger.Info("hindsight goal synthesized", "goal", g.ID, "from", intended.ID, "defining_state", terminal.ID)
	return g, false, nil
}

// criteriaFor turns a state's features into goal criteria: equality for
// categorical and text features, a tolerance band for numeric ones.
func (s *Store) criteriaFor(st model.State) []model.Criterion {
	names := make([]string, 0, len(st.Features))
	for name := range st.Features {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]model.Criterion, 0, len(names))
	for _, name := range names {
		f := st.Features[name]
		if f.Kind == model.KindNumeric {
			band := s.cfg.NumericTolerance * math.Max(1, math.Abs(f.Num))
			lo, hi := f.Num-band, f.Num+band
			out = append(out, model.Criterion{Feature: name, Op: model.OpRange, Min: &lo, Max: &hi})
			continue
		}
		exp := f
		out = append(out, model.Criterion{Feature: name, Op: model.OpEq, Expected: &exp})
	}
	return out
}

// #endregion synthesize
