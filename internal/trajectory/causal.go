package trajectory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/model"
)

// Factor is a feature whose presence separates successes from failures.
// The score is contrastive presence, not a causal estimate.
type Factor struct {
	ID          string  `json:"id"`
	Score       float64 `json:"score"`
	SuccessRate float64 `json:"success_rate"`
	ControlRate float64 `json:"control_rate"`
}

// #region extract

// ExtractCausalFactors ranks the factors present in trajectories that
// achieved goalID against a control set of trajectories that intended goalID
// but achieved something else. score = successRate - controlRate; factors
// below NecessityThreshold are dropped. Synthetic trajectories count at
// SyntheticWeight and never on their own: without a real success the result
// is empty.
func (s *Store) ExtractCausalFactors(ctx context.Context, trajectories []model.Trajectory, goalID string) ([]Factor, error) {
	var successes, controls []model.Trajectory
	realSuccess := 0
	for _, t := range trajectories {
		switch {
		case t.AchievedGoal == goalID:
			successes = append(successes, t)
			if !t.Synthetic {
				realSuccess++
			}
		case t.IntendedGoal == goalID && t.AchievedGoal != "":
			controls = append(controls, t)
		}
	}
	if realSuccess == 0 {
		return []Factor{}, nil
	}

	states := make(map[string]model.State)
	successRate, err := s.presenceRates(ctx, successes, states)
	if err != nil {
		return nil, fmt.Errorf("extract causal factors %s: %w", goalID, err)
	}
	controlRate, err := s.presenceRates(ctx, controls, states)
	if err != nil {
		return nil, fmt.Errorf("extract causal factors %s: %w", goalID, err)
	}

	out := make([]Factor, 0, len(successRate))
	for id, sr := range successRate {
		cr := controlRate[id]
		score := sr - cr
		if score <= 0 || score < s.cfg.NecessityThreshold {
			continue
		}
		out = append(out, Factor{ID: id, Score: score, SuccessRate: sr, ControlRate: cr})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CausalFactorsForGoal gathers the goal's successes and controls from the
// store and ranks their factors.
func (s *Store) CausalFactorsForGoal(ctx context.Context, goalID string) ([]Factor, error) {
	if _, err := s.repo.GetGoal(ctx, goalID); err != nil {
		return nil, fmt.Errorf("causal factors: %w", err)
	}
	achieved, err := s.repo.TrajectoriesByAchieved(ctx, goalID)
	if err != nil {
		return nil, fmt.Errorf("causal factors %s: %w", goalID, err)
	}
	intended, err := s.repo.TrajectoriesByIntended(ctx, goalID)
	if err != nil {
		return nil, fmt.Errorf("causal factors %s: %w", goalID, err)
	}

	seen := make(map[string]bool, len(achieved)+len(intended))
	all := make([]model.Trajectory, 0, len(achieved)+len(intended))
	for _, t := range append(achieved, intended...) {
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		all = append(all, t)
	}
	return s.ExtractCausalFactors(ctx, all, goalID)
}

// #endregion extract

// #region presence

// presenceRates returns, per factor, the weighted fraction of trajectories in
// which it appears in at least one state.
func (s *Store) presenceRates(ctx context.Context, ts []model.Trajectory, cache map[string]model.State) (map[string]float64, error) {
	rates := make(map[string]float64)
	var total float64
	for _, t := range ts {
		w := 1.0
		if t.Synthetic {
			w = s.cfg.SyntheticWeight
		}
		total += w

		present := make(map[string]bool)
		for _, step := range t.Steps {
			st, ok := cache[step.StateID]
			if !ok {
				var err error
				st, err = s.repo.GetState(ctx, step.StateID)
				if err != nil {
					return nil, err
				}
				cache[step.StateID] = st
			}
			for name, f := range st.Features {
				if id, ok := factorID(name, f); ok {
					present[id] = true
				}
			}
		}
		for id := range present {
			rates[id] += w
		}
	}
	if total == 0 {
		return rates, nil
	}
	for id := range rates {
		rates[id] /= total
	}
	return rates, nil
}

// factorID names the factor a feature contributes, if any. Numeric features
// are present when non-zero, categorical features contribute name=value, and
// text features are present when non-blank.
func factorID(name string, f model.Feature) (string, bool) {
	switch f.Kind {
	case model.KindNumeric:
		return name, f.Num != 0
	case model.KindCategorical:
		if f.Str == "" {
			return "", false
		}
		return name + "=" + f.Str, true
	case model.KindText:
		return name, strings.TrimSpace(f.Str) != ""
	}
	return "", false
}

// #endregion presence
