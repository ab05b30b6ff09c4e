package trajectory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/model"
)

// ErrEnoughRealData is returned when a goal already has MinRealTrajectories
// real successes and needs no virtual experience.
var ErrEnoughRealData = errors.New("goal has enough real trajectories")

// PredictedStep is one step of a reference-model rollout.
type PredictedStep struct {
	State  model.State
	Action string
	Reward float64
}

// ReferenceModel predicts how an episode toward a goal could unfold.
type ReferenceModel interface {
	Rollout(ctx context.Context, goal model.Goal, maxSteps int) ([]PredictedStep, error)
}

// #region virtual

// GenerateVirtualExperience asks ref for a rollout toward goalID and stores it
// as a synthetic trajectory that achieved the goal. Predicted states are
// recorded under the goal's context; states without an id get a fresh one.
func (s *Store) GenerateVirtualExperience(ctx context.Context, goalID string, ref ReferenceModel) (model.Trajectory, error) {
	goal, err := s.repo.GetGoal(ctx, goalID)
	if err != nil {
		return model.Trajectory{}, fmt.Errorf("virtual experience: %w", err)
	}
	n, err := s.RealSuccesses(ctx, goalID)
	if err != nil {
		return model.Trajectory{}, fmt.Errorf("virtual experience %s: %w", goalID, err)
	}
	if n >= s.cfg.MinRealTrajectories {
		return model.Trajectory{}, fmt.Errorf("virtual experience %s (%d real): %w", goalID, n, ErrEnoughRealData)
	}

	predicted, err := ref.Rollout(ctx, goal, s.cfg.VirtualSteps)
	if err != nil {
		return model.Trajectory{}, fmt.Errorf("virtual experience %s: rollout: %w", goalID, err)
	}
	if len(predicted) > s.cfg.VirtualSteps {
		predicted = predicted[:s.cfg.VirtualSteps]
	}
	if len(predicted) == 0 {
		return model.Trajectory{}, model.EmptyTrajectory("virtual experience "+goalID, "")
	}

	unlock := s.locks.lock(goalID)
	defer unlock()

	// Real successes may have been recorded while the rollout ran.
	if n, err = s.RealSuccesses(ctx, goalID); err != nil {
		return model.Trajectory{}, fmt.Errorf("virtual experience %s: %w", goalID, err)
	}
	if n >= s.cfg.MinRealTrajectories {
		return model.Trajectory{}, fmt.Errorf("virtual experience %s (%d real): %w", goalID, n, ErrEnoughRealData)
	}

	now := time.Now().UTC()
	steps := make([]model.Step, 0, len(predicted))
	for _, p := range predicted {
		st := p.State
		if st.ID == "" {
			st.ID = "virtual-" + uuid.New().String()
		}
		st.GoalID = goal.ID
		if st.ObservedAt.IsZero() {
			st.ObservedAt = now
		}
		st.TrimActions()
		if err := model.ValidateState(st); err != nil {
			return model.Trajectory{}, fmt.Errorf("virtual experience %s: %w", goalID, err)
		}
		if err := s.repo.PutState(ctx, st); err != nil {
			return model.Trajectory{}, fmt.Errorf("virtual experience %s: %w", goalID, err)
		}
		steps = append(steps, model.Step{StateID: st.ID, Action: p.Action, Reward: p.Reward})
	}

	t := model.Trajectory{
		ID:           uuid.New().String(),
		Steps:        steps,
		IntendedGoal: goal.ID,
		AchievedGoal: goal.ID,
		Synthetic:    true,
		CreatedAt:    now,
	}
	if err := s.repo.PutTrajectory(ctx, t); err != nil {
		return model.Trajectory{}, fmt.Errorf("virtual experience %s: %w", goalID, err)
	}
	s.logger.Info("virtual experience generated", "goal", goalID, "trajectory", t.ID, "steps", len(steps), "real", n)
	return t, nil
}

// RealSuccesses counts non-synthetic trajectories that achieved goalID.
func (s *Store) RealSuccesses(ctx context.Context, goalID string) (int, error) {
	ts, err := s.repo.TrajectoriesByAchieved(ctx, goalID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range ts {
		if !t.Synthetic {
			n++
		}
	}
	return n, nil
}

// #endregion virtual
