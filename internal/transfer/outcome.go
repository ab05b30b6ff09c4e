package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/graph"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/model"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/store"
)

// Outcome is what RecordOutcomeWithTrajectory persisted.
type Outcome struct {
	Trajectory model.Trajectory
	// Transfer is set when the trajectory followed a recommendation.
	Transfer *model.TransferRecord
}

// RecordOutcomeWithTrajectory stores an episode's result. A success is
// recorded as achieving its intended goal; a failure is recorded and then
// relabeled in hindsight. Episodes that followed a recommendation produce a
// TransferRecord. The goals involved are queued for re-clustering.
func (a *Advisor) RecordOutcomeWithTrajectory(ctx context.Context, t model.Trajectory, success bool) (Outcome, error) {
	if len(t.Steps) == 0 {
		return Outcome{}, model.EmptyTrajectory("record outcome", t.ID)
	}

	var (
		stored model.Trajectory
		err    error
	)
	if success {
		if t.AchievedGoal == "" {
			t.AchievedGoal = t.IntendedGoal
		}
		stored, err = a.trajectories.Record(ctx, t)
	} else {
		stored, err = a.trajectories.HindsightRelabel(ctx, t)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("record outcome: %w", err)
	}
	out := Outcome{Trajectory: stored}

	if stored.RecommendationID != "" {
		tr, err := a.recordTransfer(ctx, stored, success)
		if err != nil {
			return out, err
		}
		out.Transfer = tr
	}

	if a.recluster != nil {
		a.recluster.ReclusterAsync(stored.IntendedGoal)
		if stored.AchievedGoal != "" && stored.AchievedGoal != stored.IntendedGoal {
			a.recluster.ReclusterAsync(stored.AchievedGoal)
		}
	}
	return out, nil
}

// recordTransfer writes the transfer record for t. An outcome reported again
// for the same trajectory returns the record already written.
func (a *Advisor) recordTransfer(ctx context.Context, t model.Trajectory, success bool) (*model.TransferRecord, error) {
	existing, err := a.repo.TransferForTrajectory(ctx, t.ID)
	switch {
	case err == nil:
		if existing.Succeeded != success {
			return nil, model.Conflict("record outcome", t.ID,
				fmt.Errorf("transfer already recorded with succeeded=%t", existing.Succeeded))
		}
		return &existing, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("record outcome: load transfer: %w", err)
	}

	rec, err := a.repo.GetRecommendation(ctx, t.RecommendationID)
	if errors.Is(err, store.ErrNotFound) {
		a.logger.Warn("outcome references unknown recommendation",
			"trajectory", t.ID, "recommendation", t.RecommendationID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("record outcome: load recommendation: %w", err)
	}

	tr := model.TransferRecord{
		ID:               uuid.New().String(),
		RecommendationID: rec.ID,
		SourceStateID:    rec.SourceStateID,
		SourceGoalID:     rec.SourceGoalID,
		TargetStateID:    rec.TargetStateID,
		TargetGoalID:     rec.TargetGoalID,
		TrajectoryID:     t.ID,
		Distance:         rec.Distance,
		Confidence:       rec.Confidence,
		Succeeded:        success,
		CreatedAt:        a.now(),
	}
	if err := a.repo.PutTransfer(ctx, tr); err != nil {
		return nil, fmt.Errorf("record outcome: persist transfer: %w", err)
	}
	a.emitter.TransferRecorded(ctx, tr)

	if success && a.links != nil && rec.SourceGoalID != rec.TargetGoalID && a.cfg.LinkReinforce > 0 {
		if err := a.links.IncrementLink(ctx, rec.SourceGoalID, rec.TargetGoalID, graph.LinkTransfer, a.cfg.LinkReinforce); err != nil {
			a.logger.Warn("reinforce goal link failed", "from", rec.SourceGoalID, "to", rec.TargetGoalID, "error", err)
		}
	}
	return &tr, nil
}
