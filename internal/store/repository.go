package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/model"
)

// #region keys
const (
	prefixState          = "state/"
	prefixGoalStateIdx   = "idx/goal-state/"
	prefixGoal           = "goal/"
	prefixTrajectory     = "traj/"
	prefixIntendedIdx    = "idx/intended/"
	prefixAchievedIdx    = "idx/achieved/"
	prefixClass          = "class/"
	prefixDistance       = "dist/"
	prefixRecommendation = "rec/"
	prefixTransfer       = "transfer/"
	prefixTransferIdx    = "idx/transfer/"
)

var indexMarker = []byte("1")

// distanceKey is canonical in the pair order. The first id is length
// prefixed so ids containing the separator cannot collide.
func distanceKey(goalID, a, b string) string {
	if b < a {
		a, b = b, a
	}
	return prefixDistance + goalID + "/" + strconv.Itoa(len(a)) + ":" + a + "|" + b
}

// #endregion keys

// #region repository

// Repository stores typed engine records as JSON on a KV backend.
type Repository struct {
	kv KV
}

// NewRepository wraps kv.
func NewRepository(kv KV) *Repository {
	return &Repository{kv: kv}
}

// KV returns the backend.
func (r *Repository) KV() KV { return r.kv }

func (r *Repository) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return r.kv.Put(ctx, key, data)
}

func (r *Repository) getJSON(ctx context.Context, key string, v any) error {
	data, err := r.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// indexIDs returns the last key segment of every key under prefix.
func (r *Repository) indexIDs(ctx context.Context, prefix string) ([]string, error) {
	var ids []string
	err := r.kv.Scan(ctx, prefix, func(key string, _ []byte) error {
		ids = append(ids, strings.TrimPrefix(key, prefix))
		return nil
	})
	return ids, err
}

// #endregion repository

// #region states

// PutState records a state. States are immutable: re-recording an identical
// state is a no-op, a different one under the same id is rejected.
func (r *Repository) PutState(ctx context.Context, s model.State) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", s.ID, err)
	}
	existing, err := r.kv.Get(ctx, prefixState+s.ID)
	switch {
	case err == nil:
		if bytes.Equal(existing, data) {
			return nil
		}
		return fmt.Errorf("state %s already recorded with different content", s.ID)
	case !errors.Is(err, ErrNotFound):
		return err
	}
	if err := r.kv.Put(ctx, prefixState+s.ID, data); err != nil {
		return err
	}
	return r.kv.Put(ctx, prefixGoalStateIdx+s.GoalID+"/"+s.ID, indexMarker)
}

// GetState loads a state or returns UnknownState.
func (r *Repository) GetState(ctx context.Context, id string) (model.State, error) {
	var s model.State
	err := r.getJSON(ctx, prefixState+id, &s)
	if errors.Is(err, ErrNotFound) {
		return model.State{}, model.UnknownState("get state", id)
	}
	return s, err
}

// StatesByGoal lists every state recorded under a goal context, ordered by id.
func (r *Repository) StatesByGoal(ctx context.Context, goalID string) ([]model.State, error) {
	ids, err := r.indexIDs(ctx, prefixGoalStateIdx+goalID+"/")
	if err != nil {
		return nil, fmt.Errorf("states by goal %s: %w", goalID, err)
	}
	out := make([]model.State, 0, len(ids))
	for _, id := range ids {
		s, err := r.GetState(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// #endregion states

// #region goals

// PutGoal records a goal. Goals are append-only.
func (r *Repository) PutGoal(ctx context.Context, g model.Goal) error {
	_, err := r.kv.Get(ctx, prefixGoal+g.ID)
	if err == nil {
		return fmt.Errorf("goal %s already exists; revise it as a new goal", g.ID)
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	return r.putJSON(ctx, prefixGoal+g.ID, g)
}

// GetGoal loads a goal or returns UnknownGoal.
func (r *Repository) GetGoal(ctx context.Context, id string) (model.Goal, error) {
	var g model.Goal
	err := r.getJSON(ctx, prefixGoal+id, &g)
	if errors.Is(err, ErrNotFound) {
		return model.Goal{}, model.UnknownGoal("get goal", id)
	}
	return g, err
}

// ListGoals returns every goal ordered by id.
func (r *Repository) ListGoals(ctx context.Context) ([]model.Goal, error) {
	var goals []model.Goal
	err := r.kv.Scan(ctx, prefixGoal, func(key string, value []byte) error {
		var g model.Goal
		if err := json.Unmarshal(value, &g); err != nil {
			return fmt.Errorf("unmarshal %s: %w", key, err)
		}
		goals = append(goals, g)
		return nil
	})
	return goals, err
}

// #endregion goals

// #region trajectories

// PutTrajectory stores a new trajectory and its goal indexes. Re-putting an
// identical trajectory is a no-op; a different one under the same id is a
// conflict. The achieved goal of a stored trajectory changes only through
// SetAchievedGoal.
func (r *Repository) PutTrajectory(ctx context.Context, t model.Trajectory) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trajectory %s: %w", t.ID, err)
	}
	existing, err := r.kv.Get(ctx, prefixTrajectory+t.ID)
	switch {
	case err == nil:
		if bytes.Equal(existing, data) {
			return nil
		}
		return model.Conflict("put trajectory", t.ID, errors.New("already recorded with different content"))
	case !errors.Is(err, ErrNotFound):
		return err
	}
	return r.writeTrajectory(ctx, t)
}

func (r *Repository) writeTrajectory(ctx context.Context, t model.Trajectory) error {
	if err := r.putJSON(ctx, prefixTrajectory+t.ID, t); err != nil {
		return err
	}
	if err := r.kv.Put(ctx, prefixIntendedIdx+t.IntendedGoal+"/"+t.ID, indexMarker); err != nil {
		return err
	}
	if t.AchievedGoal != "" {
		return r.kv.Put(ctx, prefixAchievedIdx+t.AchievedGoal+"/"+t.ID, indexMarker)
	}
	return nil
}

// GetTrajectory loads a trajectory.
func (r *Repository) GetTrajectory(ctx context.Context, id string) (model.Trajectory, error) {
	var t model.Trajectory
	if err := r.getJSON(ctx, prefixTrajectory+id, &t); err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.Trajectory{}, fmt.Errorf("trajectory %s: %w", id, err)
		}
		return model.Trajectory{}, err
	}
	return t, nil
}

// SetAchievedGoal fills in the achieved goal. It may be set once; setting the
// same value again is a no-op.
func (r *Repository) SetAchievedGoal(ctx context.Context, trajectoryID, goalID string) (model.Trajectory, error) {
	t, err := r.GetTrajectory(ctx, trajectoryID)
	if err != nil {
		return model.Trajectory{}, err
	}
	if t.AchievedGoal == goalID {
		return t, nil
	}
	if t.AchievedGoal != "" {
		return model.Trajectory{}, model.Conflict("set achieved goal", trajectoryID,
			fmt.Errorf("already achieved %s, refusing %s", t.AchievedGoal, goalID))
	}
	t.AchievedGoal = goalID
	if err := r.writeTrajectory(ctx, t); err != nil {
		return model.Trajectory{}, err
	}
	return t, nil
}

// TrajectoriesByIntended lists trajectories that aimed at goalID.
func (r *Repository) TrajectoriesByIntended(ctx context.Context, goalID string) ([]model.Trajectory, error) {
	return r.trajectoriesByIndex(ctx, prefixIntendedIdx+goalID+"/")
}

// TrajectoriesByAchieved lists trajectories that reached goalID.
func (r *Repository) TrajectoriesByAchieved(ctx context.Context, goalID string) ([]model.Trajectory, error) {
	return r.trajectoriesByIndex(ctx, prefixAchievedIdx+goalID+"/")
}

func (r *Repository) trajectoriesByIndex(ctx context.Context, prefix string) ([]model.Trajectory, error) {
	ids, err := r.indexIDs(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("trajectory index %s: %w", prefix, err)
	}
	out := make([]model.Trajectory, 0, len(ids))
	for _, id := range ids {
		t, err := r.GetTrajectory(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// #endregion trajectories

// #region classes

// ReplaceClasses swaps the stored classes of a goal wholesale.
func (r *Repository) ReplaceClasses(ctx context.Context, goalID string, classes []model.EquivalenceClass) error {
	prefix := prefixClass + goalID + "/"
	var stale []string
	if err := r.kv.Scan(ctx, prefix, func(key string, _ []byte) error {
		stale = append(stale, key)
		return nil
	}); err != nil {
		return fmt.Errorf("scan classes %s: %w", goalID, err)
	}
	for _, key := range stale {
		if err := r.kv.Delete(ctx, key); err != nil {
			return err
		}
	}
	for _, c := range classes {
		if err := r.putJSON(ctx, prefix+c.ID, c); err != nil {
			return err
		}
	}
	return nil
}

// Classes returns the stored classes of a goal ordered by id.
func (r *Repository) Classes(ctx context.Context, goalID string) ([]model.EquivalenceClass, error) {
	var out []model.EquivalenceClass
	err := r.kv.Scan(ctx, prefixClass+goalID+"/", func(key string, value []byte) error {
		var c model.EquivalenceClass
		if err := json.Unmarshal(value, &c); err != nil {
			return fmt.Errorf("unmarshal %s: %w", key, err)
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

// #endregion classes

// #region distances

// PutDistance persists a cached distance.
func (r *Repository) PutDistance(ctx context.Context, rec model.DistanceRecord) error {
	if rec.StateB < rec.StateA {
		rec.StateA, rec.StateB = rec.StateB, rec.StateA
	}
	return r.putJSON(ctx, distanceKey(rec.GoalID, rec.StateA, rec.StateB), rec)
}

// GetDistance returns a persisted distance if present.
func (r *Repository) GetDistance(ctx context.Context, goalID, a, b string) (model.DistanceRecord, bool, error) {
	var rec model.DistanceRecord
	err := r.getJSON(ctx, distanceKey(goalID, a, b), &rec)
	if errors.Is(err, ErrNotFound) {
		return model.DistanceRecord{}, false, nil
	}
	if err != nil {
		return model.DistanceRecord{}, false, err
	}
	return rec, true, nil
}

// DeleteDistances drops every persisted distance under a goal.
func (r *Repository) DeleteDistances(ctx context.Context, goalID string) (int, error) {
	var keys []string
	if err := r.kv.Scan(ctx, prefixDistance+goalID+"/", func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	}); err != nil {
		return 0, fmt.Errorf("scan distances %s: %w", goalID, err)
	}
	for _, key := range keys {
		if err := r.kv.Delete(ctx, key); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

// #endregion distances

// #region transfers

// PutRecommendation stores a recommendation for later outcome matching.
func (r *Repository) PutRecommendation(ctx context.Context, rec model.Recommendation) error {
	return r.putJSON(ctx, prefixRecommendation+rec.ID, rec)
}

// GetRecommendation loads a recommendation.
func (r *Repository) GetRecommendation(ctx context.Context, id string) (model.Recommendation, error) {
	var rec model.Recommendation
	if err := r.getJSON(ctx, prefixRecommendation+id, &rec); err != nil {
		return model.Recommendation{}, fmt.Errorf("recommendation %s: %w", id, err)
	}
	return rec, nil
}

// PutTransfer appends a transfer record. A trajectory has at most one: a
// second record for the same trajectory is a conflict.
func (r *Repository) PutTransfer(ctx context.Context, tr model.TransferRecord) error {
	if tr.TrajectoryID != "" {
		_, err := r.kv.Get(ctx, prefixTransferIdx+tr.TrajectoryID)
		switch {
		case err == nil:
			return model.Conflict("put transfer", tr.TrajectoryID, errors.New("transfer already recorded"))
		case !errors.Is(err, ErrNotFound):
			return err
		}
	}
	if err := r.putJSON(ctx, prefixTransfer+tr.ID, tr); err != nil {
		return err
	}
	if tr.TrajectoryID == "" {
		return nil
	}
	return r.kv.Put(ctx, prefixTransferIdx+tr.TrajectoryID, []byte(tr.ID))
}

// TransferForTrajectory returns the transfer record written for a trajectory,
// or ErrNotFound.
func (r *Repository) TransferForTrajectory(ctx context.Context, trajectoryID string) (model.TransferRecord, error) {
	id, err := r.kv.Get(ctx, prefixTransferIdx+trajectoryID)
	if err != nil {
		return model.TransferRecord{}, fmt.Errorf("transfer for trajectory %s: %w", trajectoryID, err)
	}
	var tr model.TransferRecord
	if err := r.getJSON(ctx, prefixTransfer+string(id), &tr); err != nil {
		return model.TransferRecord{}, fmt.Errorf("transfer %s: %w", id, err)
	}
	return tr, nil
}

// ListTransfers returns all transfer records ordered by creation time.
func (r *Repository) ListTransfers(ctx context.Context) ([]model.TransferRecord, error) {
	var out []model.TransferRecord
	err := r.kv.Scan(ctx, prefixTransfer, func(key string, value []byte) error {
		var tr model.TransferRecord
		if err := json.Unmarshal(value, &tr); err != nil {
			return fmt.Errorf("unmarshal %s: %w", key, err)
		}
		out = append(out, tr)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// #endregion transfers
