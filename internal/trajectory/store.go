package trajectory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/graph"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/model"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/store"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/telemetry"
)

// #region config

// Config tunes relabeling, factor extraction and virtual experience.
type Config struct {
	// RelabelThreshold is the distance to the goal's defining state under
	// which a terminal state still counts as reaching the intended goal.
	RelabelThreshold float64 `yaml:"relabel_threshold" validate:"gt=0"`

	// NecessityThreshold is the minimum contrastive score a factor needs.
	NecessityThreshold float64 `yaml:"necessity_threshold" validate:"gte=0,lte=1"`

	// MinRealTrajectories below this count a goal may receive virtual experience.
	MinRealTrajectories int `yaml:"min_real_trajectories" validate:"gte=1"`

	// VirtualSteps bounds a reference-model rollout.
	VirtualSteps int `yaml:"virtual_steps" validate:"gte=1"`

	// SyntheticWeight is the evidence weight of a synthetic trajectory.
	SyntheticWeight float64 `yaml:"synthetic_weight" validate:"gte=0,lte=1"`

	// NumericTolerance widens numeric criteria of synthesized goals, relative
	// to max(1, |value|).
	NumericTolerance float64 `yaml:"numeric_tolerance" validate:"gte=0"`
}

// DefaultConfig returns the store defaults.
func DefaultConfig() Config {
	return Config{
		RelabelThreshold:    1.0,
		NecessityThreshold:  0.1,
		MinRealTrajectories: 3,
		VirtualSteps:        8,
		SyntheticWeight:     0.5,
		NumericTolerance:    0.05,
	}
}

var validate = validator.New()

// Validate checks ranges.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("trajectory config: %w", err)
	}
	return nil
}

// #endregion config

// #region interfaces

// Repository is the persistence surface the trajectory store needs.
type Repository interface {
	GetState(ctx context.Context, id string) (model.State, error)
	PutState(ctx context.Context, s model.State) error
	GetGoal(ctx context.Context, id string) (model.Goal, error)
	PutGoal(ctx context.Context, g model.Goal) error
	PutTrajectory(ctx context.Context, t model.Trajectory) error
	GetTrajectory(ctx context.Context, id string) (model.Trajectory, error)
	SetAchievedGoal(ctx context.Context, trajectoryID, goalID string) (model.Trajectory, error)
	TrajectoriesByIntended(ctx context.Context, goalID string) ([]model.Trajectory, error)
	TrajectoriesByAchieved(ctx context.Context, goalID string) ([]model.Trajectory, error)
}

// Distancer computes goal-conditioned distances.
type Distancer interface {
	ComputeDistance(ctx context.Context, a, b model.State, goalID string) (float64, error)
}

// GoalLinker records relations between goals.
type GoalLinker interface {
	AddLink(ctx context.Context, a, b string, typ graph.LinkType, weight float64) error
}

// #endregion interfaces

// #region store

// Store records trajectories and derives knowledge from them. Writes touching
// a goal are serialised per goal.
type Store struct {
	repo     Repository
	distance Distancer
	links    GoalLinker
	emitter  telemetry.Emitter
	cfg      Config
	locks    *goalLocks
	logger   *slog.Logger
}

// Option customises a Store.
type Option func(*Store)

// WithLinker records hindsight goals in the goal graph.
func WithLinker(l GoalLinker) Option { return func(s *Store) { s.links = l } }

// WithEmitter sets the telemetry sink for relabel events.
func WithEmitter(e telemetry.Emitter) Option { return func(s *Store) { s.emitter = e } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// NewStore validates cfg and builds a Store.
func NewStore(repo Repository, distance Distancer, cfg Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Store{
		repo:     repo,
		distance: distance,
		emitter:  telemetry.Discard{},
		cfg:      cfg,
		locks:    newGoalLocks(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "trajectory")
	return s, nil
}

// Config returns the active configuration.
func (s *Store) Config() Config { return s.cfg }

// #endregion store

// #region record

// Record validates and persists a trajectory, assigning an id when missing.
func (s *Store) Record(ctx context.Context, t model.Trajectory) (model.Trajectory, error) {
	if len(t.Steps) == 0 {
		return model.Trajectory{}, model.EmptyTrajectory("record trajectory", t.ID)
	}
	unlock := s.locks.lock(t.IntendedGoal)
	defer unlock()
	return s.recordLocked(ctx, t)
}

func (s *Store) recordLocked(ctx context.Context, t model.Trajectory) (model.Trajectory, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	} else {
		stored, err := s.repo.GetTrajectory(ctx, t.ID)
		switch {
		case err == nil:
			return s.reconcileLocked(ctx, stored, t)
		case !errors.Is(err, store.ErrNotFound):
			return model.Trajectory{}, fmt.Errorf("record trajectory %s: %w", t.ID, err)
		}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if err := model.ValidateTrajectory(t); err != nil {
		return model.Trajectory{}, err
	}
	if _, err := s.repo.GetGoal(ctx, t.IntendedGoal); err != nil {
		return model.Trajectory{}, fmt.Errorf("record trajectory %s: %w", t.ID, err)
	}
	if t.AchievedGoal != "" && t.AchievedGoal != t.IntendedGoal {
		if _, err := s.repo.GetGoal(ctx, t.AchievedGoal); err != nil {
			return model.Trajectory{}, fmt.Errorf("record trajectory %s: %w", t.ID, err)
		}
	}

	var missing []string
	for _, step := range t.Steps {
		if _, err := s.repo.GetState(ctx, step.StateID); err != nil {
			if !errors.Is(err, model.ErrUnknownState) {
				return model.Trajectory{}, err
			}
			missing = append(missing, step.StateID)
		}
	}
	if len(missing) > 0 {
		return model.Trajectory{}, model.UnknownState("record trajectory "+t.ID, missing...)
	}

	if err := s.repo.PutTrajectory(ctx, t); err != nil {
		return model.Trajectory{}, fmt.Errorf("record trajectory %s: %w", t.ID, err)
	}
	s.logger.Debug("trajectory recorded", "trajectory", t.ID, "goal", t.IntendedGoal, "steps", len(t.Steps), "synthetic", t.Synthetic)
	return t, nil
}

// reconcileLocked matches a re-recorded trajectory with its stored copy. The
// episode must be unchanged and the achieved goal may only be filled in,
// never replaced.
func (s *Store) reconcileLocked(ctx context.Context, stored, t model.Trajectory) (model.Trajectory, error) {
	if !sameEpisode(stored, t) {
		return model.Trajectory{}, model.Conflict("record trajectory", t.ID, errors.New("episode differs from the recorded one"))
	}
	switch {
	case t.AchievedGoal == "" || t.AchievedGoal == stored.AchievedGoal:
		return stored, nil
	case stored.AchievedGoal != "":
		return model.Trajectory{}, model.Conflict("record trajectory", t.ID,
			fmt.Errorf("achieved goal already %s, got %s", stored.AchievedGoal, t.AchievedGoal))
	}
	if _, err := s.repo.GetGoal(ctx, t.AchievedGoal); err != nil {
		return model.Trajectory{}, fmt.Errorf("record trajectory %s: %w", t.ID, err)
	}
	out, err := s.repo.SetAchievedGoal(ctx, t.ID, t.AchievedGoal)
	if err != nil {
		return model.Trajectory{}, fmt.Errorf("record trajectory %s: %w", t.ID, err)
	}
	return out, nil
}

func sameEpisode(a, b model.Trajectory) bool {
	if a.IntendedGoal != b.IntendedGoal || a.Synthetic != b.Synthetic ||
		a.RecommendationID != b.RecommendationID || len(a.Steps) != len(b.Steps) {
		return false
	}
	for i := range a.Steps {
		if a.Steps[i] != b.Steps[i] {
			return false
		}
	}
	return true
}

// #endregion record
