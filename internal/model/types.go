package model

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// MaxRecentActions bounds the action history carried by a State.
const MaxRecentActions = 16

// #region feature

// FeatureKind tags the value held by a Feature.
type FeatureKind string

const (
	KindNumeric     FeatureKind = "numeric"
	KindCategorical FeatureKind = "categorical"
	KindText        FeatureKind = "text"
)

// Feature is a tagged union over numeric, categorical and free-text values.
// Exactly one of Num or Str is meaningful, selected by Kind.
type Feature struct {
	Kind FeatureKind
	Num  float64
	Str  string
}

// Numeric builds a numeric feature.
func Numeric(v float64) Feature { return Feature{Kind: KindNumeric, Num: v} }

// Categorical builds a categorical feature.
func Categorical(v string) Feature { return Feature{Kind: KindCategorical, Str: v} }

// Text builds a free-text feature.
func Text(v string) Feature { return Feature{Kind: KindText, Str: v} }

// Equal reports whether two features have the same kind and value.
func (f Feature) Equal(o Feature) bool {
	if f.Kind != o.Kind {
		return false
	}
	if f.Kind == KindNumeric {
		return f.Num == o.Num
	}
	return f.Str == o.Str
}

// String renders the feature value for logs and tables.
func (f Feature) String() string {
	if f.Kind == KindNumeric {
		return fmt.Sprintf("%g", f.Num)
	}
	return f.Str
}

type featureJSON struct {
	Kind  FeatureKind     `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the feature as {"kind": ..., "value": ...}.
func (f Feature) MarshalJSON() ([]byte, error) {
	var (
		raw []byte
		err error
	)
	switch f.Kind {
	case KindNumeric:
		if math.IsNaN(f.Num) || math.IsInf(f.Num, 0) {
			return nil, fmt.Errorf("feature value %v is not finite", f.Num)
		}
		raw, err = json.Marshal(f.Num)
	case KindCategorical, KindText:
		raw, err = json.Marshal(f.Str)
	default:
		return nil, fmt.Errorf("unknown feature kind %q", f.Kind)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(featureJSON{Kind: f.Kind, Value: raw})
}

// UnmarshalJSON decodes the tagged form and rejects kind/value mismatches.
func (f *Feature) UnmarshalJSON(data []byte) error {
	var fj featureJSON
	if err := json.Unmarshal(data, &fj); err != nil {
		return fmt.Errorf("decode feature: %w", err)
	}
	switch fj.Kind {
	case KindNumeric:
		var v float64
		if err := json.Unmarshal(fj.Value, &v); err != nil {
			return fmt.Errorf("numeric feature: %w", err)
		}
		*f = Numeric(v)
	case KindCategorical, KindText:
		var s string
		if err := json.Unmarshal(fj.Value, &s); err != nil {
			return fmt.Errorf("%s feature: %w", fj.Kind, err)
		}
		*f = Feature{Kind: fj.Kind, Str: s}
	default:
		return fmt.Errorf("unknown feature kind %q", fj.Kind)
	}
	return nil
}

// #endregion feature

// #region state

// State is an immutable snapshot of the environment under a goal context.
type State struct {
	ID            string             `json:"id" validate:"required,excludes=/"`
	Features      map[string]Feature `json:"features"`
	GoalID        string             `json:"goal_id" validate:"required,excludes=/"`
	RecentActions []string           `json:"recent_actions,omitempty" validate:"max=16,dive,required"`
	Reward        *float64           `json:"reward,omitempty"`
	ObservedAt    time.Time          `json:"observed_at"`
}

// TrimActions keeps only the most recent MaxRecentActions entries.
func (s *State) TrimActions() {
	if n := len(s.RecentActions); n > MaxRecentActions {
		s.RecentActions = append([]string(nil), s.RecentActions[n-MaxRecentActions:]...)
	}
}

// #endregion state

// #region goal

// CriterionOp selects how a Criterion compares a feature.
type CriterionOp string

const (
	OpEq    CriterionOp = "eq"
	OpRange CriterionOp = "range"
)

// Criterion is a success check against a single feature.
type Criterion struct {
	Feature  string      `json:"feature" validate:"required"`
	Op       CriterionOp `json:"op" validate:"required,oneof=eq range"`
	Expected *Feature    `json:"expected,omitempty"`
	Min      *float64    `json:"min,omitempty"`
	Max      *float64    `json:"max,omitempty"`
}

// Check reports whether the state satisfies this criterion.
func (c Criterion) Check(s State) bool {
	f, ok := s.Features[c.Feature]
	if !ok {
		return false
	}
	switch c.Op {
	case OpEq:
		return c.Expected != nil && f.Equal(*c.Expected)
	case OpRange:
		if f.Kind != KindNumeric {
			return false
		}
		if c.Min != nil && f.Num < *c.Min {
			return false
		}
		if c.Max != nil && f.Num > *c.Max {
			return false
		}
		return true
	}
	return false
}

// Goal is an append-only description of a desired outcome. Revisions are new
// goals pointing back through DerivedFrom.
type Goal struct {
	ID              string      `json:"id" validate:"required,excludes=/"`
	Description     string      `json:"description"`
	Criteria        []Criterion `json:"criteria,omitempty" validate:"dive"`
	CausalFactors   []string    `json:"causal_factors,omitempty"`
	Preconditions   []string    `json:"preconditions,omitempty"`
	DerivedFrom     string      `json:"derived_from,omitempty"`
	DefiningStateID string      `json:"defining_state_id,omitempty"`
	Hindsight       bool        `json:"hindsight,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

// Satisfied is true when the goal has criteria and the state passes all of them.
func (g Goal) Satisfied(s State) bool {
	if len(g.Criteria) == 0 {
		return false
	}
	for _, c := range g.Criteria {
		if !c.Check(s) {
			return false
		}
	}
	return true
}

// RewardFor returns the state's reward under this goal: the fraction of
// criteria satisfied, or the state's recorded reward when the goal has no
// criteria. ok is false when neither is available.
func (g Goal) RewardFor(s State) (float64, bool) {
	if len(g.Criteria) > 0 {
		passed := 0
		for _, c := range g.Criteria {
			if c.Check(s) {
				passed++
			}
		}
		return float64(passed) / float64(len(g.Criteria)), true
	}
	if s.Reward != nil {
		return *s.Reward, true
	}
	return 0, false
}

// #endregion goal

// #region trajectory

// Step is one (state, action, reward) transition.
type Step struct {
	StateID string  `json:"state_id" validate:"required"`
	Action  string  `json:"action"`
	Reward  float64 `json:"reward"`
}

// Trajectory is an ordered episode toward IntendedGoal. AchievedGoal is set
// exactly once, either at recording time or by hindsight relabeling.
type Trajectory struct {
	ID               string    `json:"id"`
	Steps            []Step    `json:"steps" validate:"dive"`
	IntendedGoal     string    `json:"intended_goal" validate:"required,excludes=/"`
	AchievedGoal     string    `json:"achieved_goal,omitempty"`
	Synthetic        bool      `json:"synthetic,omitempty"`
	RecommendationID string    `json:"recommendation_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Terminal returns the id of the last state, or "" for an empty trajectory.
func (t Trajectory) Terminal() string {
	if len(t.Steps) == 0 {
		return ""
	}
	return t.Steps[len(t.Steps)-1].StateID
}

// Start returns the id of the first state, or "" for an empty trajectory.
func (t Trajectory) Start() string {
	if len(t.Steps) == 0 {
		return ""
	}
	return t.Steps[0].StateID
}

// Actions lists the actions taken, in order.
func (t Trajectory) Actions() []string {
	out := make([]string, 0, len(t.Steps))
	for _, s := range t.Steps {
		if s.Action != "" {
			out = append(out, s.Action)
		}
	}
	return out
}

// TotalReward sums per-step rewards.
func (t Trajectory) TotalReward() float64 {
	var sum float64
	for _, s := range t.Steps {
		sum += s.Reward
	}
	return sum
}

// #endregion trajectory

// #region derived

// DistanceRecord is a cached distance between two states under a goal.
// StateA <= StateB lexically.
type DistanceRecord struct {
	StateA     string    `json:"state_a"`
	StateB     string    `json:"state_b"`
	GoalID     string    `json:"goal_id"`
	Distance   float64   `json:"distance"`
	ComputedAt time.Time `json:"computed_at"`
}

// EquivalenceClass groups states that behave alike under one goal.
type EquivalenceClass struct {
	ID        string    `json:"id"`
	GoalID    string    `json:"goal_id"`
	StateIDs  []string  `json:"state_ids"`
	Threshold float64   `json:"threshold"`
	BuiltAt   time.Time `json:"built_at"`
}

// Recommendation is a persisted policy suggestion awaiting an outcome.
type Recommendation struct {
	ID            string    `json:"id"`
	SourceStateID string    `json:"source_state_id"`
	SourceGoalID  string    `json:"source_goal_id"`
	TargetStateID string    `json:"target_state_id"`
	TargetGoalID  string    `json:"target_goal_id"`
	TrajectoryID  string    `json:"trajectory_id"`
	Actions       []string  `json:"actions"`
	Distance      float64   `json:"distance"`
	Corroboration float64   `json:"corroboration"`
	Confidence    float64   `json:"confidence"`
	CreatedAt     time.Time `json:"created_at"`
}

// TransferRecord audits one applied recommendation and its outcome.
type TransferRecord struct {
	ID               string    `json:"id"`
	RecommendationID string    `json:"recommendation_id"`
	SourceStateID    string    `json:"source_state_id"`
	SourceGoalID     string    `json:"source_goal_id"`
	TargetStateID    string    `json:"target_state_id"`
	TargetGoalID     string    `json:"target_goal_id"`
	TrajectoryID     string    `json:"trajectory_id"`
	Distance         float64   `json:"distance"`
	Confidence       float64   `json:"confidence"`
	Succeeded        bool      `json:"succeeded"`
	CreatedAt        time.Time `json:"created_at"`
}

// #endregion derived

// RelatedGoal is a goal reachable from another through the similarity lookup.
type RelatedGoal struct {
	GoalID     string  `json:"goal_id"`
	Similarity float64 `json:"similarity"`
}
