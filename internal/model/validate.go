package model

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// #region validate-state

// ValidateState checks a state's shape before ingestion. Feature values are
// checked for kind only; their meaning is the caller's concern.
func ValidateState(s State) error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("state %q: %w", s.ID, err)
	}
	for name, f := range s.Features {
		if name == "" {
			return fmt.Errorf("state %s: empty feature name", s.ID)
		}
		if err := validFeature(f); err != nil {
			return fmt.Errorf("state %s feature %s: %w", s.ID, name, err)
		}
	}
	return nil
}

// #endregion validate-state

// #region validate-goal

// ValidateGoal checks a goal and its criteria.
func ValidateGoal(g Goal) error {
	if err := validate.Struct(g); err != nil {
		return fmt.Errorf("goal %q: %w", g.ID, err)
	}
	for i, c := range g.Criteria {
		switch c.Op {
		case OpEq:
			if c.Expected == nil {
				return fmt.Errorf("goal %s criterion %d: eq requires expected value", g.ID, i)
			}
			if err := validFeature(*c.Expected); err != nil {
				return fmt.Errorf("goal %s criterion %d: %w", g.ID, i, err)
			}
		case OpRange:
			if c.Min == nil && c.Max == nil {
				return fmt.Errorf("goal %s criterion %d: range requires min or max", g.ID, i)
			}
			if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
				return fmt.Errorf("goal %s criterion %d: min %g > max %g", g.ID, i, *c.Min, *c.Max)
			}
		}
	}
	return nil
}

// #endregion validate-goal

// ValidateTrajectory checks structure only. Empty trajectories are reported
// as EmptyTrajectory so callers can branch on the kind.
func ValidateTrajectory(t Trajectory) error {
	if len(t.Steps) == 0 {
		return EmptyTrajectory("validate trajectory", t.ID)
	}
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("trajectory %q: %w", t.ID, err)
	}
	return nil
}

func validFeature(f Feature) error {
	switch f.Kind {
	case KindNumeric, KindCategorical, KindText:
		return nil
	case "":
		return fmt.Errorf("missing feature kind")
	}
	return fmt.Errorf("unknown feature kind %q", f.Kind)
}
