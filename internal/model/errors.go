package model

import (
	"errors"
	"fmt"
	"strings"
)

// #region kinds

// Kind classifies engine errors. Only KindStoreUnavailable is retryable.
type Kind string

const (
	KindSchemaMismatch   Kind = "schema_mismatch"
	KindUnknownGoal      Kind = "unknown_goal"
	KindUnknownState     Kind = "unknown_state"
	KindInvalidThreshold Kind = "invalid_threshold"
	KindEmptyTrajectory  Kind = "empty_trajectory"
	KindStoreUnavailable Kind = "store_unavailable"
	KindConflict         Kind = "conflict"
)

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrSchemaMismatch   = &Error{Kind: KindSchemaMismatch}
	ErrUnknownGoal      = &Error{Kind: KindUnknownGoal}
	ErrUnknownState     = &Error{Kind: KindUnknownState}
	ErrInvalidThreshold = &Error{Kind: KindInvalidThreshold}
	ErrEmptyTrajectory  = &Error{Kind: KindEmptyTrajectory}
	ErrStoreUnavailable = &Error{Kind: KindStoreUnavailable}
	ErrConflict         = &Error{Kind: KindConflict}
)

// #endregion kinds

// #region error

// Error carries the kind of failure and the ids it concerns.
type Error struct {
	Kind         Kind
	Op           string
	StateIDs     []string
	GoalID       string
	TrajectoryID string
	Err          error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(strings.ReplaceAll(string(e.Kind), "_", " "))
	if len(e.StateIDs) > 0 {
		fmt.Fprintf(&b, " (states %s)", strings.Join(e.StateIDs, ", "))
	}
	if e.GoalID != "" {
		fmt.Fprintf(&b, " (goal %s)", e.GoalID)
	}
	if e.TrajectoryID != "" {
		fmt.Fprintf(&b, " (trajectory %s)", e.TrajectoryID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can test against the package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// #endregion error

// #region constructors

func SchemaMismatch(op, goalID string, stateIDs ...string) error {
	return &Error{Kind: KindSchemaMismatch, Op: op, GoalID: goalID, StateIDs: stateIDs}
}

func UnknownGoal(op, goalID string) error {
	return &Error{Kind: KindUnknownGoal, Op: op, GoalID: goalID}
}

func UnknownState(op string, stateIDs ...string) error {
	return &Error{Kind: KindUnknownState, Op: op, StateIDs: stateIDs}
}

func InvalidThreshold(op, goalID string, threshold float64) error {
	return &Error{Kind: KindInvalidThreshold, Op: op, GoalID: goalID, Err: fmt.Errorf("threshold %g must be > 0", threshold)}
}

func EmptyTrajectory(op, trajectoryID string) error {
	var err error
	if trajectoryID != "" {
		err = fmt.Errorf("trajectory %s has no steps", trajectoryID)
	}
	return &Error{Kind: KindEmptyTrajectory, Op: op, Err: err}
}

// Conflict reports a write that would change an immutable trajectory field.
func Conflict(op, trajectoryID string, err error) error {
	return &Error{Kind: KindConflict, Op: op, TrajectoryID: trajectoryID, Err: err}
}

func StoreUnavailable(op string, err error) error {
	return &Error{Kind: KindStoreUnavailable, Op: op, Err: err}
}

// #endregion constructors

// IsRetryable reports whether err may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// KindOf extracts the Kind of err, or "" when err is not an engine error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
