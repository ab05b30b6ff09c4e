package logging

import "time"

// #region audit-entry

// EventType names the kind of audited event.
type EventType string

const (
	EventTransfer EventType = "transfer"
	EventRelabel  EventType = "relabel"
)

// AuditEntry is a single row in the audit_log table.
type AuditEntry struct {
	ID          int64
	Type        EventType
	SubjectID   string // trajectory id
	GoalID      string // target goal for transfers, intended goal for relabels
	RelatedGoal string // source goal for transfers, achieved goal for relabels
	Outcome     string // "succeeded" | "failed" | relabel kind
	PayloadJSON string
	CreatedAt   time.Time
}

// #endregion audit-entry
