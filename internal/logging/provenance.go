package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/model"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/telemetry"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    event_type   TEXT NOT NULL,
    subject_id   TEXT NOT NULL,
    goal_id      TEXT NOT NULL,
    related_goal TEXT,
    outcome      TEXT NOT NULL,
    payload_json TEXT,
    created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_goal ON audit_log(goal_id);
`

// #endregion schema

// #region audit-log

// AuditLog persists audit events in SQLite. It implements telemetry.Emitter;
// write failures are logged, never returned to the caller.
type AuditLog struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ telemetry.Emitter = (*AuditLog)(nil)

// NewAuditLog creates the audit_log table and returns an AuditLog.
func NewAuditLog(db *sql.DB, logger *slog.Logger) (*AuditLog, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("audit log schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLog{db: db, logger: logger.With("component", "audit")}, nil
}

// #endregion audit-log

// #region log-event

// LogEvent writes one entry to the audit_log table.
func LogEvent(ctx context.Context, db *sql.DB, entry AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO audit_log (event_type, subject_id, goal_id, related_goal, outcome, payload_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(entry.Type),
		entry.SubjectID,
		entry.GoalID,
		nullIfEmpty(entry.RelatedGoal),
		entry.Outcome,
		nullIfEmpty(entry.PayloadJSON),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

func (a *AuditLog) TransferRecorded(ctx context.Context, rec model.TransferRecord) {
	outcome := "failed"
	if rec.Succeeded {
		outcome = "succeeded"
	}
	a.write(ctx, AuditEntry{
		Type:        EventTransfer,
		SubjectID:   rec.TrajectoryID,
		GoalID:      rec.TargetGoalID,
		RelatedGoal: rec.SourceGoalID,
		Outcome:     outcome,
		CreatedAt:   rec.CreatedAt,
	}, rec)
}

func (a *AuditLog) Relabeled(ctx context.Context, ev telemetry.RelabelEvent) {
	a.write(ctx, AuditEntry{
		Type:        EventRelabel,
		SubjectID:   ev.TrajectoryID,
		GoalID:      ev.IntendedGoal,
		RelatedGoal: ev.AchievedGoal,
		Outcome:     string(ev.Kind),
	}, ev)
}

func (a *AuditLog) write(ctx context.Context, entry AuditEntry, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		a.logger.Warn("audit payload", "type", entry.Type, "error", err)
	} else {
		entry.PayloadJSON = string(data)
	}
	if err := LogEvent(ctx, a.db, entry); err != nil {
		a.logger.Warn("audit write failed", "type", entry.Type, "subject", entry.SubjectID, "error", err)
	}
}

// #endregion log-event

// #region query

// Recent returns up to limit entries, newest first, optionally filtered by goal.
func (a *AuditLog) Recent(ctx context.Context, goalID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, event_type, subject_id, goal_id, related_goal, outcome, payload_json, created_at
	          FROM audit_log`
	args := []any{}
	if goalID != "" {
		query += ` WHERE goal_id = ? OR related_goal = ?`
		args = append(args, goalID, goalID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var typ, createdAt string
		var related, payload sql.NullString
		if err := rows.Scan(&e.ID, &typ, &e.SubjectID, &e.GoalID, &related, &e.Outcome, &payload, &createdAt); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		e.RelatedGoal = related.String
		e.PayloadJSON = payload.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion query

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
