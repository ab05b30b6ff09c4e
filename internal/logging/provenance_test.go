package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/model"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/telemetry"
)

// #region helpers
func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	return db
}

func setupLog(t *testing.T) (*AuditLog, *sql.DB) {
	t.Helper()
	db := setupDB(t)
	t.Cleanup(func() { db.Close() })
	a, err := NewAuditLog(db, nil)
	if err != nil {
		t.Fatalf("new audit log: %v", err)
	}
	return a, db
}

// #endregion helpers

// #region log-event-tests
func TestLogEvent_Success(t *testing.T) {
	_, db := setupLog(t)

	entry := AuditEntry{
		Type:        EventTransfer,
		SubjectID:   "traj-1",
		GoalID:      "dock-b",
		RelatedGoal: "dock-a",
		Outcome:     "succeeded",
		PayloadJSON: `{"confidence":0.4}`,
		CreatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := LogEvent(context.Background(), db, entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM audit_log").Scan(&count)
	if count != 1 {
		t.Errorf("expected 1 row, got %d", count)
	}

	var subject, outcome string
	db.QueryRow("SELECT subject_id, outcome FROM audit_log").Scan(&subject, &outcome)
	if subject != "traj-1" {
		t.Errorf("expected subject_id 'traj-1', got %q", subject)
	}
	if outcome != "succeeded" {
		t.Errorf("expected outcome 'succeeded', got %q", outcome)
	}
}

func TestLogEvent_ZeroCreatedAt(t *testing.T) {
	_, db := setupLog(t)

	before := time.Now().UTC()
	err := LogEvent(context.Background(), db, AuditEntry{Type: EventRelabel, SubjectID: "t", GoalID: "g", Outcome: "intended"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var createdAtStr string
	db.QueryRow("SELECT created_at FROM audit_log").Scan(&createdAtStr)
	createdAt, err := time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		t.Fatalf("parse created_at: %v", err)
	}
	if createdAt.Before(before) {
		t.Error("expected auto-filled created_at to be >= test start time")
	}
}

func TestLogEvent_EmptyOptionalFields(t *testing.T) {
	_, db := setupLog(t)

	err := LogEvent(context.Background(), db, AuditEntry{Type: EventRelabel, SubjectID: "t", GoalID: "g", Outcome: "synthesized"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var related, payload sql.NullString
	db.QueryRow("SELECT related_goal, payload_json FROM audit_log").Scan(&related, &payload)
	if related.Valid {
		t.Error("expected NULL related_goal for empty string")
	}
	if payload.Valid {
		t.Error("expected NULL payload_json for empty string")
	}
}

func TestLogEvent_Error(t *testing.T) {
	db := setupDB(t)
	db.Close() // close to force error

	err := LogEvent(context.Background(), db, AuditEntry{Type: EventTransfer, SubjectID: "t", GoalID: "g", Outcome: "failed"})
	if err == nil {
		t.Fatal("expected error on closed db")
	}
}

// #endregion log-event-tests

// #region emitter-tests
func TestAuditLog_Emitter(t *testing.T) {
	ctx := context.Background()
	a, _ := setupLog(t)

	a.TransferRecorded(ctx, model.TransferRecord{
		ID:           "tr-1",
		TrajectoryID: "traj-1",
		SourceGoalID: "dock-a",
		TargetGoalID: "dock-b",
		Confidence:   0.42,
		Succeeded:    false,
		CreatedAt:    time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	})
	a.Relabeled(ctx, telemetry.RelabelEvent{
		TrajectoryID: "traj-2",
		IntendedGoal: "dock-b",
		AchievedGoal: "hs-1",
		Kind:         telemetry.RelabelSynthesized,
	})
	a.Relabeled(ctx, telemetry.RelabelEvent{TrajectoryID: "traj-3", IntendedGoal: "other", AchievedGoal: "other", Kind: telemetry.RelabelIntended})

	entries, err := a.Recent(ctx, "dock-b", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries for dock-b, got %d", len(entries))
	}
	if entries[0].Type != EventRelabel || entries[0].Outcome != "synthesized" {
		t.Errorf("newest entry = %+v", entries[0])
	}
	if entries[1].Type != EventTransfer || entries[1].Outcome != "failed" || entries[1].RelatedGoal != "dock-a" {
		t.Errorf("oldest entry = %+v", entries[1])
	}

	var rec model.TransferRecord
	if err := json.Unmarshal([]byte(entries[1].PayloadJSON), &rec); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if rec.ID != "tr-1" || rec.Confidence != 0.42 {
		t.Errorf("payload round trip = %+v", rec)
	}

	all, err := a.Recent(ctx, "", 0)
	if err != nil {
		t.Fatalf("recent all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 entries, got %d", len(all))
	}
}

func TestAuditLog_WriteFailureIsSwallowed(t *testing.T) {
	a, db := setupLog(t)
	db.Close()

	// must not panic; the failure is only logged
	a.Relabeled(context.Background(), telemetry.RelabelEvent{TrajectoryID: "t", IntendedGoal: "g", Kind: telemetry.RelabelIntended})
	if _, err := a.Recent(context.Background(), "", 1); err == nil || !strings.Contains(err.Error(), "query audit log") {
		t.Errorf("expected query error after close, got %v", err)
	}
}

// #endregion emitter-tests

// #region null-if-empty-tests
func TestNullIfEmpty_Empty(t *testing.T) {
	result := nullIfEmpty("")
	if result != nil {
		t.Errorf("expected nil for empty string, got %v", result)
	}
}

func TestNullIfEmpty_NonEmpty(t *testing.T) {
	result := nullIfEmpty("hello")
	if result != "hello" {
		t.Errorf("expected 'hello', got %v", result)
	}
}

// #endregion null-if-empty-tests
