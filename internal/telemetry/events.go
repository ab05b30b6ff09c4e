package telemetry

import (
	"context"
	"log/slog"

	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/model"
)

// #region event-types

// RelabelKind says how a trajectory's achieved goal was decided.
type RelabelKind string

const (
	RelabelIntended    RelabelKind = "intended"
	RelabelSynthesized RelabelKind = "synthesized"
	RelabelExisting    RelabelKind = "existing"
)

// RelabelEvent describes one hindsight relabel.
type RelabelEvent struct {
	TrajectoryID  string
	IntendedGoal  string
	AchievedGoal  string
	TerminalState string
	Kind          RelabelKind
	Distance      float64
	DistanceKnown bool
}

// Emitter receives audit events. Implementations must be safe for
// concurrent use.
type Emitter interface {
	TransferRecorded(ctx context.Context, rec model.TransferRecord)
	Relabeled(ctx context.Context, ev RelabelEvent)
}

// #endregion event-types

// #region recorder

// Recorder logs events as structured slog records and counts them.
type Recorder struct {
	logger  *slog.Logger
	metrics *Metrics
}

var _ Emitter = (*Recorder)(nil)

// NewRecorder builds a Recorder. Either argument may be nil.
func NewRecorder(logger *slog.Logger, metrics *Metrics) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{logger: logger.With("component", "telemetry"), metrics: metrics}
}

func (r *Recorder) TransferRecorded(ctx context.Context, rec model.TransferRecord) {
	outcome := "failed"
	if rec.Succeeded {
		outcome = "succeeded"
	}
	r.logger.InfoContext(ctx, "transfer recorded",
		"event", "transfer",
		"transfer", rec.ID,
		"recommendation", rec.RecommendationID,
		"source_state", rec.SourceStateID,
		"source_goal", rec.SourceGoalID,
		"target_state", rec.TargetStateID,
		"target_goal", rec.TargetGoalID,
		"trajectory", rec.TrajectoryID,
		"distance", rec.Distance,
		"confidence", rec.Confidence,
		"outcome", outcome,
	)
	if r.metrics != nil {
		r.metrics.TransfersTotal.WithLabelValues(outcome).Inc()
	}
}

func (r *Recorder) Relabeled(ctx context.Context, ev RelabelEvent) {
	attrs := []any{
		"event", "relabel",
		"trajectory", ev.TrajectoryID,
		"intended_goal", ev.IntendedGoal,
		"achieved_goal", ev.AchievedGoal,
		"terminal_state", ev.TerminalState,
		"kind", string(ev.Kind),
	}
	if ev.DistanceKnown {
		attrs = append(attrs, "distance", ev.Distance)
	}
	r.logger.InfoContext(ctx, "trajectory relabeled", attrs...)
	if r.metrics != nil {
		r.metrics.RelabelsTotal.WithLabelValues(string(ev.Kind)).Inc()
	}
}

// #endregion recorder

// Discard drops every event.
type Discard struct{}

func (Discard) TransferRecorded(context.Context, model.TransferRecord) {}
func (Discard) Relabeled(context.Context, RelabelEvent)               {}

// Multi forwards every event to each emitter in order.
type Multi []Emitter

func (m Multi) TransferRecorded(ctx context.Context, rec model.TransferRecord) {
	for _, e := range m {
		e.TransferRecorded(ctx, rec)
	}
}

func (m Multi) Relabeled(ctx context.Context, ev RelabelEvent) {
	for _, e := range m {
		e.Relabeled(ctx, ev)
	}
}
