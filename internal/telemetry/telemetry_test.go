package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/model"
)

func TestRecorderLogsAndCountsTransfers(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	metrics := NewMetrics(prometheus.NewRegistry())
	rec := NewRecorder(logger, metrics)

	rec.TransferRecorded(context.Background(), model.TransferRecord{
		ID: "tr1", SourceStateID: "s1", SourceGoalID: "g1", TargetStateID: "s2", TargetGoalID: "g1",
		Distance: 0.2, Confidence: 0.7, Succeeded: true,
	})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "transfer recorded", line["msg"])
	assert.Equal(t, "transfer", line["event"])
	assert.Equal(t, "succeeded", line["outcome"])
	assert.Equal(t, "s1", line["source_state"])
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.TransfersTotal.WithLabelValues("succeeded")))
}

func TestRecorderCountsRelabels(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	rec := NewRecorder(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), metrics)

	rec.Relabeled(context.Background(), RelabelEvent{TrajectoryID: "t1", Kind: RelabelSynthesized})
	rec.Relabeled(context.Background(), RelabelEvent{TrajectoryID: "t2", Kind: RelabelIntended})
	rec.Relabeled(context.Background(), RelabelEvent{TrajectoryID: "t3", Kind: RelabelSynthesized})

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.RelabelsTotal.WithLabelValues("synthesized")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RelabelsTotal.WithLabelValues("intended")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.CacheHit()
	m.CacheMiss()
	m.Decision("no_analogy")
	m.Reclustered("g", 3, time.Second)
}

func TestEndSpanRecordsError(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartSpan(context.Background(), "bisim.Recluster")
	EndSpan(span, errors.New("boom"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "bisim.Recluster", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
}

func TestMultiFansOut(t *testing.T) {
	m1 := NewMetrics(prometheus.NewRegistry())
	m2 := NewMetrics(prometheus.NewRegistry())
	quiet := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	multi := Multi{NewRecorder(quiet, m1), Discard{}, NewRecorder(quiet, m2)}

	multi.TransferRecorded(context.Background(), model.TransferRecord{ID: "tr"})
	multi.Relabeled(context.Background(), RelabelEvent{Kind: RelabelExisting})

	for _, m := range []*Metrics{m1, m2} {
		assert.Equal(t, float64(1), testutil.ToFloat64(m.TransfersTotal.WithLabelValues("failed")))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.RelabelsTotal.WithLabelValues("existing")))
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "warn", "json")
	require.NoError(t, err)
	logger.Info("dropped")
	logger.Warn("kept", "k", "v")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["msg"])

	_, err = NewLogger(&buf, "loud", "text")
	assert.Error(t, err)
	_, err = NewLogger(&buf, "info", "xml")
	assert.Error(t, err)
}
