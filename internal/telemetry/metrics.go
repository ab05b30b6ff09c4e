package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "transfer_engine"

// #region metrics

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// TransfersTotal counts transfer records by outcome (succeeded|failed).
	TransfersTotal *prometheus.CounterVec

	// RelabelsTotal counts hindsight relabels by kind (intended|synthesized|existing).
	RelabelsTotal *prometheus.CounterVec

	// DecisionsTotal counts decision requests entering each phase.
	DecisionsTotal *prometheus.CounterVec

	// CacheHitsTotal counts distance cache hits.
	CacheHitsTotal prometheus.Counter

	// CacheMissesTotal counts distance cache misses.
	CacheMissesTotal prometheus.Counter

	// ReclusterDurationSeconds measures full re-clustering of one goal.
	ReclusterDurationSeconds prometheus.Histogram

	// EquivalenceClasses is the number of classes per goal after the last re-cluster.
	EquivalenceClasses *prometheus.GaugeVec
}

// NewMetrics registers the collectors with reg. Pass prometheus.NewRegistry()
// in tests to avoid duplicate registration on the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TransfersTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transfer",
				Name:      "records_total",
				Help:      "Transfer records written, by outcome",
			},
			[]string{"outcome"},
		),
		RelabelsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "trajectory",
				Name:      "relabels_total",
				Help:      "Hindsight relabels, by kind",
			},
			[]string{"kind"},
		),
		DecisionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transfer",
				Name:      "decisions_total",
				Help:      "Policy-guided decision requests entering each phase",
			},
			[]string{"phase"},
		),
		CacheHitsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "distance",
				Name:      "cache_hits_total",
				Help:      "Distance cache hits",
			},
		),
		CacheMissesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "distance",
				Name:      "cache_misses_total",
				Help:      "Distance cache misses",
			},
		),
		ReclusterDurationSeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "distance",
				Name:      "recluster_duration_seconds",
				Help:      "Time to rebuild the equivalence classes of one goal",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 30},
			},
		),
		EquivalenceClasses: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "distance",
				Name:      "equivalence_classes",
				Help:      "Equivalence classes per goal after the last re-cluster",
			},
			[]string{"goal"},
		),
	}
}

// #endregion metrics

// #region helpers

func (m *Metrics) CacheHit() {
	if m != nil {
		m.CacheHitsTotal.Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.CacheMissesTotal.Inc()
	}
}

func (m *Metrics) Decision(phase string) {
	if m != nil {
		m.DecisionsTotal.WithLabelValues(phase).Inc()
	}
}

func (m *Metrics) Reclustered(goalID string, classes int, took time.Duration) {
	if m == nil {
		return
	}
	m.ReclusterDurationSeconds.Observe(took.Seconds())
	m.EquivalenceClasses.WithLabelValues(goalID).Set(float64(classes))
}

// #endregion helpers
