package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "docroute"

// Round trip outcomes
const (
	OutcomeOK          = "ok"
	OutcomeUnavailable = "unavailable"
	OutcomeError       = "error"
	OutcomePartial     = "partial"
	OutcomeCancelled   = "cancelled"
)

// QueryMetrics records query execution. All methods are safe on a nil
// receiver, which records nothing.
type QueryMetrics struct {
	queries           *prometheus.CounterVec
	roundTrips        *prometheus.CounterVec
	roundTripDuration *prometheus.HistogramVec
	requestUnits      *prometheus.CounterVec
	retries           *prometheus.CounterVec
	partialResults    *prometheus.CounterVec
	splits            prometheus.Counter
}

// NewQueryMetrics creates query metrics and registers them with reg. A nil reg
// creates unregistered collectors.
func NewQueryMetrics(reg prometheus.Registerer) *QueryMetrics {
	factory := promauto.With(reg)
	return &QueryMetrics{
		// Labels: kind, outcome
		queries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Queries finished, by routing class and outcome",
		}, []string{"kind", "outcome"}),
		// Labels: kind, outcome
		roundTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "round_trips_total",
			Help:      "Round trips to physical partitions, by routing class and outcome",
		}, []string{"kind", "outcome"}),
		roundTripDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_trip_duration_seconds",
			Help:      "Round trip duration including retries",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		// Labels: operation (cost kind)
		requestUnits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_units_total",
			Help:      "Request units charged, by operation kind",
		}, []string{"operation"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Round trip attempts retried after a transient partition failure",
		}, []string{"kind"}),
		partialResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partial_results_total",
			Help:      "Queries that ended with unreachable partitions",
		}, []string{"kind"}),
		splits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partition_splits_total",
			Help:      "Physical partition splits triggered by capacity",
		}),
	}
}

// ObserveQuery counts a finished query.
func (m *QueryMetrics) ObserveQuery(kind, outcome string) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(normalizeLabel(kind), normalizeLabel(outcome)).Inc()
	if outcome == OutcomePartial {
		m.partialResults.WithLabelValues(normalizeLabel(kind)).Inc()
	}
}

// ObserveRoundTrip counts a round trip and records its duration.
func (m *QueryMetrics) ObserveRoundTrip(kind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.roundTrips.WithLabelValues(normalizeLabel(kind), normalizeLabel(outcome)).Inc()
	m.roundTripDuration.WithLabelValues(normalizeLabel(kind)).Observe(duration.Seconds())
}

// AddRequestUnits adds charged request units for an operation kind.
func (m *QueryMetrics) AddRequestUnits(operation string, units float64) {
	if m == nil || units <= 0 {
		return
	}
	m.requestUnits.WithLabelValues(normalizeLabel(operation)).Add(units)
}

// IncRetry counts one retried attempt.
func (m *QueryMetrics) IncRetry(kind string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(normalizeLabel(kind)).Inc()
}

// IncSplit counts one capacity-triggered split.
func (m *QueryMetrics) IncSplit() {
	if m == nil {
		return
	}
	m.splits.Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
