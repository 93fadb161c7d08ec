package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func scrape(t *testing.T, r *Registry) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	return rec.Body.String()
}

func TestRegistry_GoRuntimeMetricsExposed(t *testing.T) {
	body := scrape(t, NewRegistry())
	for _, metric := range []string{"go_goroutines", "go_memstats_alloc_bytes", "process_"} {
		if !strings.Contains(body, metric) {
			t.Errorf("expected metric %q in output", metric)
		}
	}
}

func TestRegistry_QueryMetricsRecorded(t *testing.T) {
	registry := NewRegistry()
	m := registry.Query()

	m.ObserveRoundTrip("fan-out", OutcomeOK, 15*time.Millisecond)
	m.ObserveRoundTrip("fan-out", OutcomeUnavailable, 30*time.Millisecond)
	m.AddRequestUnits("point-read", 1)
	m.AddRequestUnits("read", 3.31)
	m.IncRetry("fan-out")
	m.ObserveQuery("fan-out", OutcomePartial)
	m.IncSplit()

	body := scrape(t, registry)
	expected := []string{
		`docroute_round_trips_total{kind="fan-out",outcome="ok"} 1`,
		`docroute_round_trips_total{kind="fan-out",outcome="unavailable"} 1`,
		`docroute_request_units_total{operation="point-read"} 1`,
		`docroute_request_units_total{operation="read"} 3.31`,
		`docroute_retries_total{kind="fan-out"} 1`,
		`docroute_queries_total{kind="fan-out",outcome="partial"} 1`,
		`docroute_partial_results_total{kind="fan-out"} 1`,
		`docroute_partition_splits_total 1`,
		`docroute_round_trip_duration_seconds_count{kind="fan-out"} 2`,
	}
	for _, line := range expected {
		if !strings.Contains(body, line) {
			t.Errorf("expected %q in output", line)
		}
	}
}

func TestRegistry_MultipleInstances(t *testing.T) {
	first, second := NewRegistry(), NewRegistry()
	first.Query().IncSplit()

	if !strings.Contains(scrape(t, first), "docroute_partition_splits_total 1") {
		t.Error("first registry should expose its split")
	}
	if !strings.Contains(scrape(t, second), "docroute_partition_splits_total 0") {
		t.Error("registries must not share collectors")
	}
}

func TestRegistry_RegisterCustomMetric(t *testing.T) {
	registry := NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_custom_counter", Help: "test"})
	if err := registry.Register(counter); err != nil {
		t.Fatalf("failed to register custom metric: %v", err)
	}
	counter.Inc()
	if !strings.Contains(scrape(t, registry), "test_custom_counter 1") {
		t.Error("custom metric value not exposed")
	}
	if err := registry.Register(counter); err == nil {
		t.Error("duplicate registration must fail")
	}
}

func TestQueryMetrics_NilSafe(t *testing.T) {
	var m *QueryMetrics
	m.ObserveQuery("fan-out", OutcomeOK)
	m.ObserveRoundTrip("fan-out", OutcomeOK, time.Millisecond)
	m.AddRequestUnits("read", 1)
	m.IncRetry("fan-out")
	m.IncSplit()
}

func TestNormalizeLabel(t *testing.T) {
	if got := normalizeLabel("  "); got != "unknown" {
		t.Errorf("blank label should normalize to unknown, got %q", got)
	}
	if got := normalizeLabel(" read "); got != "read" {
		t.Errorf("label should be trimmed, got %q", got)
	}
}
