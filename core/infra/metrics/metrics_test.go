package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func withTestRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	origReg := prometheus.DefaultRegisterer
	origGather := prometheus.DefaultGatherer
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = origReg
		prometheus.DefaultGatherer = origGather
	})
	return reg
}

func TestNoopMetrics(t *testing.T) {
	var m Noop
	m.IncAcquired("exclusive")
	m.IncDenied("shared")
	m.IncReleased()
	m.ObserveWaitSeconds("exclusive", 0.5)
	m.IncFailOpen()
	m.IncAgentFailures()
	m.IncAssignments("accepted")
}

func TestPromMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewProm("corral")
	m.IncAcquired("exclusive")
	m.IncDenied("exclusive")
	m.IncReleased()
	m.ObserveWaitSeconds("exclusive", 0.25)
	m.IncFailOpen()
	m.IncAgentFailures()
	m.IncAssignments("rejected")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "corral_locks_acquired_total", map[string]string{"mode": "exclusive"}) {
		t.Fatalf("expected locks_acquired metric")
	}
	if !hasMetric(families, "corral_locks_denied_total", map[string]string{"mode": "exclusive"}) {
		t.Fatalf("expected locks_denied metric")
	}
	if !hasMetric(families, "corral_locks_released_total", nil) {
		t.Fatalf("expected locks_released metric")
	}
	if !hasMetric(families, "corral_lock_wait_seconds", map[string]string{"mode": "exclusive"}) {
		t.Fatalf("expected lock_wait_seconds metric")
	}
	if !hasMetric(families, "corral_lock_store_fail_open_total", nil) {
		t.Fatalf("expected fail_open metric")
	}
	if !hasMetric(families, "corral_agent_failures_total", nil) {
		t.Fatalf("expected agent_failures metric")
	}
	if !hasMetric(families, "corral_task_assignments_total", map[string]string{"outcome": "rejected"}) {
		t.Fatalf("expected task_assignments metric")
	}
}

func TestAPIMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewAPIProm("corral")
	m.ObserveRequest("GET", "/api/v1/locks", "200", 0.01)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "corral_http_requests_total", map[string]string{"method": "GET", "route": "/api/v1/locks", "status": "200"}) {
		t.Fatalf("expected http_requests metric")
	}
	if !hasMetric(families, "corral_http_request_duration_seconds", map[string]string{"method": "GET", "route": "/api/v1/locks"}) {
		t.Fatalf("expected http_request_duration metric")
	}
}

func TestHandler(t *testing.T) {
	withTestRegistry(t)
	m := NewProm("corral")
	m.IncAcquired("shared")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("expected metrics output")
	}
}

func hasMetric(families []*dto.MetricFamily, name string, labels map[string]string) bool {
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matchLabels(metric.GetLabel(), labels) {
				return true
			}
		}
	}
	return false
}

func matchLabels(pairs []*dto.LabelPair, labels map[string]string) bool {
	if len(labels) == 0 {
		return true
	}
	found := 0
	for _, pair := range pairs {
		if val, ok := labels[pair.GetName()]; ok && pair.GetValue() == val {
			found++
		}
	}
	return found == len(labels)
}
