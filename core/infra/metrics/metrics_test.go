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
	var _ SchedulerMetrics = m
	var _ ExecutorMetrics = m
	var _ ReconcilerMetrics = m
	m.IncIntentsScheduled()
	m.IncIntentsRejected("past_schedule")
	m.IncJobsFired("tick")
	m.IncJobsFailed("recovery")
	m.ObserveExecution("completed", 0.1)
	m.IncReconciled("success")
	m.IncReconcileDropped("invalid")
}

func TestPromMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewProm("reqflow")
	m.IncIntentsScheduled()
	m.IncIntentsRejected("past_schedule")
	m.IncJobsFired("tick")
	m.IncJobsFailed("recovery")
	m.ObserveExecution("failed", 0.25)
	m.IncReconciled("success")
	m.IncReconcileDropped("not_found")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	checks := []struct {
		name   string
		labels map[string]string
	}{
		{"reqflow_intents_scheduled_total", nil},
		{"reqflow_intents_rejected_total", map[string]string{"reason": "past_schedule"}},
		{"reqflow_jobs_fired_total", map[string]string{"path": "tick"}},
		{"reqflow_jobs_failed_total", map[string]string{"path": "recovery"}},
		{"reqflow_executions_total", map[string]string{"outcome": "failed"}},
		{"reqflow_execution_duration_seconds", map[string]string{"outcome": "failed"}},
		{"reqflow_records_reconciled_total", map[string]string{"status": "success"}},
		{"reqflow_reconcile_dropped_total", map[string]string{"reason": "not_found"}},
	}
	for _, c := range checks {
		if !hasMetric(families, c.name, c.labels) {
			t.Fatalf("expected %s metric", c.name)
		}
	}
}

func TestHandler(t *testing.T) {
	withTestRegistry(t)
	m := NewProm("reqflow")
	m.IncJobsFired("tick")

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

func TestNewServerServesMetrics(t *testing.T) {
	withTestRegistry(t)
	NewProm("reqflow").IncJobsFired("tick")
	srv := NewServer(":0")
	if srv.ReadTimeout == 0 || srv.WriteTimeout == 0 {
		t.Fatalf("expected timeouts set")
	}
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
