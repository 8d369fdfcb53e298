package mrtcp

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSimCollectorRecordsReports(t *testing.T) {
	reg := prometheus.NewRegistry()
	sc, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("NewSimCollector: %v", err)
	}

	sc.CwndChanged(0.5, 1, 1000, 2000)
	sc.CwndChanged(0.6, 1, 2000, 3000)
	sc.QueueAdmission(0.7, 10, 4, Transmitted)
	sc.QueueAdmission(0.8, 11, 4, REDForced)
	sc.QueueAdmission(0.9, 12, 4, REDForced)
	sc.QueueChanged(1.0, 4, 3, 2.5)

	if got := testutil.ToFloat64(sc.Cwnd.WithLabelValues("1")); got != 3000 {
		t.Fatalf("cwnd gauge = %v, want 3000", got)
	}
	if got := testutil.ToFloat64(sc.CwndChanges.WithLabelValues("1")); got != 2 {
		t.Fatalf("cwnd changes = %v, want 2", got)
	}
	if got := testutil.ToFloat64(sc.Admissions.WithLabelValues("4", "red_forced")); got != 2 {
		t.Fatalf("forced drops = %v, want 2", got)
	}
	if got := testutil.ToFloat64(sc.QueueAvg.WithLabelValues("4")); got != 2.5 {
		t.Fatalf("queue avg = %v, want 2.5", got)
	}
	if got := testutil.ToFloat64(sc.SimTime); got != 1.0 {
		t.Fatalf("sim time = %v, want 1", got)
	}

	// a second collector on the same registry collides
	_, err = NewSimCollector(reg)
	var are prometheus.AlreadyRegisteredError
	if !errors.As(err, &are) {
		t.Fatalf("second NewSimCollector = %v, want an AlreadyRegisteredError", err)
	}
}

func TestSimCollectorFailureLeavesRegistryClean(t *testing.T) {
	reg := prometheus.NewRegistry()
	// same name as the queue length vec, different labels
	taken := prometheus.NewGauge(prometheus.GaugeOpts{Name: "mrtcp_queue_length", Help: "taken"})
	reg.MustRegister(taken)

	if _, err := NewSimCollector(reg); err == nil || !strings.Contains(err.Error(), "mrtcp_queue_length") {
		t.Fatalf("NewSimCollector = %v, want a failure naming mrtcp_queue_length", err)
	}
	reg.Unregister(taken)
	// the collectors registered before the failure were taken back out
	if _, err := NewSimCollector(reg); err != nil {
		t.Fatalf("retry after the conflict was removed: %v", err)
	}
}

func TestSimCollectorHandlerServesRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	sc, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("NewSimCollector: %v", err)
	}
	params := DefaultExpParams()
	params.Runtime = 2.0
	params.DrainSeconds = 0
	exp, err := BuildExperiment(params, nil, nil)
	if err != nil {
		t.Fatalf("BuildExperiment: %v", err)
	}
	if err := exp.Register(sc); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := exp.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rr := httptest.NewRecorder()
	sc.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body := rr.Body.String()
	for _, name := range []string{"mrtcp_cwnd_bytes", "mrtcp_queue_admissions_total",
		"mrtcp_queue_occupancy_bucket", "mrtcp_sim_time_seconds"} {
		if !strings.Contains(body, name) {
			t.Fatalf("metrics output lacks %s", name)
		}
	}
}
