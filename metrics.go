package mrtcp

// metrics.go exposes a running experiment to Prometheus.  SimCollector is a
// sink: register it on an Experiment and it turns cwnd changes, admission
// decisions and queue changes into gauges, counters and a histogram.

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SimCollector bundles the Prometheus metrics of a simulation run
type SimCollector struct {
	gatherer prometheus.Gatherer

	Cwnd        *prometheus.GaugeVec
	CwndChanges *prometheus.CounterVec
	Admissions  *prometheus.CounterVec
	QueueLength *prometheus.GaugeVec
	QueueAvg    *prometheus.GaugeVec
	Occupancy   *prometheus.HistogramVec
	SimTime     prometheus.Gauge
}

// NewSimCollector registers the simulation metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil
func NewSimCollector(reg prometheus.Registerer) (*SimCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	sc := &SimCollector{gatherer: gatherer}

	sc.Cwnd = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mrtcp_cwnd_bytes",
		Help: "Current congestion window of each flow, in bytes.",
	}, []string{"flow"})
	sc.CwndChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mrtcp_cwnd_changes_total",
		Help: "Number of congestion window changes, per flow.",
	}, []string{"flow"})
	sc.Admissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mrtcp_queue_admissions_total",
		Help: "Queue admission decisions, labeled by link and result.",
	}, []string{"link", "result"})
	sc.QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mrtcp_queue_length",
		Help: "Current length of each bottleneck queue, in queue units.",
	}, []string{"link"})
	sc.QueueAvg = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mrtcp_queue_avg_length",
		Help: "Current average length of each bottleneck queue (RED estimate, or the length for tail-drop).",
	}, []string{"link"})
	sc.Occupancy = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mrtcp_queue_occupancy",
		Help:    "Queue length observed at every change.",
		Buckets: prometheus.LinearBuckets(0, 2, 16),
	}, []string{"link"})
	sc.SimTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mrtcp_sim_time_seconds",
		Help: "Virtual time of the most recent report.",
	})

	collectors := []prometheus.Collector{sc.Cwnd, sc.CwndChanges, sc.Admissions, sc.QueueLength,
		sc.QueueAvg, sc.Occupancy, sc.SimTime}
	names := []string{"mrtcp_cwnd_bytes", "mrtcp_cwnd_changes_total", "mrtcp_queue_admissions_total",
		"mrtcp_queue_length", "mrtcp_queue_avg_length", "mrtcp_queue_occupancy", "mrtcp_sim_time_seconds"}
	for idx, c := range collectors {
		if err := register(reg, c, names[idx]); err != nil {
			// leave the registry as it was so a later attempt can succeed
			for _, done := range collectors[:idx] {
				reg.Unregister(done)
			}
			return nil, err
		}
	}
	return sc, nil
}

// register adds a collector.  A name already taken, say by an earlier run in
// the same process, is reported by name; the prometheus error stays wrapped
func register(reg prometheus.Registerer, c prometheus.Collector, name string) error {
	if err := reg.Register(c); err != nil {
		return fmt.Errorf("collector %s: %w", name, err)
	}
	return nil
}

// Handler exposes a ready-to-use /metrics handler
func (sc *SimCollector) Handler() http.Handler {
	gatherer := sc.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// CwndChanged implements CwndSink
func (sc *SimCollector) CwndChanged(t float64, flowID int, oldCwnd, newCwnd int) {
	flow := strconv.Itoa(flowID)
	sc.Cwnd.WithLabelValues(flow).Set(float64(newCwnd))
	sc.CwndChanges.WithLabelValues(flow).Inc()
	sc.SimTime.Set(t)
}

// QueueAdmission implements AdmissionSink
func (sc *SimCollector) QueueAdmission(t float64, pcktID int, linkID int, result Admission) {
	sc.Admissions.WithLabelValues(strconv.Itoa(linkID), result.String()).Inc()
	sc.SimTime.Set(t)
}

// QueueChanged implements QueueSink
func (sc *SimCollector) QueueChanged(t float64, linkID int, length int, avg float64) {
	link := strconv.Itoa(linkID)
	sc.QueueLength.WithLabelValues(link).Set(float64(length))
	sc.QueueAvg.WithLabelValues(link).Set(avg)
	sc.Occupancy.WithLabelValues(link).Observe(float64(length))
	sc.SimTime.Set(t)
}
