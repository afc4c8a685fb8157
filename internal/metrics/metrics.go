// Package metrics holds the orchestrator's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/fslongjin/sandboxd/internal/ledger"
	"github.com/fslongjin/sandboxd/pkg/model"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sandboxd"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	Transitions        *prometheus.CounterVec
	LedgerCapacity     *prometheus.GaugeVec
	LedgerCommitted    *prometheus.GaugeVec
	LedgerReservations prometheus.Gauge
	ImageBuilds        *prometheus.CounterVec
	ImageBuildDuration prometheus.Histogram
	Reaped             prometheus.Counter
	Adjustments        *prometheus.CounterVec
	UsageSamples       *prometheus.CounterVec
}

// New creates and registers the collectors. Returns nil if reg is nil.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "transitions_total",
			Help:      "Sandbox lifecycle transitions by target state.",
		}, []string{"state"}),

		LedgerCapacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "capacity",
			Help:      "Total admissible capacity per resource dimension.",
		}, []string{"dimension"}),

		LedgerCommitted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "committed",
			Help:      "Committed reservations per resource dimension.",
		}, []string{"dimension"}),

		LedgerReservations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "reservations",
			Help:      "Number of live reservations.",
		}),

		ImageBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "image",
			Name:      "builds_total",
			Help:      "Image build requests by result (built, cached, failed).",
		}, []string{"result"}),

		ImageBuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "image",
			Name:      "build_duration_seconds",
			Help:      "Duration of image builds that reached the registry.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),

		Reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "reaped_total",
			Help:      "Sandboxes torn down for being idle.",
		}),

		Adjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adjuster",
			Name:      "adjustments_total",
			Help:      "Resource limit adjustments by result (applied, rejected, failed).",
		}, []string{"result"}),

		UsageSamples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "samples_total",
			Help:      "Usage samples collected by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.Transitions,
		m.LedgerCapacity,
		m.LedgerCommitted,
		m.LedgerReservations,
		m.ImageBuilds,
		m.ImageBuildDuration,
		m.Reaped,
		m.Adjustments,
		m.UsageSamples,
	)

	return m
}

// ObserveLedger implements ledger.Observer.
func (m *Metrics) ObserveLedger(s ledger.Snapshot) {
	if m == nil {
		return
	}
	for _, d := range model.Dimensions {
		m.LedgerCapacity.WithLabelValues(d.String()).Set(s.Capacity.Get(d))
		m.LedgerCommitted.WithLabelValues(d.String()).Set(s.Committed.Get(d))
	}
	m.LedgerReservations.Set(float64(s.Reservations))
}

func (m *Metrics) Transition(to model.State) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(string(to)).Inc()
}

func (m *Metrics) Build(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.ImageBuilds.WithLabelValues(result).Inc()
	if result == "built" {
		m.ImageBuildDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) Reap() {
	if m == nil {
		return
	}
	m.Reaped.Inc()
}

func (m *Metrics) Adjust(result string) {
	if m == nil {
		return
	}
	m.Adjustments.WithLabelValues(result).Inc()
}

func (m *Metrics) Sample(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.UsageSamples.WithLabelValues(result).Inc()
}
