// Package metrics exposes Prometheus collectors for the reconciliation
// engine: resource counts by status, action outcomes and reservation
// outcomes (SPEC_FULL.md §2.2).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the process's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	resources       *prometheus.GaugeVec
	actionsTotal    *prometheus.CounterVec
	actionAttempts  prometheus.Histogram
	actionDuration  *prometheus.HistogramVec
	reservations    *prometheus.CounterVec
	schedulerWakeup prometheus.Counter
	uptime          prometheus.GaugeFunc
}

var startTime = time.Now()

var global *Metrics

// Init builds and registers the metrics set under namespace. Safe to call
// once at startup; subsequent calls replace the global instance, which
// only test code should do.
func Init(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		resources: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resources",
				Help:      "Current resource count by pool and status",
			},
			[]string{"pool", "status"},
		),

		actionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_total",
				Help:      "Total executed actions by pool, action and outcome",
			},
			[]string{"pool", "action", "outcome"},
		),

		actionAttempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_attempts",
				Help:      "Attempt count at the time an action was marked BAD",
				Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 10},
			},
		),

		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_milliseconds",
				Help:      "Duration of a single executed action in milliseconds",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 10000},
			},
			[]string{"action"},
		),

		reservations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reservations_total",
				Help:      "Total reservation outcomes by pool and result",
			},
			[]string{"pool", "result"},
		),

		schedulerWakeup: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_wakeups_total",
				Help:      "Total scheduler loop iterations",
			},
		),
	}

	m.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the daemon started",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)

	registry.MustRegister(
		m.resources,
		m.actionsTotal,
		m.actionAttempts,
		m.actionDuration,
		m.reservations,
		m.schedulerWakeup,
		m.uptime,
	)

	global = m
	return m
}

// Global returns the process-wide Metrics set, or nil if Init hasn't run.
func Global() *Metrics { return global }

// SetResourceCount sets the gauge for pool/status.
func (m *Metrics) SetResourceCount(pool, status string, count int) {
	if m == nil {
		return
	}
	m.resources.WithLabelValues(pool, status).Set(float64(count))
}

// RecordAction records a completed action's outcome and duration.
func (m *Metrics) RecordAction(pool, action, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.actionsTotal.WithLabelValues(pool, action, outcome).Inc()
	m.actionDuration.WithLabelValues(action).Observe(float64(duration.Milliseconds()))
}

// RecordActionAttempts records the attempt count of an action marked BAD.
func (m *Metrics) RecordActionAttempts(attempts int) {
	if m == nil {
		return
	}
	m.actionAttempts.Observe(float64(attempts))
}

// RecordReservation records a reservation API outcome ("acquired",
// "no_resources", "released", "not_reserved").
func (m *Metrics) RecordReservation(pool, result string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(pool, result).Inc()
}

// RecordSchedulerWakeup increments the scheduler loop iteration counter.
func (m *Metrics) RecordSchedulerWakeup() {
	if m == nil {
		return
	}
	m.schedulerWakeup.Inc()
}

// Handler returns an HTTP handler serving this registry's metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
