// Package metrics exposes reconciliation counters and account gauges for
// Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ResultSuccess           = "success"
	ResultBrokerUnavailable = "broker_unavailable"
	ResultValidation        = "validation_error"
	ResultRecording         = "recording_failure"
	ResultSkipped           = "skipped"
	ResultError             = "error"
)

type Metrics struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	divergences   *prometheus.CounterVec
	guardTriggers *prometheus.CounterVec
	autoCloses    *prometheus.CounterVec
	equity        *prometheus.GaugeVec
	drawdown      *prometheus.GaugeVec
	breakerOpen   *prometheus.GaugeVec
}

// New registers every collector on a fresh registry, so several instances
// can coexist in tests.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reconciliation_cycles_total",
			Help: "Reconciliation cycles by result.",
		}, []string{"result"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "reconciliation_cycle_duration_seconds",
			Help:    "Wall time of one user cycle.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15, 30},
		}),
		divergences: f.NewCounterVec(prometheus.CounterOpts{
			Name: "divergences_total",
			Help: "Divergent positions by reason.",
		}, []string{"reason"}),
		guardTriggers: f.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_triggers_total",
			Help: "Guard alerts raised by type.",
		}, []string{"type"}),
		autoCloses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autocloses_total",
			Help: "Positions force-closed by reason.",
		}, []string{"reason"}),
		equity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "account_equity",
			Help: "Last synced equity.",
		}, []string{"user_id"}),
		drawdown: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "account_drawdown_percent",
			Help: "Last computed drawdown from peak equity.",
		}, []string{"user_id"}),
		breakerOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "account_breaker_open",
			Help: "1 while the user's circuit breaker is open.",
		}, []string{"user_id"}),
	}
}

func (m *Metrics) ObserveCycle(result string, seconds float64) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(result).Inc()
	m.cycleDuration.Observe(seconds)
}

func (m *Metrics) Divergence(reason string) {
	if m == nil {
		return
	}
	m.divergences.WithLabelValues(reason).Inc()
}

func (m *Metrics) GuardTrigger(kind string) {
	if m == nil {
		return
	}
	m.guardTriggers.WithLabelValues(kind).Inc()
}

func (m *Metrics) AutoClose(reason string) {
	if m == nil {
		return
	}
	m.autoCloses.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetAccount(userID string, equity, drawdownPercent float64) {
	if m == nil {
		return
	}
	m.equity.WithLabelValues(userID).Set(equity)
	m.drawdown.WithLabelValues(userID).Set(drawdownPercent)
}

func (m *Metrics) SetBreakerOpen(userID string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.breakerOpen.WithLabelValues(userID).Set(v)
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
