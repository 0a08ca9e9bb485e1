package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LendingMetrics aggregates the node's Prometheus collectors.
type LendingMetrics struct {
	registry *prometheus.Registry

	actions      *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	liquidations prometheus.Counter
	settlements  *prometheus.CounterVec
	inFlight     prometheus.Gauge
	latency      *prometheus.HistogramVec
}

var (
	lendingOnce sync.Once
	lendingReg  *LendingMetrics
)

// Lending returns the lazily-initialised metrics registry shared by the
// gateway and background workers.
func Lending() *LendingMetrics {
	lendingOnce.Do(func() {
		registry := prometheus.NewRegistry()
		m := &LendingMetrics{
			registry: registry,
			actions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crosslend",
				Subsystem: "lending",
				Name:      "actions_total",
				Help:      "Lending actions segmented by action kind and outcome.",
			}, []string{"action", "outcome"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crosslend",
				Subsystem: "lending",
				Name:      "rejections_total",
				Help:      "Rejected lending actions segmented by action kind and reason.",
			}, []string{"action", "reason"}),
			liquidations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "crosslend",
				Subsystem: "lending",
				Name:      "liquidations_total",
				Help:      "Committed liquidations.",
			}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crosslend",
				Subsystem: "settlement",
				Name:      "messages_total",
				Help:      "Cross-chain settlement messages segmented by terminal status.",
			}, []string{"status"}),
			inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "crosslend",
				Subsystem: "settlement",
				Name:      "in_flight",
				Help:      "Settlement messages currently pending or sent.",
			}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "crosslend",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for gateway handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "status"}),
		}
		registry.MustRegister(m.actions, m.rejections, m.liquidations, m.settlements, m.inFlight, m.latency)
		lendingReg = m
	})
	return lendingReg
}

// Handler serves the registry in Prometheus exposition format.
func (m *LendingMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordAction counts one committed or rejected action.
func (m *LendingMetrics) RecordAction(action, outcome string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(action, outcome).Inc()
}

// RecordRejection counts a rejection with its reason label.
func (m *LendingMetrics) RecordRejection(action, reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(action, reason).Inc()
}

// RecordLiquidation counts a committed liquidation.
func (m *LendingMetrics) RecordLiquidation() {
	if m == nil {
		return
	}
	m.liquidations.Inc()
}

// RecordSettlement counts a settlement message reaching a terminal status.
func (m *LendingMetrics) RecordSettlement(status string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(status).Inc()
}

// SetInFlight updates the in-flight settlement gauge.
func (m *LendingMetrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(n))
}

// ObserveLatency records one handled request.
func (m *LendingMetrics) ObserveLatency(route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(route, status).Observe(seconds)
}
