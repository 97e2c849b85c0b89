// Package metrics exposes Prometheus instrumentation for the trading core.
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the bot's collectors.
type Recorder struct {
	registry prometheus.Gatherer

	ticks           *prometheus.CounterVec
	skipped         *prometheus.CounterVec
	orderAttempts   *prometheus.CounterVec
	orderResults    *prometheus.CounterVec
	openPositions   prometheus.Gauge
	closes          *prometheus.CounterVec
	realizedPnL     prometheus.Counter
	signalEvictions prometheus.Counter
	latency         *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		ticks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpbot_ticks_total",
			Help: "Loop ticks processed",
		}, []string{"loop", "symbol"}),
		skipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpbot_ticks_skipped_total",
			Help: "Loop ticks skipped, by reason",
		}, []string{"symbol", "reason"}),
		orderAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpbot_order_attempts_total",
			Help: "Order submission attempts sent to the exchange",
		}, []string{"symbol", "side"}),
		orderResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpbot_order_results_total",
			Help: "Final order outcomes",
		}, []string{"symbol", "outcome"}),
		openPositions: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpbot_open_positions",
			Help: "Currently open positions",
		}),
		closes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpbot_position_closes_total",
			Help: "Closed positions by exit reason",
		}, []string{"reason"}),
		realizedPnL: f.NewCounter(prometheus.CounterOpts{
			Name: "perpbot_realized_pnl_events_total",
			Help: "Closed positions that realized a profit",
		}),
		signalEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "perpbot_signal_evictions_total",
			Help: "Signals evicted from the active index by the sweeper",
		}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perpbot_operation_duration_seconds",
			Help:    "Duration of exchange operations in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry, mostly for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

func (r *Recorder) RecordTick(loop, symbol string) {
	if r == nil {
		return
	}
	r.ticks.WithLabelValues(loop, symbol).Inc()
}

func (r *Recorder) RecordSkip(symbol, reason string) {
	if r == nil {
		return
	}
	r.skipped.WithLabelValues(symbol, reason).Inc()
}

func (r *Recorder) RecordOrderAttempt(symbol, side string) {
	if r == nil {
		return
	}
	r.orderAttempts.WithLabelValues(symbol, side).Inc()
}

func (r *Recorder) RecordOrderResult(symbol string, success bool) {
	if r == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	r.orderResults.WithLabelValues(symbol, outcome).Inc()
}

func (r *Recorder) SetOpenPositions(n int) {
	if r == nil {
		return
	}
	r.openPositions.Set(float64(n))
}

func (r *Recorder) RecordClose(reason string, pnl float64) {
	if r == nil {
		return
	}
	r.closes.WithLabelValues(reason).Inc()
	if pnl > 0 {
		r.realizedPnL.Inc()
	}
}

func (r *Recorder) RecordEvictions(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.signalEvictions.Add(float64(n))
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	if r == nil {
		return
	}
	r.latency.WithLabelValues(op).Observe(seconds)
}
