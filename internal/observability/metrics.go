// Package observability provides Prometheus metrics and logging setup.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline label values.
const (
	PipelineExtrema = "extrema"
	PipelineLevels  = "levels"
)

// Metrics holds all Prometheus metrics for the application.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Cycle metrics
	CyclesTotal   *prometheus.CounterVec
	CycleDuration *prometheus.HistogramVec
	WindowsTotal  *prometheus.CounterVec

	// Extremum tracker metrics
	BarsProcessed     *prometheus.CounterVec
	ExtremaStackSize  *prometheus.GaugeVec
	ExtremaOperations *prometheus.CounterVec

	// Level tracker metrics
	LevelsTracked *prometheus.GaugeVec
	LevelsEvicted *prometheus.CounterVec
	LevelLifetime *prometheus.HistogramVec
	BookQuantity  *prometheus.GaugeVec
	BookImbalance *prometheus.GaugeVec

	// Collaborator metrics
	SourceErrors  *prometheus.CounterVec
	SourceLatency *prometheus.HistogramVec
	StoreLatency  *prometheus.HistogramVec
	StoreErrors   *prometheus.CounterVec
	SinkErrors    *prometheus.CounterVec

	// Health metrics
	LastSuccessfulCycle *prometheus.GaugeVec
}

// NewMetrics creates a Metrics instance registered with reg.
// A nil reg registers with the default Prometheus registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "market_structure_lab"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		CyclesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "runs_total",
			Help:      "Total number of reconciliation cycles by pipeline and status",
		}, []string{"pipeline", "status"}),
		CycleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "duration_seconds",
			Help:      "Reconciliation cycle duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"pipeline"}),
		WindowsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extrema",
			Name:      "windows_total",
			Help:      "Total number of bar windows committed",
		}, []string{"stream"}),

		BarsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extrema",
			Name:      "bars_processed_total",
			Help:      "Total number of bars folded into extremum stacks",
		}, []string{"stream"}),
		ExtremaStackSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "extrema",
			Name:      "stack_size",
			Help:      "Current number of confirmed extrema",
		}, []string{"stream"}),
		ExtremaOperations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extrema",
			Name:      "operations_total",
			Help:      "Extremum tracker operations by kind (push, pop, kick, reject)",
		}, []string{"stream", "op"}),

		LevelsTracked: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "levels",
			Name:      "tracked",
			Help:      "Current number of tracked order-book levels",
		}, []string{"book"}),
		LevelsEvicted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "levels",
			Name:      "evicted_total",
			Help:      "Total number of levels evicted after the market traded through them",
		}, []string{"book"}),
		LevelLifetime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "levels",
			Name:      "lifetime_seconds",
			Help:      "Observed lifetime of revisited levels in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"book", "tier"}),
		BookQuantity: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "book",
			Name:      "total_quantity",
			Help:      "Total resting quantity of the last snapshot by side",
		}, []string{"symbol", "side"}),
		BookImbalance: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "book",
			Name:      "imbalance",
			Help:      "Bid/ask quantity imbalance of the last snapshot",
		}, []string{"symbol"}),

		SourceErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "errors_total",
			Help:      "Total number of market-data source failures",
		}, []string{"source", "op"}),
		SourceLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "call_latency_seconds",
			Help:      "Market-data call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		StoreLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "State store operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Total number of state store errors",
		}, []string{"operation"}),
		SinkErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "errors_total",
			Help:      "Total number of post-commit history sink failures",
		}, []string{"pipeline"}),

		LastSuccessfulCycle: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_cycle_timestamp",
			Help:      "Unix timestamp of the last successful cycle",
		}, []string{"pipeline"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a /metrics handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RecordCycle records the outcome of one reconciliation cycle.
func (m *Metrics) RecordCycle(pipeline string, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.CyclesTotal.WithLabelValues(pipeline, status).Inc()
	m.CycleDuration.WithLabelValues(pipeline).Observe(d.Seconds())
	if err == nil {
		m.LastSuccessfulCycle.WithLabelValues(pipeline).SetToCurrentTime()
	}
}

// RecordWindow records one committed extremum window.
func (m *Metrics) RecordWindow(stream string, bars, pushed, popped, kicked, rejected, stackSize int) {
	if m == nil {
		return
	}
	m.WindowsTotal.WithLabelValues(stream).Inc()
	m.BarsProcessed.WithLabelValues(stream).Add(float64(bars))
	m.ExtremaOperations.WithLabelValues(stream, "push").Add(float64(pushed))
	m.ExtremaOperations.WithLabelValues(stream, "pop").Add(float64(popped))
	m.ExtremaOperations.WithLabelValues(stream, "kick").Add(float64(kicked))
	m.ExtremaOperations.WithLabelValues(stream, "reject").Add(float64(rejected))
	m.ExtremaStackSize.WithLabelValues(stream).Set(float64(stackSize))
}

// RecordLevels records one committed level reconciliation.
func (m *Metrics) RecordLevels(book string, tracked, evicted int) {
	if m == nil {
		return
	}
	m.LevelsTracked.WithLabelValues(book).Set(float64(tracked))
	m.LevelsEvicted.WithLabelValues(book).Add(float64(evicted))
}

// ObserveLifetime records the lifetime of a revisited level.
func (m *Metrics) ObserveLifetime(book, tier string, lifetimeMs int64) {
	if m == nil {
		return
	}
	if tier == "" {
		tier = "none"
	}
	m.LevelLifetime.WithLabelValues(book, tier).Observe(float64(lifetimeMs) / 1000)
}

// RecordBook updates the book quantity gauges.
func (m *Metrics) RecordBook(symbol string, bidQty, askQty, imbalance float64) {
	if m == nil {
		return
	}
	m.BookQuantity.WithLabelValues(symbol, "bid").Set(bidQty)
	m.BookQuantity.WithLabelValues(symbol, "ask").Set(askQty)
	m.BookImbalance.WithLabelValues(symbol).Set(imbalance)
}

// RecordSourceCall records a market-data call.
func (m *Metrics) RecordSourceCall(source, op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.SourceLatency.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		m.SourceErrors.WithLabelValues(source, op).Inc()
	}
}

// RecordStoreOp records a state store operation.
func (m *Metrics) RecordStoreOp(operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.StoreLatency.WithLabelValues(operation).Observe(d.Seconds())
	if err != nil {
		m.StoreErrors.WithLabelValues(operation).Inc()
	}
}

// RecordSinkError counts a failed post-commit sink call.
func (m *Metrics) RecordSinkError(pipeline string) {
	if m == nil {
		return
	}
	m.SinkErrors.WithLabelValues(pipeline).Inc()
}
