package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	cycleDuration prometheus.Histogram
	outcomes      *prometheus.CounterVec
	degraded      prometheus.Counter
	rejections    *prometheus.CounterVec
	orders        *prometheus.CounterVec
	actions       *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	latency       *prometheus.HistogramVec
}

// New creates a recorder registered on the default registry.
func New() *Recorder {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a recorder registered on reg. Tests pass a fresh registry.
func NewWithRegistry(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fingate_cycle_duration_seconds",
			Help:    "Duration of a full scan-and-decide cycle",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}),
		outcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fingate_scan_outcomes_total",
				Help: "Scan outcomes by kind",
			},
			[]string{"kind"},
		),
		degraded: f.NewCounter(prometheus.CounterOpts{
			Name: "fingate_cycles_degraded_total",
			Help: "Cycles in which at least one collaborator failed",
		}),
		rejections: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fingate_rejections_total",
				Help: "Rejections by reason",
			},
			[]string{"reason"},
		),
		orders: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fingate_orders_total",
				Help: "Orders dispatched by result",
			},
			[]string{"symbol", "result"},
		),
		actions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fingate_position_actions_total",
				Help: "Position management actions by kind and result",
			},
			[]string{"kind", "result"},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fingate_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fingate_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

// RecordCycle records one finished cycle.
func (r *Recorder) RecordCycle(d time.Duration, accepted, rejected int, degraded bool) {
	r.cycleDuration.Observe(d.Seconds())
	r.outcomes.WithLabelValues("candidate").Add(float64(accepted))
	r.outcomes.WithLabelValues("rejection").Add(float64(rejected))
	if degraded {
		r.degraded.Inc()
	}
}

// RecordRejection records a rejection reason.
func (r *Recorder) RecordRejection(reason string) {
	r.rejections.WithLabelValues(reason).Inc()
}

// RecordOrder records an order dispatch result ("filled", "failed").
func (r *Recorder) RecordOrder(symbol, result string) {
	r.orders.WithLabelValues(symbol, result).Inc()
}

// RecordAction records a position action result.
func (r *Recorder) RecordAction(kind, result string) {
	r.actions.WithLabelValues(kind, result).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordCycle(time.Duration, int, int, bool) {}
func (Nop) RecordRejection(string)                    {}
func (Nop) RecordOrder(string, string)                {}
func (Nop) RecordAction(string, string)               {}
func (Nop) RecordError(string)                        {}
func (Nop) RecordLatency(string, float64)             {}
