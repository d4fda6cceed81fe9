package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for checkouts and reconciliation.
type Metrics struct {
	// Checkout step results by step and resulting state
	CheckoutSteps *prometheus.CounterVec

	// Per-entity outcomes reported back to callers
	EntityOutcomes *prometheus.CounterVec

	// Captured amounts, in minor units
	CapturedMinorUnits prometheus.Counter

	AmountMismatches prometheus.Counter

	// Gateway capture latency by result: "ok", "timeout", "error"
	CaptureLatency *prometheus.HistogramVec

	StepLatency *prometheus.HistogramVec
}

// New registers the metrics with the default registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers the metrics with reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not panic.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CheckoutSteps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "registrar_checkout_steps_total",
			Help: "Checkout steps by step name and resulting state",
		}, []string{"step", "state"}),

		EntityOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "registrar_entity_outcomes_total",
			Help: "Per-entity outcomes returned by checkout steps",
		}, []string{"status"}),

		CapturedMinorUnits: factory.NewCounter(prometheus.CounterOpts{
			Name: "registrar_captured_minor_units_total",
			Help: "Sum of reconciled payment amounts in minor units",
		}),

		AmountMismatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "registrar_amount_mismatches_total",
			Help: "Captures rejected because the amount did not match the quote",
		}),

		CaptureLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "registrar_gateway_capture_duration_seconds",
			Help:    "Duration of gateway capture calls by result",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		}, []string{"result"}),

		StepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "registrar_checkout_step_duration_seconds",
			Help:    "Duration of orchestrator steps",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"step"}),
	}
}

// IncrementStep records the state a checkout step ended in.
func (m *Metrics) IncrementStep(step, state string) {
	if m != nil {
		m.CheckoutSteps.WithLabelValues(step, state).Inc()
	}
}

func (m *Metrics) IncrementOutcome(status string) {
	if m != nil {
		m.EntityOutcomes.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) AddCaptured(minorUnits int64) {
	if m != nil && minorUnits > 0 {
		m.CapturedMinorUnits.Add(float64(minorUnits))
	}
}

func (m *Metrics) IncrementAmountMismatch() {
	if m != nil {
		m.AmountMismatches.Inc()
	}
}

// ObserveCapture records a gateway capture that started at start.
func (m *Metrics) ObserveCapture(result string, start time.Time) {
	if m != nil {
		m.CaptureLatency.WithLabelValues(result).Observe(time.Since(start).Seconds())
	}
}

// ObserveStep records an orchestrator step that started at start.
func (m *Metrics) ObserveStep(step string, start time.Time) {
	if m != nil {
		m.StepLatency.WithLabelValues(step).Observe(time.Since(start).Seconds())
	}
}
