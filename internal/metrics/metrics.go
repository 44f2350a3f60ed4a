// Package metrics holds the Prometheus collectors for the checkout.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the checkout counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// StepTransitions counts wizard moves by source and target step.
	StepTransitions *prometheus.CounterVec

	// Payments counts payment attempts by outcome.
	Payments *prometheus.CounterVec

	// BookingsCommitted counts bookings created after a successful payment.
	BookingsCommitted prometheus.Counter

	// PartialCommits counts payments whose booking creation stopped part way.
	PartialCommits prometheus.Counter

	// VerificationChecks counts email verification checks by result.
	VerificationChecks *prometheus.CounterVec

	// SlotResolutions counts resolver runs.
	SlotResolutions prometheus.Counter

	// BackendDuration is the latency of backend calls by operation.
	BackendDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg (prometheus.DefaultRegisterer when nil).
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		StepTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkout_step_transitions_total",
				Help:      "Count of checkout step transitions.",
			},
			[]string{"from", "to"},
		),

		Payments: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payments_total",
				Help:      "Count of payment attempts by outcome.",
			},
			[]string{"outcome"},
		),

		BookingsCommitted: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bookings_committed_total",
				Help:      "Count of bookings created after payment.",
			},
		),

		PartialCommits: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "partial_commits_total",
				Help:      "Count of payments with incomplete booking creation.",
			},
		),

		VerificationChecks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verification_checks_total",
				Help:      "Count of email verification checks by result.",
			},
			[]string{"result"},
		),

		SlotResolutions: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "slot_resolutions_total",
				Help:      "Count of bookable slot resolutions.",
			},
		),

		BackendDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_request_duration_seconds",
				Help:      "Backend request latency.",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2, 5},
			},
			[]string{"operation", "status"},
		),
	}
}

func (m *Metrics) IncStepTransition(from, to string) {
	if m == nil {
		return
	}
	m.StepTransitions.WithLabelValues(from, to).Inc()
}

// IncPayment records a payment outcome: succeeded, authorization_failed, declined or partial_commit.
func (m *Metrics) IncPayment(outcome string) {
	if m == nil {
		return
	}
	m.Payments.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AddBookingsCommitted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BookingsCommitted.Add(float64(n))
}

func (m *Metrics) IncPartialCommit() {
	if m == nil {
		return
	}
	m.PartialCommits.Inc()
}

func (m *Metrics) IncVerificationCheck(result string) {
	if m == nil {
		return
	}
	m.VerificationChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) IncSlotResolution() {
	if m == nil {
		return
	}
	m.SlotResolutions.Inc()
}

func (m *Metrics) ObserveBackend(operation, status string, seconds float64) {
	if m == nil {
		return
	}
	m.BackendDuration.WithLabelValues(operation, status).Observe(seconds)
}
