package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sunbed"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	bookingEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_events_total",
			Help:      "Booking lifecycle events by type.",
		},
		[]string{"event"},
	)

	webhookResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhooks_total",
			Help:      "Processed payment webhooks by result.",
		},
		[]string{"result"},
	)

	sweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Background sweep runs by job and outcome.",
		},
		[]string{"job", "outcome"},
	)

	lockCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_api_calls_total",
			Help:      "Lock hardware API calls by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	circuitTrips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_api_circuit_trips_total",
			Help:      "Times the lock API circuit breaker opened.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, bookingEvents, webhookResults, sweepRuns, lockCalls, circuitTrips)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

func IncBookingEvent(event string) {
	bookingEvents.WithLabelValues(event).Inc()
}

func IncWebhook(result string) {
	webhookResults.WithLabelValues(result).Inc()
}

// IncSweep records one sweep run; outcome is "ok", "failed" or "timeout".
func IncSweep(job, outcome string) {
	sweepRuns.WithLabelValues(job, outcome).Inc()
}

func IncLockCall(op, outcome string) {
	lockCalls.WithLabelValues(op, outcome).Inc()
}

func IncCircuitTrip() {
	circuitTrips.Inc()
}
