package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crowdaid_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crowdaid_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	acceptAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crowdaid_accept_attempts_total",
		Help: "Volunteer accept attempts by outcome",
	}, []string{"result"})

	statusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crowdaid_status_transitions_total",
		Help: "Applied help request status transitions",
	}, []string{"from", "to"})

	nearbyMatches = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crowdaid_nearby_results",
		Help:    "Proximity query sizes before (candidates) and after (matches) the exact distance filter",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
	}, []string{"stage"})

	deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crowdaid_deliveries_total",
		Help: "Realtime frame deliveries by kind and outcome",
	}, []string{"kind", "result"})

	liveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crowdaid_live_sessions",
		Help: "Number of open streaming sessions",
	})

	onlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crowdaid_online_users",
		Help: "Number of users with at least one open session",
	})

	circuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crowdaid_circuit_state",
		Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
	}, []string{"dependency"})
)

// ObserveHTTPRequest records an HTTP request metric
func ObserveHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// ObserveAccept counts an accept attempt; result is accepted, conflict,
// forbidden, not_found or error.
func ObserveAccept(result string) {
	acceptAttempts.WithLabelValues(result).Inc()
}

// ObserveTransition counts an applied status change
func ObserveTransition(from, to string) {
	statusTransitions.WithLabelValues(from, to).Inc()
}

// ObserveNearby records the candidate and match counts of a proximity query
func ObserveNearby(candidates, matches int) {
	nearbyMatches.WithLabelValues("candidates").Observe(float64(candidates))
	nearbyMatches.WithLabelValues("matches").Observe(float64(matches))
}

// ObserveDelivery counts a realtime delivery; kind is direct or topic
func ObserveDelivery(kind, result string) {
	deliveries.WithLabelValues(kind, result).Inc()
}

// SetPresence publishes the current session and user counts
func SetPresence(sessions, users int) {
	if sessions < 0 {
		sessions = 0
	}
	if users < 0 {
		users = 0
	}
	liveSessions.Set(float64(sessions))
	onlineUsers.Set(float64(users))
}

// SetCircuitState publishes a breaker state for a dependency
func SetCircuitState(dependency string, state int) {
	circuitState.WithLabelValues(dependency).Set(float64(state))
}
