// Package metrics holds the Prometheus collectors shared by the bot and the
// web API. Collectors are registered on the default registry at init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Outcomes counts verification results by outcome label
	// (challenge_issued, verified, rejected, bot_account_rejected, ...).
	Outcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_verification_outcomes_total",
			Help: "Verification operation outcomes.",
		},
		[]string{"outcome"},
	)

	Scores = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gatekeeper_verification_score",
			Help:    "Behavior scores computed at finalization.",
			Buckets: []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)

	Expired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gatekeeper_pending_expired_total",
			Help: "Pending verifications removed by the expiry timer.",
		},
	)

	RoleGrantFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gatekeeper_role_grant_failures_total",
			Help: "Verified users whose role could not be granted.",
		},
	)

	Kicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gatekeeper_unverified_kicks_total",
			Help: "Members removed for not verifying in time.",
		},
	)

	// HTTPRequests and HTTPDuration are labelled by the registered gin route,
	// not the raw URL, so guild and user IDs stay out of label values.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_http_requests_total",
			Help: "HTTP requests served by the verification API.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gatekeeper_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(Outcomes, Scores, Expired, RoleGrantFailures, Kicks, HTTPRequests, HTTPDuration)
}
