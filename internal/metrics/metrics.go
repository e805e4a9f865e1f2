// Package metrics содержит Prometheus-метрики сервиса гарантий.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "guarantee"

var (
	// DecisionsTotal считает решения администраторов по типу и исходу.
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decisions_total",
		Help:      "Admin guarantee decisions by decision and outcome.",
	}, []string{"decision", "outcome"})

	// StripeRequestsTotal считает обращения к Stripe по операции и исходу.
	StripeRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stripe_requests_total",
		Help:      "Stripe API calls by operation and outcome.",
	}, []string{"operation", "outcome"})

	// EnrollmentsByState показывает число гарантий в каждом вычисляемом состоянии.
	EnrollmentsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "enrollments_by_state",
		Help:      "Number of guarantee enrollments per computed state.",
	}, []string{"state"})

	// WebhookEventsTotal считает входящие события Stripe по типу и HTTP-статусу ответа.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_events_total",
		Help:      "Stripe webhook events by type and response status.",
	}, []string{"event_type", "status"})

	// HTTPRequestDuration отражает длительность обработки HTTP-запросов.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "status"})
)

// Outcome возвращает метку исхода операции.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
