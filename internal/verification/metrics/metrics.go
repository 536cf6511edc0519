package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Webhook outcomes.
const (
	WebhookApplied          = "applied"
	WebhookIgnored          = "ignored"
	WebhookInvalidSignature = "invalid_signature"
	WebhookBadRequest       = "bad_request"
	WebhookUnknownApplicant = "unknown_applicant"
	WebhookError            = "error"
)

// Metrics provides observability for the verification module.
type Metrics struct {
	Webhooks         *prometheus.CounterVec
	ProviderRequests *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Webhooks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kycgate_webhooks_total",
			Help: "Verification webhooks by outcome",
		}, []string{"outcome"}),
		ProviderRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kycgate_provider_requests_total",
			Help: "Outbound verification provider calls by operation and outcome",
		}, []string{"operation", "outcome"}),
		ProviderLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kycgate_provider_request_duration_seconds",
			Help:    "Duration of outbound verification provider calls",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"operation"}),
	}
}

func (m *Metrics) IncrementWebhook(outcome string) {
	if m != nil {
		m.Webhooks.WithLabelValues(outcome).Inc()
	}
}

// ObserveProviderRequest records one provider call and its duration.
func (m *Metrics) ObserveProviderRequest(operation, outcome string, d time.Duration) {
	if m != nil {
		m.ProviderRequests.WithLabelValues(operation, outcome).Inc()
		m.ProviderLatency.WithLabelValues(operation).Observe(d.Seconds())
	}
}
