package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Validation results.
const (
	ResultValid     = "valid"
	ResultMalformed = "malformed"
	ResultBadMAC    = "bad_mac"
	ResultExpired   = "expired"
	ResultNoSession = "no_session"
	ResultError     = "error"
)

// Metrics provides observability for token issuance and validation.
type Metrics struct {
	TokensIssued     prometheus.Counter
	TokenValidations *prometheus.CounterVec
}

// New registers the token metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TokensIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "kycgate_tokens_issued_total",
			Help: "Total bearer tokens issued",
		}),
		TokenValidations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kycgate_token_validations_total",
			Help: "Bearer token validations by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) IncrementIssued() {
	if m != nil {
		m.TokensIssued.Inc()
	}
}

func (m *Metrics) IncrementValidation(result string) {
	if m != nil {
		m.TokenValidations.WithLabelValues(result).Inc()
	}
}
