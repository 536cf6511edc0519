package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	UsersRegistered     prometheus.Counter
	RegistrationsFailed *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		UsersRegistered: factory.NewCounter(prometheus.CounterOpts{
			Name: "kycgate_users_registered_total",
			Help: "Users successfully registered",
		}),
		RegistrationsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kycgate_registrations_failed_total",
			Help: "Rejected or failed registrations by error code",
		}, []string{"code"}),
	}
}

func (m *Metrics) IncrementRegistered() {
	if m != nil {
		m.UsersRegistered.Inc()
	}
}

func (m *Metrics) IncrementFailed(code string) {
	if m != nil {
		m.RegistrationsFailed.WithLabelValues(code).Inc()
	}
}
