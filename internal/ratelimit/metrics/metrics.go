package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	DecisionAllowed = "allowed"
	DecisionDenied  = "denied"
	DecisionError   = "error"
)

type Metrics struct {
	Decisions     *prometheus.CounterVec
	StoreErrors   prometheus.Counter
	FallbackUsed  prometheus.Counter
	CircuitOpened prometheus.Counter
	ActiveWindows prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kycgate_ratelimit_decisions_total",
			Help: "Rate limit admission decisions",
		}, []string{"decision"}),
		StoreErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "kycgate_ratelimit_store_errors_total",
			Help: "Errors returned by the primary window store",
		}),
		FallbackUsed: factory.NewCounter(prometheus.CounterOpts{
			Name: "kycgate_ratelimit_fallback_total",
			Help: "Decisions served by the in-memory fallback store",
		}),
		CircuitOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "kycgate_ratelimit_circuit_opened_total",
			Help: "Times the window store circuit breaker opened",
		}),
		ActiveWindows: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kycgate_ratelimit_active_windows",
			Help: "Client windows currently held in memory",
		}),
	}
}

func (m *Metrics) IncrementDecision(decision string) {
	if m != nil {
		m.Decisions.WithLabelValues(decision).Inc()
	}
}

func (m *Metrics) IncrementStoreErrors() {
	if m != nil {
		m.StoreErrors.Inc()
	}
}

func (m *Metrics) IncrementFallback() {
	if m != nil {
		m.FallbackUsed.Inc()
	}
}

func (m *Metrics) IncrementCircuitOpened() {
	if m != nil {
		m.CircuitOpened.Inc()
	}
}

func (m *Metrics) SetActiveWindows(n int) {
	if m != nil {
		m.ActiveWindows.Set(float64(n))
	}
}
