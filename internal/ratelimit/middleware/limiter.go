package middleware

import (
	"context"
	"log/slog"
	"time"

	"kycgate/internal/ratelimit/metrics"
	"kycgate/internal/ratelimit/models"
	"kycgate/pkg/platform/circuit"
	"kycgate/pkg/requestcontext"
)

// WindowStore counts hits in fixed windows.
type WindowStore interface {
	Hit(ctx context.Context, key string, limit models.Limit, now time.Time) (*models.Result, error)
}

// Limiter applies one Limit per client over a primary window store, with an
// optional fallback store behind a circuit breaker.
type Limiter struct {
	primary  WindowStore
	fallback WindowStore
	breaker  *circuit.Breaker
	limit    models.Limit
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type LimiterOption func(*Limiter)

func WithLimiterLogger(logger *slog.Logger) LimiterOption {
	return func(l *Limiter) { l.logger = logger }
}

func WithLimiterMetrics(m *metrics.Metrics) LimiterOption {
	return func(l *Limiter) { l.metrics = m }
}

func NewLimiter(primary WindowStore, limit models.Limit, opts ...LimiterOption) *Limiter {
	l := &Limiter{
		primary: primary,
		limit:   limit,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Limit reports the configured ceiling.
func (l *Limiter) Limit() models.Limit { return l.limit }

// Admit records one request from clientID.
func (l *Limiter) Admit(ctx context.Context, clientID string) (*models.Result, error) {
	key := models.WindowKey(clientID)
	now := requestcontext.Now(ctx)

	result, err := l.primary.Hit(ctx, key, l.limit, now)
	if l.breaker == nil {
		return result, err
	}
	if err == nil {
		if _, change := l.breaker.RecordSuccess(); change.Closed {
			l.logger.InfoContext(ctx, "rate limit store recovered", "breaker", l.breaker.Name())
		}
		return result, nil
	}
	return l.admitFallback(ctx, key, now, err)
}
