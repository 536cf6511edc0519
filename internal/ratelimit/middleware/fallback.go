package middleware

import (
	"context"
	"time"

	"kycgate/internal/ratelimit/models"
	"kycgate/internal/ratelimit/store/window"
	"kycgate/pkg/platform/circuit"
)

// WithFallback serves decisions from an in-memory window store while the
// breaker is open. A nil breaker gets default thresholds.
func WithFallback(breaker *circuit.Breaker) LimiterOption {
	return func(l *Limiter) {
		if breaker == nil {
			breaker = circuit.New("ratelimit-window-store")
		}
		l.breaker = breaker
		l.fallback = window.NewInMemoryStore()
	}
}

func (l *Limiter) admitFallback(ctx context.Context, key string, now time.Time, primaryErr error) (*models.Result, error) {
	l.metrics.IncrementStoreErrors()

	useFallback, change := l.breaker.RecordFailure()
	if change.Opened {
		l.metrics.IncrementCircuitOpened()
		l.logger.WarnContext(ctx, "rate limit store unavailable, using in-memory fallback",
			"breaker", l.breaker.Name(),
			"error", primaryErr,
		)
	}
	if !useFallback {
		return nil, primaryErr
	}

	result, err := l.fallback.Hit(ctx, key, l.limit, now)
	if err != nil {
		return nil, err
	}
	l.metrics.IncrementFallback()
	result.Degraded = true
	return result, nil
}
