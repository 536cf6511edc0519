// Package middleware admits or rejects requests per client before they reach
// any handler.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"kycgate/internal/ratelimit/metrics"
	"kycgate/internal/ratelimit/models"
	"kycgate/internal/ratelimit/observability"
	dErrors "kycgate/pkg/domain-errors"
	"kycgate/pkg/platform/httputil"
	metadata "kycgate/pkg/platform/middleware/metadata"
	"kycgate/pkg/requestcontext"
)

type Admitter interface {
	Admit(ctx context.Context, clientID string) (*models.Result, error)
}

type Middleware struct {
	limiter  Admitter
	logger   *slog.Logger
	auditor  observability.AuditPublisher
	metrics  *metrics.Metrics
	disabled bool
}

type Option func(*Middleware)

// WithDisabled disables rate limiting entirely (for testing/demo mode).
func WithDisabled(disabled bool) Option {
	return func(m *Middleware) {
		m.disabled = disabled
	}
}

func WithAuditor(auditor observability.AuditPublisher) Option {
	return func(m *Middleware) { m.auditor = auditor }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Middleware) { m.metrics = mt }
}

func New(limiter Admitter, logger *slog.Logger, opts ...Option) *Middleware {
	m := &Middleware{
		limiter: limiter,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.disabled {
		logger.Info("rate limiting disabled")
	}
	return m
}

// RateLimit admits each request against its client's window. Store failures
// let the request through.
func (m *Middleware) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.disabled {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		clientID := requestcontext.ClientIP(ctx)
		if clientID == "" {
			clientID = metadata.ClientIPFromRequest(r)
		}

		result, err := m.limiter.Admit(ctx, clientID)
		if err != nil {
			m.metrics.IncrementDecision(metrics.DecisionError)
			m.logger.ErrorContext(ctx, "failed to check rate limit", "error", err, "client_ip", clientID)
			next.ServeHTTP(w, r)
			return
		}

		addRateLimitHeaders(w, result)

		if !result.Allowed {
			m.metrics.IncrementDecision(metrics.DecisionDenied)
			observability.RecordDenial(ctx, m.logger, m.auditor, observability.Denial{
				ClientIP:   clientID,
				Limit:      result.Limit,
				RetryAfter: result.RetryAfter,
				Degraded:   result.Degraded,
			})
			writeRateLimitExceeded(w, result)
			return
		}

		m.metrics.IncrementDecision(metrics.DecisionAllowed)
		next.ServeHTTP(w, r)
	})
}

func addRateLimitHeaders(w http.ResponseWriter, result *models.Result) {
	if result == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
	if result.Degraded {
		w.Header().Set("X-RateLimit-Status", "degraded")
	}
}

func writeRateLimitExceeded(w http.ResponseWriter, result *models.Result) {
	w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
	httputil.WriteError(w, dErrors.New(dErrors.CodeRateLimited, "rate limit exceeded, try again later"))
}
