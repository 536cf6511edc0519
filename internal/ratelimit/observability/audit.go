// Package observability records rate limiter denials in the log and the
// audit trail.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	audit "kycgate/pkg/platform/audit"
	"kycgate/pkg/requestcontext"
)

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Denial describes one rejected request.
type Denial struct {
	ClientIP   string
	Limit      int
	RetryAfter int
	Degraded   bool
}

// RecordDenial logs d and emits a rate_limit_exceeded audit record. Either
// sink may be nil.
func RecordDenial(ctx context.Context, logger *slog.Logger, publisher AuditPublisher, d Denial) {
	requestID := requestcontext.RequestID(ctx)
	action := string(audit.EventRateLimitExceeded)

	if logger != nil {
		logger.WarnContext(ctx, "rate limit exceeded",
			"event", action,
			"log_type", "audit",
			"client_ip", d.ClientIP,
			"limit", d.Limit,
			"retry_after", d.RetryAfter,
			"degraded", d.Degraded,
			"request_id", requestID,
		)
	}

	if publisher == nil {
		return
	}
	err := publisher.Emit(ctx, audit.Event{
		Action:    action,
		ClientIP:  d.ClientIP,
		Reason:    fmt.Sprintf("more than %d requests in window", d.Limit),
		RequestID: requestID,
	})
	if err != nil && logger != nil {
		logger.WarnContext(ctx, "failed to emit audit event", "event", action, "error", err)
	}
}
