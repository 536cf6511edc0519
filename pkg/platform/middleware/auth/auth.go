// Package auth gates routes behind a bearer token.
package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	id "kycgate/pkg/domain"
	dErrors "kycgate/pkg/domain-errors"
	audit "kycgate/pkg/platform/audit"
	"kycgate/pkg/platform/httputil"
	request "kycgate/pkg/platform/middleware/request"
	"kycgate/pkg/requestcontext"
)

// TokenValidator resolves a bearer token to the user it was issued for.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (id.UserID, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

const bearerPrefix = "Bearer "

// RequireAuth rejects requests without a valid bearer token. Every failure
// gets the same 401 response; the reason is only logged.
func RequireAuth(validator TokenValidator, auditor AuditPublisher, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := request.GetRequestID(ctx)

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), bearerPrefix)
			token = strings.TrimSpace(token)
			if !ok || token == "" {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", requestID,
				)
				reject(ctx, w, auditor, logger, "missing bearer token")
				return
			}

			userID, err := validator.Validate(ctx, token)
			if err != nil && dErrors.CodeOf(err) == dErrors.CodeInternal {
				httputil.WriteAndLogError(w, r, logger, requestID, err)
				return
			}
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"error", err,
					"request_id", requestID,
				)
				reject(ctx, w, auditor, logger, "invalid bearer token")
				return
			}

			next.ServeHTTP(w, r.WithContext(requestcontext.WithUserID(ctx, userID)))
		})
	}
}

func reject(ctx context.Context, w http.ResponseWriter, auditor AuditPublisher, logger *slog.Logger, reason string) {
	if auditor != nil {
		err := auditor.Emit(ctx, audit.Event{
			Action: string(audit.EventAuthFailed),
			Reason: reason,
		})
		if err != nil {
			logger.WarnContext(ctx, "failed to record auth failure", "error", err)
		}
	}
	httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, reason))
}
