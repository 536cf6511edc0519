package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	credmodels "kycgate/internal/credential/models"
	"kycgate/pkg/platform/httputil"
	request "kycgate/pkg/platform/middleware/request"
	"kycgate/pkg/requestcontext"
)

const (
	healthOK       = "ok"
	healthDegraded = "degraded"
	storeUp        = "up"
	storeDown      = "down"

	// statsWindow is how far back "recent" reaches in the health summary.
	statsWindow = 24 * time.Hour
)

// HealthStore reports whether the credential store is reachable and what it
// holds.
type HealthStore interface {
	Ping(ctx context.Context) error
	Stats(ctx context.Context, since time.Time) (credmodels.Stats, error)
}

type HealthHandler struct {
	store     HealthStore
	startedAt time.Time
	logger    *slog.Logger
}

func NewHealthHandler(store HealthStore, startedAt time.Time, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{store: store, startedAt: startedAt, logger: logger}
}

type HealthResponse struct {
	Status        string      `json:"status"`
	Store         string      `json:"store"`
	UptimeSeconds int64       `json:"uptimeSeconds"`
	Time          time.Time   `json:"time"`
	Stats         *StoreStats `json:"stats,omitempty"`
}

// StoreStats counts recent activity over Window.
type StoreStats struct {
	UserCount           int64  `json:"userCount"`
	RecentVerifications int64  `json:"recentVerifications"`
	RecentAuditRecords  int64  `json:"recentAuditRecords"`
	Window              string `json:"window"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)
	now := requestcontext.Now(ctx)

	resp := HealthResponse{
		Status:        healthOK,
		Store:         storeUp,
		UptimeSeconds: int64(now.Sub(h.startedAt).Seconds()),
		Time:          now.UTC(),
	}

	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.store.Ping(checkCtx); err != nil {
		h.logger.WarnContext(ctx, "health check: store unreachable",
			"error", err,
			"request_id", requestID,
		)
		resp.Status = healthDegraded
		resp.Store = storeDown
		httputil.WriteJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	stats, err := h.store.Stats(checkCtx, now.Add(-statsWindow))
	if err != nil {
		// Counts are informational; a reachable store is still healthy.
		h.logger.WarnContext(ctx, "health check: store stats unavailable",
			"error", err,
			"request_id", requestID,
		)
	} else {
		resp.Stats = &StoreStats{
			UserCount:           stats.Users,
			RecentVerifications: stats.RecentVerifications,
			RecentAuditRecords:  stats.RecentAuditRecords,
			Window:              statsWindow.String(),
		}
	}

	httputil.WriteJSON(w, http.StatusOK, resp)
}
