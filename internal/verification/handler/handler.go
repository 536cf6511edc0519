package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	credmodels "kycgate/internal/credential/models"
	"kycgate/internal/verification/metrics"
	"kycgate/internal/verification/service"
	"kycgate/internal/verification/webhook"
	id "kycgate/pkg/domain"
	dErrors "kycgate/pkg/domain-errors"
	audit "kycgate/pkg/platform/audit"
	"kycgate/pkg/platform/httputil"
	request "kycgate/pkg/platform/middleware/request"
	"kycgate/pkg/requestcontext"
)

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks
type Service interface {
	AccessToken(ctx context.Context, userID id.UserID) (*service.AccessTokenResult, error)
	Status(ctx context.Context, userID id.UserID) (*credmodels.User, error)
	ApplyWebhook(ctx context.Context, body []byte) (*service.Transition, error)
	Sync(ctx context.Context, userID id.UserID) (*service.Transition, error)
	Override(ctx context.Context, userID id.UserID, status, reason string) (*service.Transition, error)
	AuditTrail(ctx context.Context, userID id.UserID) ([]audit.Event, error)
	RecentAudit(ctx context.Context, limit int, category audit.EventCategory) ([]audit.Event, error)
}

// SignatureVerifier authenticates raw webhook bodies.
type SignatureVerifier interface {
	Verify(body []byte, signature string) bool
	AcceptsAlgorithm(declared string) bool
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

type Handler struct {
	service  Service
	verifier SignatureVerifier
	auditor  AuditPublisher
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func New(svc Service, verifier SignatureVerifier, auditor AuditPublisher, logger *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		service:  svc,
		verifier: verifier,
		auditor:  auditor,
		logger:   logger,
		metrics:  m,
	}
}

// RegisterUserRoutes mounts the routes that require a bearer token.
func (h *Handler) RegisterUserRoutes(r chi.Router) {
	r.Get("/verification/token/{user_id}", h.HandleAccessToken)
	r.Get("/verification/status/{user_id}", h.HandleStatus)
}

// RegisterWebhookRoutes mounts the provider callback. It is authenticated by
// its signature, not by a bearer token.
func (h *Handler) RegisterWebhookRoutes(r chi.Router) {
	r.Post("/verification/webhook", h.HandleWebhook)
}

// RegisterAdminRoutes mounts the operator routes behind the admin key.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Post("/admin/users/{user_id}/verification", h.HandleOverride)
	r.Post("/admin/users/{user_id}/verification/sync", h.HandleSync)
	r.Get("/admin/users/{user_id}/audit", h.HandleAuditTrail)
	r.Get("/admin/audit", h.HandleRecentAudit)
}

func (h *Handler) HandleAccessToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	userID, ok := h.requireOwnUser(w, r)
	if !ok {
		return
	}

	res, err := h.service.AccessToken(ctx, userID)
	if err != nil {
		httputil.WriteAndLogError(w, r, h.logger, requestID, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, &AccessTokenResponse{
		Token:       res.Token,
		ApplicantID: res.ApplicantID,
		UserID:      res.UserID.String(),
	})
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	userID, ok := h.requireOwnUser(w, r)
	if !ok {
		return
	}

	user, err := h.service.Status(ctx, userID)
	if err != nil {
		httputil.WriteAndLogError(w, r, h.logger, requestID, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toStatusResponse(user))
}

func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, webhook.MaxBodyBytes))
	if err != nil {
		h.metrics.IncrementWebhook(metrics.WebhookBadRequest)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "payload too large"))
			return
		}
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "unreadable body"))
		return
	}

	if !h.verifier.AcceptsAlgorithm(r.Header.Get(webhook.HeaderDigestAlgorithm)) {
		h.rejectSignature(ctx, w, requestID, "unsupported digest algorithm")
		return
	}
	if !h.verifier.Verify(body, r.Header.Get(webhook.HeaderDigest)) {
		h.rejectSignature(ctx, w, requestID, "signature mismatch")
		return
	}

	t, err := h.service.ApplyWebhook(ctx, body)
	if err != nil {
		h.metrics.IncrementWebhook(webhookOutcome(err))
		h.logger.WarnContext(ctx, "webhook not applied",
			"error", err,
			"request_id", requestID,
		)
		httputil.WriteAndLogError(w, r, h.logger, requestID, err)
		return
	}

	if t.Applied {
		h.metrics.IncrementWebhook(metrics.WebhookApplied)
	} else {
		h.metrics.IncrementWebhook(metrics.WebhookIgnored)
	}
	httputil.WriteJSON(w, http.StatusOK, &WebhookResponse{Status: "ok", Applied: t.Applied})
}

func (h *Handler) rejectSignature(ctx context.Context, w http.ResponseWriter, requestID, reason string) {
	h.metrics.IncrementWebhook(metrics.WebhookInvalidSignature)
	h.logger.WarnContext(ctx, "webhook signature rejected",
		"reason", reason,
		"request_id", requestID,
	)
	if h.auditor != nil {
		err := h.auditor.Emit(ctx, audit.Event{
			Action:  string(audit.EventWebhookRejected),
			ActorID: service.ActorWebhook,
			Reason:  reason,
		})
		if err != nil {
			h.logger.WarnContext(ctx, "failed to record webhook rejection", "error", err)
		}
	}
	httputil.WriteError(w, dErrors.New(dErrors.CodeSignatureInvalid, "invalid signature"))
}

func webhookOutcome(err error) string {
	switch dErrors.CodeOf(err) {
	case dErrors.CodeBadRequest:
		return metrics.WebhookBadRequest
	case dErrors.CodeNotFound:
		return metrics.WebhookUnknownApplicant
	default:
		return metrics.WebhookError
	}
}

func (h *Handler) HandleOverride(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	userID, ok := h.pathUserID(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndValidate[*OverrideRequest](w, r, h.logger, requestID)
	if !ok {
		return
	}

	t, err := h.service.Override(ctx, userID, req.Status, req.Reason)
	if err != nil {
		httputil.WriteAndLogError(w, r, h.logger, requestID, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toTransitionResponse(t))
}

func (h *Handler) HandleSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	userID, ok := h.pathUserID(w, r)
	if !ok {
		return
	}
	t, err := h.service.Sync(ctx, userID)
	if err != nil {
		httputil.WriteAndLogError(w, r, h.logger, requestID, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toTransitionResponse(t))
}

func (h *Handler) HandleAuditTrail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	userID, ok := h.pathUserID(w, r)
	if !ok {
		return
	}
	events, err := h.service.AuditTrail(ctx, userID)
	if err != nil {
		httputil.WriteAndLogError(w, r, h.logger, requestID, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toAuditTrailResponse(userID, events))
}

// HandleRecentAudit lists records across all users. Query parameters: limit
// (default service.DefaultRecentAuditLimit) and category.
func (h *Handler) HandleRecentAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)
	query := r.URL.Query()

	limit := service.DefaultRecentAuditLimit
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "limit must be an integer"))
			return
		}
		limit = n
	}

	events, err := h.service.RecentAudit(ctx, limit, audit.EventCategory(query.Get("category")))
	if err != nil {
		httputil.WriteAndLogError(w, r, h.logger, requestID, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toRecentAuditResponse(events))
}

func (h *Handler) pathUserID(w http.ResponseWriter, r *http.Request) (id.UserID, bool) {
	userID, err := id.ParseUserID(chi.URLParam(r, "user_id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid user id"))
		return id.UserID{}, false
	}
	return userID, true
}

// requireOwnUser resolves the path user id and checks it belongs to the
// authenticated caller.
func (h *Handler) requireOwnUser(w http.ResponseWriter, r *http.Request) (id.UserID, bool) {
	userID, ok := h.pathUserID(w, r)
	if !ok {
		return userID, false
	}
	ctx := r.Context()
	if caller := requestcontext.UserID(ctx); caller != userID {
		h.logger.WarnContext(ctx, "user id does not match token",
			"request_id", request.GetRequestID(ctx),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "access to another user's verification is not allowed"))
		return id.UserID{}, false
	}
	return userID, true
}
