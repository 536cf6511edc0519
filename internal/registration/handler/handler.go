package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	credmodels "kycgate/internal/credential/models"
	"kycgate/internal/registration/models"
	id "kycgate/pkg/domain"
	dErrors "kycgate/pkg/domain-errors"
	"kycgate/pkg/platform/httputil"
	request "kycgate/pkg/platform/middleware/request"
	"kycgate/pkg/requestcontext"
)

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks Service
type Service interface {
	Register(ctx context.Context, reg models.Registration) (*models.Result, error)
	Profile(ctx context.Context, userID id.UserID) (*credmodels.User, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(svc Service, logger *slog.Logger) *Handler {
	return &Handler{service: svc, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/users/register", h.HandleRegister)
}

// RegisterUserRoutes mounts the routes that require a bearer token.
func (h *Handler) RegisterUserRoutes(r chi.Router) {
	r.Get("/users/{user_id}", h.HandleProfile)
}

func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	req, ok := httputil.DecodeAndValidate[*RegisterRequest](w, r, h.logger, requestID)
	if !ok {
		return
	}

	res, err := h.service.Register(ctx, req.toRegistration())
	if err != nil {
		httputil.WriteAndLogError(w, r, h.logger, requestID, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toRegisterResponse(res))
}

func (h *Handler) HandleProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	userID, err := id.ParseUserID(chi.URLParam(r, "user_id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid user id"))
		return
	}
	if requestcontext.UserID(ctx) != userID {
		h.logger.WarnContext(ctx, "user id does not match token", "request_id", requestID)
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "access to another user's profile is not allowed"))
		return
	}

	user, err := h.service.Profile(ctx, userID)
	if err != nil {
		httputil.WriteAndLogError(w, r, h.logger, requestID, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toProfileResponse(user))
}
