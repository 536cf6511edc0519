// Package service owns the verification flows: provider access tokens, the
// local status read, and the Status Mapper that applies provider reviews and
// administrative changes to users.
package service

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"kycgate/internal/credential"
	credmodels "kycgate/internal/credential/models"
	"kycgate/internal/verification/models"
	"kycgate/internal/verification/provider"
	id "kycgate/pkg/domain"
	dErrors "kycgate/pkg/domain-errors"
	audit "kycgate/pkg/platform/audit"
	"kycgate/pkg/platform/sentinel"
	"kycgate/pkg/requestcontext"
)

// Store is the slice of the Credential Store the verification flows use.
type Store interface {
	FindUserByID(ctx context.Context, userID id.UserID) (*credmodels.User, error)
	UpdateUser(ctx context.Context, userID id.UserID, fn credential.Mutation) (*credmodels.User, error)
	UpdateUserByApplicantID(ctx context.Context, applicantID string, fn credential.Mutation) (*credmodels.User, error)
	ListAudit(ctx context.Context, userID id.UserID) ([]audit.Event, error)
	ListRecentAudit(ctx context.Context, limit int, category audit.EventCategory) ([]audit.Event, error)
}

// Bounds on how many records RecentAudit returns.
const (
	DefaultRecentAuditLimit = 50
	MaxRecentAuditLimit     = 500
)

// Provider is the outbound KYC provider.
type Provider interface {
	CreateApplicant(ctx context.Context, req provider.ApplicantRequest) (string, error)
	AccessToken(ctx context.Context, externalUserID string) (*provider.AccessToken, error)
	ApplicantStatus(ctx context.Context, applicantID string) (*models.Review, error)
}

type Service struct {
	store    Store
	provider Provider
	logger   *slog.Logger
	tracer   trace.Tracer
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) { s.tracer = tracer }
}

func New(store Store, p Provider, opts ...Option) *Service {
	s := &Service{
		store:    store,
		provider: p,
		logger:   slog.Default(),
		tracer:   otel.Tracer("kycgate/verification/service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AccessTokenResult is what the client needs to start the provider's Web SDK.
type AccessTokenResult struct {
	Token       string
	ApplicantID string
	UserID      id.UserID
}

// errApplicantLinked aborts an applicant link when a concurrent request won.
var errApplicantLinked = errors.New("applicant already linked")

// AccessToken returns a provider SDK token for the user, creating the
// provider applicant first when the user does not have one yet.
func (s *Service) AccessToken(ctx context.Context, userID id.UserID) (*AccessTokenResult, error) {
	ctx, span := s.tracer.Start(ctx, "verification.access_token")
	defer span.End()

	user, err := s.store.FindUserByID(ctx, userID)
	if err != nil {
		return nil, s.storeError(ctx, span, err, "user not found")
	}

	applicantID := user.ApplicantID
	if applicantID == "" {
		applicantID, err = s.linkApplicant(ctx, user)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "link applicant")
			return nil, err
		}
	}

	tok, err := s.provider.AccessToken(ctx, userID.String())
	if err != nil {
		return nil, s.providerError(ctx, span, err)
	}
	return &AccessTokenResult{Token: tok.Token, ApplicantID: applicantID, UserID: userID}, nil
}

func (s *Service) linkApplicant(ctx context.Context, user *credmodels.User) (string, error) {
	applicantID, err := s.provider.CreateApplicant(ctx, provider.ApplicantRequest{
		ExternalUserID: user.ID.String(),
		Email:          user.Email,
		Phone:          user.PhoneNumber,
		FirstName:      user.FirstName,
		LastName:       user.LastName,
		DateOfBirth:    user.DateOfBirth,
	})
	if err != nil {
		return "", s.providerError(ctx, nil, err)
	}

	now := requestcontext.Now(ctx)
	_, err = s.store.UpdateUser(ctx, user.ID, func(u *credmodels.User) (audit.Event, error) {
		if u.ApplicantID != "" {
			return audit.Event{}, errApplicantLinked
		}
		u.ApplicantID = applicantID
		u.UpdatedAt = now
		return audit.Event{
			Action:  string(audit.EventApplicantCreated),
			Details: "applicant " + applicantID,
		}, nil
	})
	if errors.Is(err, errApplicantLinked) {
		current, findErr := s.store.FindUserByID(ctx, user.ID)
		if findErr != nil {
			return "", s.storeError(ctx, nil, findErr, "user not found")
		}
		s.logger.InfoContext(ctx, "applicant linked by a concurrent request",
			"user_id", user.ID,
			"applicant_id", current.ApplicantID,
		)
		return current.ApplicantID, nil
	}
	if err != nil {
		return "", s.storeError(ctx, nil, err, "user not found")
	}

	s.logger.InfoContext(ctx, "applicant created", "user_id", user.ID, "applicant_id", applicantID)
	return applicantID, nil
}

// Status returns the locally stored verification state of a user.
func (s *Service) Status(ctx context.Context, userID id.UserID) (*credmodels.User, error) {
	user, err := s.store.FindUserByID(ctx, userID)
	if err != nil {
		return nil, s.storeError(ctx, nil, err, "user not found")
	}
	return user, nil
}

// AuditTrail lists the user's audit records, newest first.
func (s *Service) AuditTrail(ctx context.Context, userID id.UserID) ([]audit.Event, error) {
	if _, err := s.store.FindUserByID(ctx, userID); err != nil {
		return nil, s.storeError(ctx, nil, err, "user not found")
	}
	events, err := s.store.ListAudit(ctx, userID)
	if err != nil {
		return nil, s.storeError(ctx, nil, err, "user not found")
	}
	return events, nil
}

// RecentAudit lists records across all users, newest first, including those
// not tied to a known user such as rejected tokens and throttled clients.
// Limits above MaxRecentAuditLimit are lowered to it.
func (s *Service) RecentAudit(ctx context.Context, limit int, category audit.EventCategory) ([]audit.Event, error) {
	if limit < 1 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "limit must be a positive integer")
	}
	if category != "" && !category.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "category must be one of compliance, security, operations")
	}
	limit = min(limit, MaxRecentAuditLimit)

	events, err := s.store.ListRecentAudit(ctx, limit, category)
	if err != nil {
		return nil, s.storeError(ctx, nil, err, "audit records not found")
	}
	return events, nil
}

func (s *Service) storeError(ctx context.Context, span trace.Span, err error, notFound string) error {
	if span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store")
	}
	if _, ok := dErrors.As(err); ok {
		return err
	}
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.Wrap(err, dErrors.CodeNotFound, notFound)
	}
	s.logger.ErrorContext(ctx, "credential store failure", "error", err)
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to access user")
}

func (s *Service) providerError(ctx context.Context, span trace.Span, err error) error {
	if span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider")
	}
	s.logger.WarnContext(ctx, "verification provider unavailable",
		"category", provider.CategoryOf(err),
		"error", err,
	)
	return dErrors.Wrap(err, dErrors.CodeProviderUnavailable, "verification provider unavailable")
}
