// Package service registers users and issues their first bearer token.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/nyaruka/phonenumbers"

	"kycgate/internal/auth/token"
	credmodels "kycgate/internal/credential/models"
	"kycgate/internal/registration/metrics"
	"kycgate/internal/registration/models"
	id "kycgate/pkg/domain"
	dErrors "kycgate/pkg/domain-errors"
	audit "kycgate/pkg/platform/audit"
	"kycgate/pkg/platform/sentinel"
	"kycgate/pkg/requestcontext"
)

// DefaultRegion is used to read phone numbers written without a country code.
const DefaultRegion = "GB"

type UserStore interface {
	CreateUser(ctx context.Context, user *credmodels.User, event audit.Event) error
	FindUserByID(ctx context.Context, userID id.UserID) (*credmodels.User, error)
}

type TokenIssuer interface {
	Issue(ctx context.Context, userID id.UserID) (*token.Issued, error)
}

type Service struct {
	users   UserStore
	tokens  TokenIssuer
	logger  *slog.Logger
	metrics *metrics.Metrics
	region  string
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithDefaultRegion sets the ISO 3166 region for local phone numbers.
func WithDefaultRegion(region string) Option {
	return func(s *Service) {
		if region != "" {
			s.region = strings.ToUpper(region)
		}
	}
}

func New(users UserStore, tokens TokenIssuer, opts ...Option) *Service {
	s := &Service{
		users:  users,
		tokens: tokens,
		logger: slog.Default(),
		region: DefaultRegion,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates a pending user and issues a token for it. A duplicate
// email fails with CodeConflict and no token is issued.
func (s *Service) Register(ctx context.Context, reg models.Registration) (*models.Result, error) {
	res, err := s.register(ctx, reg)
	if err != nil {
		s.metrics.IncrementFailed(string(dErrors.CodeOf(err)))
		return nil, err
	}
	s.metrics.IncrementRegistered()
	return res, nil
}

func (s *Service) register(ctx context.Context, reg models.Registration) (*models.Result, error) {
	now := requestcontext.Now(ctx)
	if age := models.AgeOn(reg.DateOfBirth, now); age < models.MinimumAge {
		return nil, dErrors.New(dErrors.CodeValidation, "dob: must be at least 18 years old")
	}

	user := &credmodels.User{
		ID:          id.NewUserID(),
		FirstName:   strings.TrimSpace(reg.FirstName),
		LastName:    strings.TrimSpace(reg.LastName),
		DateOfBirth: reg.DateOfBirth,
		Email:       strings.ToLower(strings.TrimSpace(reg.Email)),
		PhoneNumber: s.normalizePhone(reg.PhoneNumber),
		Address: credmodels.Address{
			Street:   strings.TrimSpace(reg.Street),
			City:     strings.TrimSpace(reg.City),
			Postcode: strings.TrimSpace(reg.Postcode),
		},
		VerificationStatus: credmodels.StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err := s.users.CreateUser(ctx, user, audit.Event{
		Action:  string(audit.EventUserCreated),
		Details: "status: pending",
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			s.logger.InfoContext(ctx, "registration with existing email rejected")
			return nil, dErrors.New(dErrors.CodeConflict, "email already registered")
		}
		s.logger.ErrorContext(ctx, "failed to create user", "error", err)
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create user")
	}

	issued, err := s.tokens.Issue(ctx, user.ID)
	if err != nil {
		s.logger.ErrorContext(ctx, "user created but token issuance failed",
			"user_id", user.ID,
			"error", err,
		)
		return nil, err
	}

	s.logger.InfoContext(ctx, "user registered", "user_id", user.ID)
	return &models.Result{User: user, Token: issued.Token, ExpiresAt: issued.ExpiresAt}, nil
}

// Profile loads a registered user. Ownership is checked by the caller.
func (s *Service) Profile(ctx context.Context, userID id.UserID) (*credmodels.User, error) {
	user, err := s.users.FindUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "user not found")
		}
		s.logger.ErrorContext(ctx, "failed to load user", "user_id", userID, "error", err)
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load user")
	}
	return user, nil
}

// normalizePhone returns the E.164 form when the number parses and is valid,
// otherwise the trimmed input.
func (s *Service) normalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	num, err := phonenumbers.Parse(raw, s.region)
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return raw
	}
	return phonenumbers.Format(num, phonenumbers.E164)
}
