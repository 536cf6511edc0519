// Package token issues and validates the gateway's bearer tokens.
//
// A token is the URL-safe base64 encoding of
//
//	user_id:nonce:unix_seconds:base64(HMAC-SHA256(secret, "user_id:nonce:unix_seconds"))
//
// and is only accepted while both the MAC and a live stored session vouch for it.
package token

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"kycgate/internal/auth/device"
	"kycgate/internal/auth/metrics"
	"kycgate/internal/credential/models"
	id "kycgate/pkg/domain"
	dErrors "kycgate/pkg/domain-errors"
	audit "kycgate/pkg/platform/audit"
	"kycgate/pkg/platform/sentinel"
	"kycgate/pkg/requestcontext"
)

// DefaultTTL is the session lifetime when none is configured.
const DefaultTTL = 24 * time.Hour

const invalidTokenMessage = "invalid or expired token"

// SessionStore is the slice of the Credential Store the authority needs.
type SessionStore interface {
	CreateSession(ctx context.Context, session *models.Session, event audit.Event) error
	FindLiveSession(ctx context.Context, token string, now time.Time) (*models.Session, error)
}

// Issued is a freshly minted token and the session backing it.
type Issued struct {
	Token     string
	SessionID id.SessionID
	ExpiresAt time.Time
}

type Authority struct {
	sessions SessionStore
	secret   []byte
	ttl      time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

type Option func(*Authority)

func WithTTL(ttl time.Duration) Option {
	return func(a *Authority) {
		if ttl > 0 {
			a.ttl = ttl
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Authority) { a.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Authority) { a.metrics = m }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(a *Authority) { a.tracer = tracer }
}

// New builds an authority signing with secret. The secret must not be empty.
func New(sessions SessionStore, secret string, opts ...Option) (*Authority, error) {
	if sessions == nil {
		return nil, errors.New("session store is required")
	}
	if secret == "" {
		return nil, errors.New("token secret is required")
	}
	a := &Authority{
		sessions: sessions,
		secret:   []byte(secret),
		ttl:      DefaultTTL,
		logger:   slog.Default(),
		tracer:   otel.Tracer("kycgate/auth/token"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// TTL reports the configured session lifetime.
func (a *Authority) TTL() time.Duration { return a.ttl }

// Issue mints a token for userID and persists its session together with a
// session_created audit record.
func (a *Authority) Issue(ctx context.Context, userID id.UserID) (*Issued, error) {
	ctx, span := a.tracer.Start(ctx, "token.issue")
	defer span.End()

	issuedAt := requestcontext.Now(ctx).Truncate(time.Second)
	token := a.sign(userID.String(), uuid.NewString(), issuedAt.Unix())

	session := &models.Session{
		ID:        id.NewSessionID(),
		Token:     token,
		UserID:    userID,
		CreatedAt: issuedAt,
		ExpiresAt: issuedAt.Add(a.ttl),
	}
	event := audit.Event{
		UserID:  userID,
		Action:  string(audit.EventSessionCreated),
		Details: "device: " + device.ParseUserAgent(requestcontext.UserAgent(ctx)),
	}
	if err := a.sessions.CreateSession(ctx, session, event); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create session")
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "user not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create session")
	}

	a.metrics.IncrementIssued()
	return &Issued{Token: token, SessionID: session.ID, ExpiresAt: session.ExpiresAt}, nil
}

// Validate returns the user a token was issued to. Every rejection carries
// CodeUnauthorized with the same message; only a storage failure differs.
func (a *Authority) Validate(ctx context.Context, token string) (id.UserID, error) {
	ctx, span := a.tracer.Start(ctx, "token.validate")
	defer span.End()

	userID, result, err := a.validate(ctx, token)
	span.SetAttributes(attribute.String("token.result", result))
	a.metrics.IncrementValidation(result)
	if err != nil {
		if result == metrics.ResultError {
			span.RecordError(err)
			span.SetStatus(codes.Error, "session lookup")
			a.logger.ErrorContext(ctx, "session lookup failed", "error", err)
			return id.UserID{}, dErrors.Wrap(err, dErrors.CodeInternal, "session lookup failed")
		}
		a.logger.DebugContext(ctx, "token rejected", "reason", result)
		return id.UserID{}, dErrors.New(dErrors.CodeUnauthorized, invalidTokenMessage)
	}
	return userID, nil
}

func (a *Authority) validate(ctx context.Context, token string) (id.UserID, string, error) {
	claims, err := decode(token)
	if err != nil {
		return id.UserID{}, metrics.ResultMalformed, err
	}
	expected := a.mac(claims.payload)
	if !hmac.Equal(expected, claims.mac) {
		return id.UserID{}, metrics.ResultBadMAC, errors.New("mac mismatch")
	}

	now := requestcontext.Now(ctx)
	if now.Sub(time.Unix(claims.issuedAt, 0)) > a.ttl {
		return id.UserID{}, metrics.ResultExpired, errors.New("token expired")
	}

	session, err := a.sessions.FindLiveSession(ctx, token, now)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return id.UserID{}, metrics.ResultNoSession, err
		}
		return id.UserID{}, metrics.ResultError, err
	}
	if session.UserID != claims.userID {
		return id.UserID{}, metrics.ResultNoSession, errors.New("session bound to another user")
	}
	return claims.userID, metrics.ResultValid, nil
}

func (a *Authority) sign(userID, nonce string, issuedAt int64) string {
	payload := userID + ":" + nonce + ":" + strconv.FormatInt(issuedAt, 10)
	sig := base64.StdEncoding.EncodeToString(a.mac(payload))
	return base64.URLEncoding.EncodeToString([]byte(payload + ":" + sig))
}

func (a *Authority) mac(payload string) []byte {
	h := hmac.New(sha256.New, a.secret)
	h.Write([]byte(payload))
	return h.Sum(nil)
}

type claims struct {
	payload  string
	userID   id.UserID
	issuedAt int64
	mac      []byte
}

func decode(token string) (*claims, error) {
	if token == "" {
		return nil, errors.New("empty token")
	}
	raw, err := base64.URLEncoding.Strict().DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	parts := strings.Split(string(raw), ":")
	if len(parts) != 4 {
		return nil, fmt.Errorf("token has %d fields", len(parts))
	}
	userID, err := id.ParseUserID(parts[0])
	if err != nil {
		return nil, err
	}
	if parts[1] == "" {
		return nil, errors.New("empty nonce")
	}
	issuedAt, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}
	mac, err := base64.StdEncoding.Strict().DecodeString(parts[3])
	if err != nil {
		return nil, fmt.Errorf("decode mac: %w", err)
	}
	return &claims{
		payload:  strings.Join(parts[:3], ":"),
		userID:   userID,
		issuedAt: issuedAt,
		mac:      mac,
	}, nil
}
