// Package credential defines the Credential Store: users, sessions and the
// audit records that accompany every write to them.
//
// Every write takes the audit record to append, and implementations persist
// the primary write and the audit record as one unit: either both are stored
// or neither is. Implementations return sentinel errors (ErrNotFound,
// ErrConflict) that services translate into domain errors.
package credential

import (
	"context"
	"time"

	"kycgate/internal/credential/models"
	id "kycgate/pkg/domain"
	audit "kycgate/pkg/platform/audit"
)

// Mutation edits a locked copy of a user and returns the audit record that
// describes the change. Returning an error aborts the update with nothing
// written. The store serializes mutations per user, so fn sees the latest
// committed state.
type Mutation func(u *models.User) (audit.Event, error)

type Store interface {
	// CreateUser fails with sentinel.ErrConflict when the email is taken.
	CreateUser(ctx context.Context, user *models.User, event audit.Event) error
	FindUserByID(ctx context.Context, userID id.UserID) (*models.User, error)
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	FindUserByApplicantID(ctx context.Context, applicantID string) (*models.User, error)

	// UpdateUser runs fn against the user and persists the result together with
	// the returned audit record.
	UpdateUser(ctx context.Context, userID id.UserID, fn Mutation) (*models.User, error)
	// UpdateUserByApplicantID is UpdateUser keyed by the provider's applicant id.
	UpdateUserByApplicantID(ctx context.Context, applicantID string, fn Mutation) (*models.User, error)

	// CreateSession fails with sentinel.ErrConflict when the token is taken.
	CreateSession(ctx context.Context, session *models.Session, event audit.Event) error
	// FindLiveSession returns the session for token if it has not expired at now.
	FindLiveSession(ctx context.Context, token string, now time.Time) (*models.Session, error)

	ListAudit(ctx context.Context, userID id.UserID) ([]audit.Event, error)
	// ListRecentAudit returns the newest records across all users, including
	// those tied to no user. An empty category matches every record.
	ListRecentAudit(ctx context.Context, limit int, category audit.EventCategory) ([]audit.Event, error)

	// Stats counts users, and the verification decisions and audit records
	// written at or after since.
	Stats(ctx context.Context, since time.Time) (models.Stats, error)
	Ping(ctx context.Context) error
}
