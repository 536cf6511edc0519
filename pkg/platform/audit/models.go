package audit

import (
	"context"
	"time"

	id "kycgate/pkg/domain"
	"kycgate/pkg/requestcontext"
)

// EventCategory classifies audit records for retention and routing.
type EventCategory string

const (
	// CategoryCompliance covers identity and verification state changes.
	CategoryCompliance EventCategory = "compliance"
	// CategorySecurity covers rejected credentials, signatures and throttling.
	CategorySecurity EventCategory = "security"
	// CategoryOperations covers routine activity such as session creation.
	CategoryOperations EventCategory = "operations"
)

// IsValid reports whether c is one of the known categories.
func (c EventCategory) IsValid() bool {
	switch c {
	case CategoryCompliance, CategorySecurity, CategoryOperations:
		return true
	}
	return false
}

// Event is one append-only audit record. Records are never updated or deleted.
type Event struct {
	ID        id.EventID
	Category  EventCategory
	Timestamp time.Time
	// UserID is the nil id for events not tied to a known user.
	UserID    id.UserID
	Action    string
	Details   string
	Reason    string
	ClientIP  string
	RequestID string
	// ActorID is set when someone other than the user caused the change, e.g. "admin" or "webhook".
	ActorID string
}

type AuditEvent string

const (
	EventUserCreated                  AuditEvent = "user_created"
	EventSessionCreated               AuditEvent = "session_created"
	EventApplicantCreated             AuditEvent = "applicant_created"
	EventVerificationStatusUpdated    AuditEvent = "verification_status_updated"
	EventVerificationStatusOverridden AuditEvent = "verification_status_overridden"
	EventVerificationStatusSynced     AuditEvent = "verification_status_synced"
	EventWebhookIgnored               AuditEvent = "webhook_ignored"
	EventWebhookRejected              AuditEvent = "webhook_rejected"
	EventAuthFailed                   AuditEvent = "auth_failed"
	EventRateLimitExceeded            AuditEvent = "rate_limit_exceeded"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventUserCreated:                  CategoryCompliance,
	EventApplicantCreated:             CategoryCompliance,
	EventVerificationStatusUpdated:    CategoryCompliance,
	EventVerificationStatusOverridden: CategoryCompliance,
	EventVerificationStatusSynced:     CategoryCompliance,
	EventWebhookIgnored:               CategoryCompliance,

	EventWebhookRejected:   CategorySecurity,
	EventAuthFailed:        CategorySecurity,
	EventRateLimitExceeded: CategorySecurity,

	EventSessionCreated: CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit records.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByUser(ctx context.Context, userID id.UserID) ([]Event, error)
	// ListRecent returns up to limit records across all users, newest first.
	// An empty category matches every record.
	ListRecent(ctx context.Context, limit int, category EventCategory) ([]Event, error)
}

// Stamp fills the fields every record needs from the request context: id,
// category, timestamp, request id and client address. Fields already set are kept.
func Stamp(ctx context.Context, e Event) Event {
	if e.ID.IsNil() {
		e.ID = id.NewEventID()
	}
	if e.Category == "" {
		e.Category = AuditEvent(e.Action).Category()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = requestcontext.Now(ctx)
	}
	if e.RequestID == "" {
		e.RequestID = requestcontext.RequestID(ctx)
	}
	if e.ClientIP == "" {
		e.ClientIP = requestcontext.ClientIP(ctx)
	}
	return e
}
