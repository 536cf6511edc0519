package models

import (
	"time"

	id "kycgate/pkg/domain"
	dErrors "kycgate/pkg/domain-errors"
)

// VerificationStatus is the local state of a user's identity verification.
type VerificationStatus string

const (
	StatusPending  VerificationStatus = "pending"
	StatusVerified VerificationStatus = "verified"
	StatusRejected VerificationStatus = "rejected"
)

// ParseVerificationStatus validates external input.
func ParseVerificationStatus(s string) (VerificationStatus, error) {
	status := VerificationStatus(s)
	if !status.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "status must be one of pending, verified, rejected")
	}
	return status, nil
}

func (s VerificationStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusVerified, StatusRejected:
		return true
	}
	return false
}

// IsTerminal reports whether the provider finished reviewing the applicant.
func (s VerificationStatus) IsTerminal() bool {
	return s == StatusVerified || s == StatusRejected
}

// AllowsProviderTransition reports whether a provider-originated event may move
// a user from s to next. A finished review is never reopened to pending by the
// provider; only an administrator can do that.
func (s VerificationStatus) AllowsProviderTransition(next VerificationStatus) bool {
	if !next.IsValid() {
		return false
	}
	return !(s.IsTerminal() && next == StatusPending)
}

func (s VerificationStatus) String() string { return string(s) }

type Address struct {
	Street   string `json:"street"`
	City     string `json:"city"`
	Postcode string `json:"postcode"`
}

// VerificationDetails is the provider metadata kept alongside the status.
type VerificationDetails struct {
	ReviewStatus    string    `json:"reviewStatus,omitempty"`
	ReviewAnswer    string    `json:"reviewAnswer,omitempty"`
	RejectLabels    []string  `json:"rejectLabels,omitempty"`
	RejectionReason string    `json:"rejectionReason,omitempty"`
	Source          string    `json:"source,omitempty"`
	Note            string    `json:"note,omitempty"`
	LastChecked     time.Time `json:"lastChecked,omitzero"`
}

// User is a registered person and the state of their verification.
type User struct {
	ID                  id.UserID
	FirstName           string
	LastName            string
	DateOfBirth         time.Time
	Email               string
	PhoneNumber         string
	Address             Address
	VerificationStatus  VerificationStatus
	ApplicantID         string
	VerificationDetails VerificationDetails
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Clone returns a deep copy so that stores never hand out aliased state.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	if u.VerificationDetails.RejectLabels != nil {
		c.VerificationDetails.RejectLabels = append([]string(nil), u.VerificationDetails.RejectLabels...)
	}
	return &c
}

// Session binds an issued bearer token to its user until ExpiresAt.
// Sessions are never mutated; they stop resolving once expired.
type Session struct {
	ID        id.SessionID
	Token     string
	UserID    id.UserID
	ExpiresAt time.Time
	CreatedAt time.Time
}

// IsLive reports whether the session is still usable at now.
func (s *Session) IsLive(now time.Time) bool {
	return s.ExpiresAt.After(now)
}

// Stats is a point-in-time summary of the store.
type Stats struct {
	Users               int64
	RecentVerifications int64
	RecentAuditRecords  int64
}
