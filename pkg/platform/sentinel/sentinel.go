// Package sentinel holds infrastructure facts that stores return (optionally
// wrapped) and services translate into domain errors.
//
// Validation failures are not sentinels; services report those through
// pkg/domain-errors directly.
package sentinel

import "errors"

var (
	// ErrNotFound: the record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict: a unique key (email, applicant id, token) is already taken.
	ErrConflict = errors.New("conflict")
	// ErrExpired: the session exists but is past its expiry.
	ErrExpired = errors.New("expired")
	// ErrInvalidState: the record is in the wrong state for the operation.
	ErrInvalidState = errors.New("invalid state")
	// ErrUnavailable: a backing service cannot be reached.
	ErrUnavailable = errors.New("unavailable")
)
