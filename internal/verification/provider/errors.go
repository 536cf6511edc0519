package provider

import (
	"errors"
	"fmt"
)

// ErrorCategory is the normalized reason an outbound provider call failed.
type ErrorCategory string

const (
	ErrorTimeout        ErrorCategory = "timeout"
	ErrorUnavailable    ErrorCategory = "unavailable"
	ErrorBadData        ErrorCategory = "bad_data"
	ErrorAuthentication ErrorCategory = "authentication"
	ErrorNotFound       ErrorCategory = "not_found"
	ErrorRejected       ErrorCategory = "rejected"
	ErrorInternal       ErrorCategory = "internal"
)

// Error wraps a provider failure. Operation names the client method and
// StatusCode is zero when no response was received.
type Error struct {
	Category   ErrorCategory
	Operation  string
	StatusCode int
	Message    string
	Underlying error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("provider %s [%s]", e.Operation, e.Category)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" status %d", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Underlying != nil {
		msg += ": " + e.Underlying.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

func newError(category ErrorCategory, op string, status int, message string, underlying error) *Error {
	return &Error{
		Category:   category,
		Operation:  op,
		StatusCode: status,
		Message:    message,
		Underlying: underlying,
	}
}

// CategoryOf extracts the category from err, or ErrorInternal when err did
// not come from the client.
func CategoryOf(err error) ErrorCategory {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ErrorInternal
}
