// Package validation turns ozzo-validation results into domain errors.
package validation

import (
	"errors"

	validation "github.com/go-ozzo/ozzo-validation"

	dErrors "kycgate/pkg/domain-errors"
)

// Check wraps the result of validation.Validate or ValidateStruct. Rule
// failures become a CodeValidation error naming the failing fields; a
// misconfigured rule is internal.
func Check(err error) error {
	if err == nil {
		return nil
	}
	var internal validation.InternalError
	if errors.As(err, &internal) {
		return dErrors.Wrap(err, dErrors.CodeInternal, "validation failed")
	}
	return dErrors.Wrap(err, dErrors.CodeValidation, err.Error())
}
