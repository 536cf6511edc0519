package provider

import (
	"context"

	"kycgate/internal/verification/models"
)

// Unconfigured stands in for the client when no provider credentials are
// set. Every call fails as unavailable, so provider-backed routes answer 503
// while registration, status reads and webhooks keep working.
type Unconfigured struct{}

func unconfigured(op string) error {
	return newError(ErrorUnavailable, op, 0, "provider credentials not configured", nil)
}

func (Unconfigured) CreateApplicant(context.Context, ApplicantRequest) (string, error) {
	return "", unconfigured(opCreateApplicant)
}

func (Unconfigured) AccessToken(context.Context, string) (*AccessToken, error) {
	return nil, unconfigured(opAccessToken)
}

func (Unconfigured) ApplicantStatus(context.Context, string) (*models.Review, error) {
	return nil, unconfigured(opApplicantStatus)
}
