package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	credmodels "kycgate/internal/credential/models"
	"kycgate/internal/verification/models"
	id "kycgate/pkg/domain"
	dErrors "kycgate/pkg/domain-errors"
	audit "kycgate/pkg/platform/audit"
	"kycgate/pkg/requestcontext"
)

const (
	ActorWebhook = "webhook"
	ActorAdmin   = "admin"

	sourceWebhook  = "webhook"
	sourceSync     = "sync"
	sourceOverride = "admin"
)

// Transition describes the outcome of applying a review or override.
type Transition struct {
	User     *credmodels.User
	Previous credmodels.VerificationStatus
	Status   credmodels.VerificationStatus
	// Applied is false when a finished review would have been reopened and
	// the user was left unchanged.
	Applied bool
}

// ApplyWebhook parses a verified webhook body and applies it to the user
// holding its applicant id. The caller must have checked the signature.
func (s *Service) ApplyWebhook(ctx context.Context, body []byte) (*Transition, error) {
	ctx, span := s.tracer.Start(ctx, "verification.apply_webhook")
	defer span.End()

	var review models.Review
	if err := json.Unmarshal(body, &review); err != nil {
		return nil, dErrors.New(dErrors.CodeBadRequest, "invalid JSON payload")
	}
	review.ApplicantID = strings.TrimSpace(review.ApplicantID)
	if review.ApplicantID == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "applicantId is required")
	}
	span.SetAttributes(
		attribute.String("applicant_id", review.ApplicantID),
		attribute.String("review_status", review.ReviewStatus),
	)

	t, err := s.applyReview(ctx, review, audit.EventVerificationStatusUpdated, ActorWebhook, sourceWebhook)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply review")
		return nil, err
	}
	return t, nil
}

// Sync fetches the applicant's current review from the provider and applies
// it with the same rules as a webhook.
func (s *Service) Sync(ctx context.Context, userID id.UserID) (*Transition, error) {
	ctx, span := s.tracer.Start(ctx, "verification.sync")
	defer span.End()

	user, err := s.store.FindUserByID(ctx, userID)
	if err != nil {
		return nil, s.storeError(ctx, span, err, "user not found")
	}
	if user.ApplicantID == "" {
		return nil, dErrors.New(dErrors.CodeNotFound, "user has no applicant")
	}

	review, err := s.provider.ApplicantStatus(ctx, user.ApplicantID)
	if err != nil {
		return nil, s.providerError(ctx, span, err)
	}
	review.ApplicantID = user.ApplicantID

	return s.applyReview(ctx, *review, audit.EventVerificationStatusSynced, ActorAdmin, sourceSync)
}

// Override sets a user's status directly. Any status is allowed, including
// moving a finished review back to pending.
func (s *Service) Override(ctx context.Context, userID id.UserID, status, reason string) (*Transition, error) {
	next, err := credmodels.ParseVerificationStatus(strings.TrimSpace(status))
	if err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)

	now := requestcontext.Now(ctx)
	var previous credmodels.VerificationStatus
	user, err := s.store.UpdateUser(ctx, userID, func(u *credmodels.User) (audit.Event, error) {
		previous = u.VerificationStatus
		u.VerificationStatus = next
		u.VerificationDetails.Source = sourceOverride
		u.VerificationDetails.Note = reason
		u.VerificationDetails.LastChecked = now
		u.UpdatedAt = now
		return audit.Event{
			Action:  string(audit.EventVerificationStatusOverridden),
			ActorID: ActorAdmin,
			Reason:  reason,
			Details: fmt.Sprintf("%s -> %s", previous, next),
		}, nil
	})
	if err != nil {
		return nil, s.storeError(ctx, nil, err, "user not found")
	}

	s.logger.InfoContext(ctx, "verification status overridden",
		"user_id", userID,
		"from", previous,
		"to", next,
	)
	return &Transition{User: user, Previous: previous, Status: next, Applied: true}, nil
}

// applyReview is the Status Mapper. Lookup, status write and audit append
// happen in one store mutation.
func (s *Service) applyReview(ctx context.Context, review models.Review, action audit.AuditEvent, actor, source string) (*Transition, error) {
	now := requestcontext.Now(ctx)
	next := review.Status()

	t := &Transition{Status: next}
	user, err := s.store.UpdateUserByApplicantID(ctx, review.ApplicantID, func(u *credmodels.User) (audit.Event, error) {
		t.Previous = u.VerificationStatus
		if !u.VerificationStatus.AllowsProviderTransition(next) {
			t.Applied = false
			return audit.Event{
				Action:  string(audit.EventWebhookIgnored),
				ActorID: actor,
				Reason:  "review already finished",
				Details: fmt.Sprintf("kept %s; provider reported %s", u.VerificationStatus, describeReview(review)),
			}, nil
		}

		t.Applied = true
		u.VerificationStatus = next
		u.ApplicantID = review.ApplicantID
		u.VerificationDetails = detailsFrom(review, source, now)
		u.UpdatedAt = now
		return audit.Event{
			Action:  string(action),
			ActorID: actor,
			Details: fmt.Sprintf("%s -> %s (%s)", t.Previous, next, describeReview(review)),
		}, nil
	})
	if err != nil {
		return nil, s.storeError(ctx, nil, err, "applicant not found")
	}
	t.User = user

	if t.Applied {
		s.logger.InfoContext(ctx, "verification status applied",
			"user_id", user.ID,
			"applicant_id", review.ApplicantID,
			"from", t.Previous,
			"to", next,
			"source", source,
		)
	} else {
		s.logger.WarnContext(ctx, "provider review ignored for finished verification",
			"user_id", user.ID,
			"applicant_id", review.ApplicantID,
			"status", t.Previous,
			"reported", next,
		)
	}
	return t, nil
}

func detailsFrom(review models.Review, source string, now time.Time) credmodels.VerificationDetails {
	reason := review.ReviewResult.ModerationComment
	if reason == "" {
		reason = review.ReviewResult.ClientComment
	}
	return credmodels.VerificationDetails{
		ReviewStatus:    review.ReviewStatus,
		ReviewAnswer:    review.ReviewResult.ReviewAnswer,
		RejectLabels:    review.ReviewResult.Labels(),
		RejectionReason: strings.TrimSpace(reason),
		Source:          source,
		LastChecked:     now,
	}
}

func describeReview(review models.Review) string {
	if review.ReviewResult.ReviewAnswer == "" {
		return "reviewStatus=" + review.ReviewStatus
	}
	return "reviewStatus=" + review.ReviewStatus + ", reviewAnswer=" + review.ReviewResult.ReviewAnswer
}
