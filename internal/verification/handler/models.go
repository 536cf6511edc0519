package handler

import (
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"

	credmodels "kycgate/internal/credential/models"
	"kycgate/internal/verification/service"
	id "kycgate/pkg/domain"
	audit "kycgate/pkg/platform/audit"
	pkgvalidation "kycgate/pkg/platform/validation"
)

type AccessTokenResponse struct {
	Token       string `json:"token"`
	ApplicantID string `json:"applicantId"`
	UserID      string `json:"userId"`
}

type StatusDetails struct {
	ReviewStatus    string     `json:"reviewStatus,omitempty"`
	ReviewAnswer    string     `json:"reviewAnswer,omitempty"`
	RejectLabels    []string   `json:"rejectLabels,omitempty"`
	RejectionReason string     `json:"rejectionReason,omitempty"`
	LastChecked     *time.Time `json:"lastChecked,omitempty"`
}

type StatusResponse struct {
	UserID             string        `json:"userId"`
	VerificationStatus string        `json:"verificationStatus"`
	ApplicantID        string        `json:"applicantId,omitempty"`
	Details            StatusDetails `json:"details"`
}

func toStatusResponse(u *credmodels.User) *StatusResponse {
	d := u.VerificationDetails
	resp := &StatusResponse{
		UserID:             u.ID.String(),
		VerificationStatus: u.VerificationStatus.String(),
		ApplicantID:        u.ApplicantID,
		Details: StatusDetails{
			ReviewStatus:    d.ReviewStatus,
			ReviewAnswer:    d.ReviewAnswer,
			RejectLabels:    d.RejectLabels,
			RejectionReason: d.RejectionReason,
		},
	}
	if !d.LastChecked.IsZero() {
		lc := d.LastChecked.UTC()
		resp.Details.LastChecked = &lc
	}
	return resp
}

type WebhookResponse struct {
	Status  string `json:"status"`
	Applied bool   `json:"applied"`
}

// OverrideRequest sets a user's status by hand.
type OverrideRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (r *OverrideRequest) Validate() error {
	r.Status = strings.TrimSpace(r.Status)
	return pkgvalidation.Check(validation.ValidateStruct(r,
		validation.Field(&r.Status, validation.Required, validation.In(
			string(credmodels.StatusPending),
			string(credmodels.StatusVerified),
			string(credmodels.StatusRejected),
		)),
		validation.Field(&r.Reason, validation.Length(0, 500)),
	))
}

type TransitionResponse struct {
	UserID             string `json:"userId"`
	PreviousStatus     string `json:"previousStatus"`
	VerificationStatus string `json:"verificationStatus"`
	Applied            bool   `json:"applied"`
}

func toTransitionResponse(t *service.Transition) *TransitionResponse {
	return &TransitionResponse{
		UserID:             t.User.ID.String(),
		PreviousStatus:     t.Previous.String(),
		VerificationStatus: t.User.VerificationStatus.String(),
		Applied:            t.Applied,
	}
}

type AuditRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId,omitempty"`
	Category  string    `json:"category"`
	Action    string    `json:"action"`
	Details   string    `json:"details,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	ActorID   string    `json:"actorId,omitempty"`
	ClientIP  string    `json:"clientIp,omitempty"`
	RequestID string    `json:"requestId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type AuditTrailResponse struct {
	UserID string        `json:"userId"`
	Events []AuditRecord `json:"events"`
}

func toAuditTrailResponse(userID id.UserID, events []audit.Event) *AuditTrailResponse {
	return &AuditTrailResponse{UserID: userID.String(), Events: toAuditRecords(events)}
}

type RecentAuditResponse struct {
	Count  int           `json:"count"`
	Events []AuditRecord `json:"events"`
}

func toRecentAuditResponse(events []audit.Event) *RecentAuditResponse {
	return &RecentAuditResponse{Count: len(events), Events: toAuditRecords(events)}
}

func toAuditRecords(events []audit.Event) []AuditRecord {
	out := make([]AuditRecord, 0, len(events))
	for _, e := range events {
		rec := AuditRecord{
			ID:        e.ID.String(),
			Category:  string(e.Category),
			Action:    e.Action,
			Details:   e.Details,
			Reason:    e.Reason,
			ActorID:   e.ActorID,
			ClientIP:  e.ClientIP,
			RequestID: e.RequestID,
			Timestamp: e.Timestamp.UTC(),
		}
		if !e.UserID.IsNil() {
			rec.UserID = e.UserID.String()
		}
		out = append(out, rec)
	}
	return out
}
