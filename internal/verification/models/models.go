// Package models holds the provider review payloads shared by webhooks and
// status polling, and the mapping from a review to a local status.
package models

import (
	"strings"

	credmodels "kycgate/internal/credential/models"
)

const (
	ReviewStatusCompleted = "completed"
	ReviewAnswerGreen     = "GREEN"
	ReviewAnswerRed       = "RED"
)

// ReviewResult is the provider's verdict block.
type ReviewResult struct {
	ReviewAnswer      string   `json:"reviewAnswer"`
	RejectLabels      []string `json:"rejectLabels,omitempty"`
	ReviewRejectType  string   `json:"reviewRejectType,omitempty"`
	ModerationComment string   `json:"moderationComment,omitempty"`
	ClientComment     string   `json:"clientComment,omitempty"`
}

// Review is a provider notification or status response for one applicant.
type Review struct {
	ApplicantID    string       `json:"applicantId"`
	ExternalUserID string       `json:"externalUserId,omitempty"`
	Type           string       `json:"type,omitempty"`
	ReviewStatus   string       `json:"reviewStatus"`
	ReviewResult   ReviewResult `json:"reviewResult"`
}

// Status maps a review to the local verification status. Only a completed
// review is final; GREEN is the single positive answer.
func (r Review) Status() credmodels.VerificationStatus {
	if r.ReviewStatus != ReviewStatusCompleted {
		return credmodels.StatusPending
	}
	if r.ReviewResult.ReviewAnswer == ReviewAnswerGreen {
		return credmodels.StatusVerified
	}
	return credmodels.StatusRejected
}

// Labels returns the reject labels upper-cased, trimmed and without
// duplicates, in first-seen order.
func (r ReviewResult) Labels() []string {
	if len(r.RejectLabels) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(r.RejectLabels))
	out := make([]string, 0, len(r.RejectLabels))
	for _, l := range r.RejectLabels {
		l = strings.ToUpper(strings.TrimSpace(l))
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}
