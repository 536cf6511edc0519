package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"kycgate/internal/credential"
	credmodels "kycgate/internal/credential/models"
	"kycgate/internal/credential/store/memory"
	"kycgate/internal/verification/models"
	"kycgate/internal/verification/provider"
	id "kycgate/pkg/domain"
	dErrors "kycgate/pkg/domain-errors"
	audit "kycgate/pkg/platform/audit"
	auditmemory "kycgate/pkg/platform/audit/store/memory"
	"kycgate/pkg/requestcontext"
)

type fakeProvider struct {
	mu           sync.Mutex
	applicantID  string
	created      []provider.ApplicantRequest
	tokenCalls   []string
	review       *models.Review
	createErr    error
	tokenErr     error
	statusErr    error
	beforeReturn func()
}

func (f *fakeProvider) CreateApplicant(_ context.Context, req provider.ApplicantRequest) (string, error) {
	f.mu.Lock()
	f.created = append(f.created, req)
	f.mu.Unlock()
	if f.beforeReturn != nil {
		f.beforeReturn()
	}
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.applicantID, nil
}

func (f *fakeProvider) AccessToken(_ context.Context, externalUserID string) (*provider.AccessToken, error) {
	f.mu.Lock()
	f.tokenCalls = append(f.tokenCalls, externalUserID)
	f.mu.Unlock()
	if f.tokenErr != nil {
		return nil, f.tokenErr
	}
	return &provider.AccessToken{Token: "sdk-token", UserID: externalUserID}, nil
}

func (f *fakeProvider) ApplicantStatus(_ context.Context, applicantID string) (*models.Review, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	r := *f.review
	return &r, nil
}

type ServiceSuite struct {
	suite.Suite
	ctx      context.Context
	now      time.Time
	store    *memory.Store
	provider *fakeProvider
	service  *Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.now = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
	s.store = memory.New(nil)
	s.provider = &fakeProvider{applicantID: "applicant-1"}
	s.service = New(s.store, s.provider)
}

func (s *ServiceSuite) createUser(applicantID string, status credmodels.VerificationStatus) *credmodels.User {
	user := &credmodels.User{
		ID:                 id.NewUserID(),
		FirstName:          "Ada",
		LastName:           "Lovelace",
		DateOfBirth:        time.Date(1990, 12, 10, 0, 0, 0, 0, time.UTC),
		Email:              id.NewUserID().String() + "@example.com",
		PhoneNumber:        "+447700900123",
		VerificationStatus: status,
		ApplicantID:        applicantID,
		CreatedAt:          s.now,
		UpdatedAt:          s.now,
	}
	s.Require().NoError(s.store.CreateUser(s.ctx, user, audit.Event{Action: string(audit.EventUserCreated)}))
	return user
}

func (s *ServiceSuite) actions(userID id.UserID) []string {
	events, err := s.store.ListAudit(s.ctx, userID)
	s.Require().NoError(err)
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Action)
	}
	return out
}

func (s *ServiceSuite) requireCode(err error, code dErrors.Code) {
	s.T().Helper()
	s.Require().Error(err)
	s.Equal(code, dErrors.CodeOf(err), "error: %v", err)
}

func (s *ServiceSuite) TestAccessToken() {
	s.Run("creates the applicant on first use", func() {
		user := s.createUser("", credmodels.StatusPending)

		res, err := s.service.AccessToken(s.ctx, user.ID)
		s.Require().NoError(err)
		s.Equal("sdk-token", res.Token)
		s.Equal("applicant-1", res.ApplicantID)
		s.Equal(user.ID, res.UserID)

		s.Require().Len(s.provider.created, 1)
		req := s.provider.created[0]
		s.Equal(user.ID.String(), req.ExternalUserID)
		s.Equal(user.Email, req.Email)
		s.Equal(user.DateOfBirth, req.DateOfBirth)
		s.Equal([]string{user.ID.String()}, s.provider.tokenCalls)

		stored, err := s.store.FindUserByID(s.ctx, user.ID)
		s.Require().NoError(err)
		s.Equal("applicant-1", stored.ApplicantID)
		s.Equal(credmodels.StatusPending, stored.VerificationStatus)
		s.Equal([]string{"applicant_created", "user_created"}, s.actions(user.ID))
	})

	s.Run("reuses an existing applicant", func() {
		s.SetupTest()
		user := s.createUser("existing", credmodels.StatusPending)

		res, err := s.service.AccessToken(s.ctx, user.ID)
		s.Require().NoError(err)
		s.Equal("existing", res.ApplicantID)
		s.Empty(s.provider.created)
	})

	s.Run("unknown user", func() {
		s.SetupTest()
		_, err := s.service.AccessToken(s.ctx, id.NewUserID())
		s.requireCode(err, dErrors.CodeNotFound)
		s.Empty(s.provider.created)
		s.Empty(s.provider.tokenCalls)
	})

	s.Run("applicant creation failure leaves the user untouched", func() {
		s.SetupTest()
		s.provider.createErr = &provider.Error{Category: provider.ErrorTimeout}
		user := s.createUser("", credmodels.StatusPending)

		_, err := s.service.AccessToken(s.ctx, user.ID)
		s.requireCode(err, dErrors.CodeProviderUnavailable)
		s.Empty(s.provider.tokenCalls)

		stored, _ := s.store.FindUserByID(s.ctx, user.ID)
		s.Empty(stored.ApplicantID)
		s.Equal([]string{"user_created"}, s.actions(user.ID))
	})

	s.Run("token failure keeps the linked applicant", func() {
		s.SetupTest()
		s.provider.tokenErr = &provider.Error{Category: provider.ErrorRejected}
		user := s.createUser("", credmodels.StatusPending)

		_, err := s.service.AccessToken(s.ctx, user.ID)
		s.requireCode(err, dErrors.CodeProviderUnavailable)

		stored, _ := s.store.FindUserByID(s.ctx, user.ID)
		s.Equal("applicant-1", stored.ApplicantID)
	})

	s.Run("concurrent link keeps the first applicant", func() {
		s.SetupTest()
		user := s.createUser("", credmodels.StatusPending)
		s.provider.beforeReturn = func() {
			_, err := s.store.UpdateUser(s.ctx, user.ID, func(u *credmodels.User) (audit.Event, error) {
				u.ApplicantID = "winner"
				return audit.Event{Action: string(audit.EventApplicantCreated)}, nil
			})
			s.Require().NoError(err)
		}

		res, err := s.service.AccessToken(s.ctx, user.ID)
		s.Require().NoError(err)
		s.Equal("winner", res.ApplicantID)

		stored, _ := s.store.FindUserByID(s.ctx, user.ID)
		s.Equal("winner", stored.ApplicantID)
		s.Equal([]string{"applicant_created", "user_created"}, s.actions(user.ID))
	})
}

func (s *ServiceSuite) TestApplyWebhook() {
	green := []byte(`{"applicantId":"app-1","type":"applicantReviewed","reviewStatus":"completed","reviewResult":{"reviewAnswer":"GREEN"}}`)

	s.Run("completed GREEN verifies the user", func() {
		user := s.createUser("app-1", credmodels.StatusPending)

		t, err := s.service.ApplyWebhook(s.ctx, green)
		s.Require().NoError(err)
		s.True(t.Applied)
		s.Equal(credmodels.StatusPending, t.Previous)
		s.Equal(credmodels.StatusVerified, t.Status)
		s.Equal(user.ID, t.User.ID)

		stored, _ := s.store.FindUserByID(s.ctx, user.ID)
		s.Equal(credmodels.StatusVerified, stored.VerificationStatus)
		s.Equal("completed", stored.VerificationDetails.ReviewStatus)
		s.Equal("GREEN", stored.VerificationDetails.ReviewAnswer)
		s.Equal(s.now, stored.VerificationDetails.LastChecked)
		s.Equal(s.now, stored.UpdatedAt)

		events, _ := s.store.ListAudit(s.ctx, user.ID)
		s.Require().Len(events, 2)
		s.Equal("verification_status_updated", events[0].Action)
		s.Equal(ActorWebhook, events[0].ActorID)
		s.Contains(events[0].Details, "pending -> verified")
	})

	s.Run("re-applying the same event is idempotent", func() {
		s.SetupTest()
		user := s.createUser("app-1", credmodels.StatusPending)

		for range 3 {
			t, err := s.service.ApplyWebhook(s.ctx, green)
			s.Require().NoError(err)
			s.True(t.Applied)
		}
		stored, _ := s.store.FindUserByID(s.ctx, user.ID)
		s.Equal(credmodels.StatusVerified, stored.VerificationStatus)
		s.Len(s.actions(user.ID), 4)
	})

	s.Run("completed RED rejects with labels and comment", func() {
		s.SetupTest()
		user := s.createUser("app-1", credmodels.StatusPending)
		body := []byte(`{"applicantId":"app-1","reviewStatus":"completed","reviewResult":{"reviewAnswer":"RED","rejectLabels":["FORGERY"," FORGERY","SELFIE_MISMATCH",""],"moderationComment":"Document is forged"}}`)

		_, err := s.service.ApplyWebhook(s.ctx, body)
		s.Require().NoError(err)

		stored, _ := s.store.FindUserByID(s.ctx, user.ID)
		s.Equal(credmodels.StatusRejected, stored.VerificationStatus)
		s.Equal([]string{"FORGERY", "SELFIE_MISMATCH"}, stored.VerificationDetails.RejectLabels)
		s.Equal("Document is forged", stored.VerificationDetails.RejectionReason)
	})

	s.Run("completed with an unexpected answer rejects", func() {
		s.SetupTest()
		user := s.createUser("app-1", credmodels.StatusPending)
		_, err := s.service.ApplyWebhook(s.ctx, []byte(`{"applicantId":"app-1","reviewStatus":"completed","reviewResult":{"reviewAnswer":"YELLOW"}}`))
		s.Require().NoError(err)
		stored, _ := s.store.FindUserByID(s.ctx, user.ID)
		s.Equal(credmodels.StatusRejected, stored.VerificationStatus)
	})

	s.Run("non-completed review keeps pending", func() {
		s.SetupTest()
		user := s.createUser("app-1", credmodels.StatusPending)
		t, err := s.service.ApplyWebhook(s.ctx, []byte(`{"applicantId":"app-1","reviewStatus":"onHold"}`))
		s.Require().NoError(err)
		s.True(t.Applied)
		stored, _ := s.store.FindUserByID(s.ctx, user.ID)
		s.Equal(credmodels.StatusPending, stored.VerificationStatus)
		s.Equal("onHold", stored.VerificationDetails.ReviewStatus)
	})

	s.Run("finished review is not reopened", func() {
		s.SetupTest()
		user := s.createUser("app-1", credmodels.StatusVerified)

		t, err := s.service.ApplyWebhook(s.ctx, []byte(`{"applicantId":"app-1","reviewStatus":"pending"}`))
		s.Require().NoError(err)
		s.False(t.Applied)
		s.Equal(credmodels.StatusVerified, t.User.VerificationStatus)

		stored, _ := s.store.FindUserByID(s.ctx, user.ID)
		s.Equal(credmodels.StatusVerified, stored.VerificationStatus)
		s.Equal([]string{"webhook_ignored", "user_created"}, s.actions(user.ID))
	})

	s.Run("finished review can be re-decided", func() {
		s.SetupTest()
		user := s.createUser("app-1", credmodels.StatusVerified)
		t, err := s.service.ApplyWebhook(s.ctx, []byte(`{"applicantId":"app-1","reviewStatus":"completed","reviewResult":{"reviewAnswer":"RED"}}`))
		s.Require().NoError(err)
		s.True(t.Applied)
		stored, _ := s.store.FindUserByID(s.ctx, user.ID)
		s.Equal(credmodels.StatusRejected, stored.VerificationStatus)
	})

	s.Run("missing applicant id", func() {
		s.SetupTest()
		_, err := s.service.ApplyWebhook(s.ctx, []byte(`{"reviewStatus":"completed"}`))
		s.requireCode(err, dErrors.CodeBadRequest)
		_, err = s.service.ApplyWebhook(s.ctx, []byte(`{"applicantId":"  "}`))
		s.requireCode(err, dErrors.CodeBadRequest)
	})

	s.Run("malformed body", func() {
		s.SetupTest()
		_, err := s.service.ApplyWebhook(s.ctx, []byte(`{"applicantId":`))
		s.requireCode(err, dErrors.CodeBadRequest)
	})

	s.Run("unknown applicant never creates a user", func() {
		s.SetupTest()
		_, err := s.service.ApplyWebhook(s.ctx, green)
		s.requireCode(err, dErrors.CodeNotFound)
		_, err = s.store.FindUserByApplicantID(s.ctx, "app-1")
		s.Error(err)
	})

	s.Run("concurrent deliveries each leave one audit record", func() {
		s.SetupTest()
		user := s.createUser("app-1", credmodels.StatusPending)

		var wg sync.WaitGroup
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.service.ApplyWebhook(s.ctx, green)
				s.NoError(err)
			}()
		}
		wg.Wait()

		stored, _ := s.store.FindUserByID(s.ctx, user.ID)
		s.Equal(credmodels.StatusVerified, stored.VerificationStatus)
		s.Len(s.actions(user.ID), 21)
	})
}

type failingStore struct {
	*memory.Store
}

func (failingStore) UpdateUserByApplicantID(context.Context, string, credential.Mutation) (*credmodels.User, error) {
	return nil, errors.New("connection reset")
}

func (s *ServiceSuite) TestApplyWebhookStoreFailure() {
	svc := New(failingStore{s.store}, s.provider)
	_, err := svc.ApplyWebhook(s.ctx, []byte(`{"applicantId":"app-1","reviewStatus":"completed"}`))
	s.requireCode(err, dErrors.CodeInternal)
}

func (s *ServiceSuite) TestSync() {
	s.Run("applies the provider's current review", func() {
		user := s.createUser("app-1", credmodels.StatusPending)
		s.provider.review = &models.Review{
			ApplicantID:  "someone-else",
			ReviewStatus: "completed",
			ReviewResult: models.ReviewResult{ReviewAnswer: "GREEN"},
		}

		t, err := s.service.Sync(s.ctx, user.ID)
		s.Require().NoError(err)
		s.True(t.Applied)
		s.Equal(credmodels.StatusVerified, t.User.VerificationStatus)
		s.Equal("app-1", t.User.ApplicantID)
		s.Equal("sync", t.User.VerificationDetails.Source)

		events, _ := s.store.ListAudit(s.ctx, user.ID)
		s.Equal("verification_status_synced", events[0].Action)
		s.Equal(ActorAdmin, events[0].ActorID)
	})

	s.Run("keeps a finished review", func() {
		s.SetupTest()
		user := s.createUser("app-1", credmodels.StatusRejected)
		s.provider.review = &models.Review{ReviewStatus: "pending"}

		t, err := s.service.Sync(s.ctx, user.ID)
		s.Require().NoError(err)
		s.False(t.Applied)
		s.Equal(credmodels.StatusRejected, t.User.VerificationStatus)
	})

	s.Run("user without applicant", func() {
		s.SetupTest()
		user := s.createUser("", credmodels.StatusPending)
		_, err := s.service.Sync(s.ctx, user.ID)
		s.requireCode(err, dErrors.CodeNotFound)
	})

	s.Run("provider failure", func() {
		s.SetupTest()
		user := s.createUser("app-1", credmodels.StatusPending)
		s.provider.statusErr = &provider.Error{Category: provider.ErrorUnavailable}
		_, err := s.service.Sync(s.ctx, user.ID)
		s.requireCode(err, dErrors.CodeProviderUnavailable)
	})
}

func (s *ServiceSuite) TestOverride() {
	s.Run("administrator can reopen a finished review", func() {
		user := s.createUser("app-1", credmodels.StatusVerified)

		t, err := s.service.Override(s.ctx, user.ID, "pending", "document expired")
		s.Require().NoError(err)
		s.Equal(credmodels.StatusVerified, t.Previous)
		s.Equal(credmodels.StatusPending, t.User.VerificationStatus)
		s.Equal("document expired", t.User.VerificationDetails.Note)

		events, _ := s.store.ListAudit(s.ctx, user.ID)
		s.Equal("verification_status_overridden", events[0].Action)
		s.Equal(ActorAdmin, events[0].ActorID)
		s.Equal("document expired", events[0].Reason)
		s.Equal("verified -> pending", events[0].Details)
	})

	s.Run("unknown status", func() {
		s.SetupTest()
		user := s.createUser("", credmodels.StatusPending)
		_, err := s.service.Override(s.ctx, user.ID, "approved", "")
		s.requireCode(err, dErrors.CodeInvalidInput)
		s.Equal([]string{"user_created"}, s.actions(user.ID))
	})

	s.Run("unknown user", func() {
		s.SetupTest()
		_, err := s.service.Override(s.ctx, id.NewUserID(), "verified", "")
		s.requireCode(err, dErrors.CodeNotFound)
	})
}

func (s *ServiceSuite) TestStatusAndAuditTrail() {
	user := s.createUser("app-1", credmodels.StatusPending)
	_, err := s.service.ApplyWebhook(s.ctx, []byte(`{"applicantId":"app-1","reviewStatus":"completed","reviewResult":{"reviewAnswer":"GREEN"}}`))
	s.Require().NoError(err)

	got, err := s.service.Status(s.ctx, user.ID)
	s.Require().NoError(err)
	s.Equal(credmodels.StatusVerified, got.VerificationStatus)

	events, err := s.service.AuditTrail(s.ctx, user.ID)
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.Equal("verification_status_updated", events[0].Action)
	s.Equal("user_created", events[1].Action)

	_, err = s.service.Status(s.ctx, id.NewUserID())
	s.requireCode(err, dErrors.CodeNotFound)
	_, err = s.service.AuditTrail(s.ctx, id.NewUserID())
	s.requireCode(err, dErrors.CodeNotFound)
}

func (s *ServiceSuite) TestRecentAudit() {
	auditLog := auditmemory.NewInMemoryStore()
	s.store = memory.New(auditLog)
	s.service = New(s.store, s.provider)

	first := s.createUser("app-1", credmodels.StatusPending)
	second := s.createUser("app-2", credmodels.StatusPending)
	_, err := s.service.ApplyWebhook(s.ctx, []byte(`{"applicantId":"app-2","reviewStatus":"completed","reviewResult":{"reviewAnswer":"RED"}}`))
	s.Require().NoError(err)
	s.Require().NoError(auditLog.Append(s.ctx, audit.Stamp(s.ctx, audit.Event{
		Action: string(audit.EventAuthFailed),
		Reason: "unknown token",
	})))

	s.Run("spans every user", func() {
		events, err := s.service.RecentAudit(s.ctx, 10, "")
		s.Require().NoError(err)
		s.Require().Len(events, 4)
		users := map[id.UserID]bool{}
		for _, e := range events {
			users[e.UserID] = true
		}
		s.True(users[first.ID])
		s.True(users[second.ID])
		s.True(users[id.UserID{}])
	})

	s.Run("filters by category", func() {
		events, err := s.service.RecentAudit(s.ctx, 10, audit.CategorySecurity)
		s.Require().NoError(err)
		s.Require().Len(events, 1)
		s.Equal("auth_failed", events[0].Action)
		s.True(events[0].UserID.IsNil())
	})

	s.Run("honours the limit", func() {
		events, err := s.service.RecentAudit(s.ctx, 2, "")
		s.Require().NoError(err)
		s.Len(events, 2)
	})

	s.Run("caps the limit", func() {
		events, err := s.service.RecentAudit(s.ctx, MaxRecentAuditLimit*10, "")
		s.Require().NoError(err)
		s.Len(events, 4)
	})

	s.Run("rejects bad input", func() {
		_, err := s.service.RecentAudit(s.ctx, 0, "")
		s.requireCode(err, dErrors.CodeInvalidInput)
		_, err = s.service.RecentAudit(s.ctx, 10, "billing")
		s.requireCode(err, dErrors.CodeInvalidInput)
	})
}
