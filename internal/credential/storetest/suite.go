// Package storetest is the behavioural contract shared by every Credential
// Store implementation. Implementations run it from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/suite"

	"kycgate/internal/credential"
	"kycgate/internal/credential/models"
	id "kycgate/pkg/domain"
	audit "kycgate/pkg/platform/audit"
	"kycgate/pkg/platform/sentinel"
	"kycgate/pkg/requestcontext"
)

type Suite struct {
	suite.Suite
	// NewStore returns an empty store for each test.
	NewStore func() credential.Store

	store credential.Store
	ctx   context.Context
	now   time.Time
}

func (s *Suite) SetupTest() {
	s.store = s.NewStore()
	s.now = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
}

func (s *Suite) newUser(email string) *models.User {
	return &models.User{
		ID:                 id.NewUserID(),
		FirstName:          "Ada",
		LastName:           "Lovelace",
		DateOfBirth:        time.Date(1990, 12, 10, 0, 0, 0, 0, time.UTC),
		Email:              email,
		PhoneNumber:        "+447700900123",
		Address:            models.Address{Street: "1 Analytical Way", City: "London", Postcode: "N1 9GU"},
		VerificationStatus: models.StatusPending,
		CreatedAt:          s.now,
		UpdatedAt:          s.now,
	}
}

func (s *Suite) createUser(email string) *models.User {
	u := s.newUser(email)
	s.Require().NoError(s.store.CreateUser(s.ctx, u, audit.Event{Action: string(audit.EventUserCreated)}))
	return u
}

func (s *Suite) setApplicant(userID id.UserID, applicantID string) {
	_, err := s.store.UpdateUser(s.ctx, userID, func(u *models.User) (audit.Event, error) {
		u.ApplicantID = applicantID
		return audit.Event{Action: string(audit.EventApplicantCreated)}, nil
	})
	s.Require().NoError(err)
}

func (s *Suite) auditCount(userID id.UserID) int {
	events, err := s.store.ListAudit(s.ctx, userID)
	s.Require().NoError(err)
	return len(events)
}

func (s *Suite) TestCreateAndFindUser() {
	u := s.createUser("ada@example.com")

	s.Run("by id", func() {
		got, err := s.store.FindUserByID(s.ctx, u.ID)
		s.Require().NoError(err)
		s.Equal(u.Email, got.Email)
		s.Equal(models.StatusPending, got.VerificationStatus)
		s.Equal(u.Address, got.Address)
		s.True(u.DateOfBirth.Equal(got.DateOfBirth))
	})

	s.Run("by email ignoring case", func() {
		got, err := s.store.FindUserByEmail(s.ctx, "ADA@example.com")
		s.Require().NoError(err)
		s.Equal(u.ID, got.ID)
	})

	s.Run("creation is audited", func() {
		events, err := s.store.ListAudit(s.ctx, u.ID)
		s.Require().NoError(err)
		s.Require().Len(events, 1)
		s.Equal(string(audit.EventUserCreated), events[0].Action)
		s.Equal(u.ID, events[0].UserID)
	})

	s.Run("unknown ids are not found", func() {
		_, err := s.store.FindUserByID(s.ctx, id.NewUserID())
		s.ErrorIs(err, sentinel.ErrNotFound)
		_, err = s.store.FindUserByEmail(s.ctx, "nobody@example.com")
		s.ErrorIs(err, sentinel.ErrNotFound)
		_, err = s.store.FindUserByApplicantID(s.ctx, "missing-applicant")
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *Suite) TestDuplicateEmailConflicts() {
	first := s.createUser("dup@example.com")

	second := s.newUser("Dup@Example.com")
	err := s.store.CreateUser(s.ctx, second, audit.Event{Action: string(audit.EventUserCreated)})
	s.Require().ErrorIs(err, sentinel.ErrConflict)

	_, err = s.store.FindUserByID(s.ctx, second.ID)
	s.ErrorIs(err, sentinel.ErrNotFound)
	s.Equal(0, s.auditCount(second.ID))
	s.Equal(1, s.auditCount(first.ID))
}

func (s *Suite) TestUpdateUserIsAtomicWithAudit() {
	u := s.createUser("atomic@example.com")

	s.Run("successful mutation writes state and one audit record", func() {
		updated, err := s.store.UpdateUser(s.ctx, u.ID, func(cur *models.User) (audit.Event, error) {
			cur.ApplicantID = "app-1"
			return audit.Event{Action: string(audit.EventApplicantCreated), Details: "applicant created"}, nil
		})
		s.Require().NoError(err)
		s.Equal("app-1", updated.ApplicantID)

		byApplicant, err := s.store.FindUserByApplicantID(s.ctx, "app-1")
		s.Require().NoError(err)
		s.Equal(u.ID, byApplicant.ID)
		s.Equal(2, s.auditCount(u.ID))
	})

	s.Run("failed mutation writes nothing", func() {
		boom := errors.New("rejected by mapper")
		_, err := s.store.UpdateUser(s.ctx, u.ID, func(cur *models.User) (audit.Event, error) {
			cur.VerificationStatus = models.StatusVerified
			return audit.Event{}, boom
		})
		s.Require().ErrorIs(err, boom)

		got, err := s.store.FindUserByID(s.ctx, u.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusPending, got.VerificationStatus)
		s.Equal(2, s.auditCount(u.ID))
	})

	s.Run("unknown user never calls the mutation", func() {
		called := false
		_, err := s.store.UpdateUser(s.ctx, id.NewUserID(), func(*models.User) (audit.Event, error) {
			called = true
			return audit.Event{}, nil
		})
		s.ErrorIs(err, sentinel.ErrNotFound)
		s.False(called)
	})
}

func (s *Suite) TestUpdateByApplicant() {
	u := s.createUser("applicant@example.com")
	s.setApplicant(u.ID, "app-42")

	updated, err := s.store.UpdateUserByApplicantID(s.ctx, "app-42", func(cur *models.User) (audit.Event, error) {
		cur.VerificationStatus = models.StatusVerified
		cur.VerificationDetails = models.VerificationDetails{
			ReviewStatus: "completed",
			ReviewAnswer: "GREEN",
			LastChecked:  s.now,
		}
		cur.UpdatedAt = s.now
		return audit.Event{Action: string(audit.EventVerificationStatusUpdated), ActorID: "webhook"}, nil
	})
	s.Require().NoError(err)
	s.Equal(models.StatusVerified, updated.VerificationStatus)

	got, err := s.store.FindUserByID(s.ctx, u.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusVerified, got.VerificationStatus)
	s.Equal("GREEN", got.VerificationDetails.ReviewAnswer)
	s.True(got.VerificationDetails.LastChecked.Equal(s.now))

	_, err = s.store.UpdateUserByApplicantID(s.ctx, "app-unknown", func(*models.User) (audit.Event, error) {
		return audit.Event{}, nil
	})
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *Suite) TestApplicantIDIsUnique() {
	a := s.createUser("a@example.com")
	b := s.createUser("b@example.com")
	s.setApplicant(a.ID, "shared-app")

	_, err := s.store.UpdateUser(s.ctx, b.ID, func(cur *models.User) (audit.Event, error) {
		cur.ApplicantID = "shared-app"
		return audit.Event{Action: string(audit.EventApplicantCreated)}, nil
	})
	s.ErrorIs(err, sentinel.ErrConflict)
	s.Equal(1, s.auditCount(b.ID))
}

func (s *Suite) TestConcurrentUpdatesAreSerialized() {
	u := s.createUser("race@example.com")
	s.setApplicant(u.ID, "app-race")

	const deliveries = 25
	var wg sync.WaitGroup
	errs := make(chan error, deliveries)
	for i := range deliveries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.store.UpdateUserByApplicantID(s.ctx, "app-race", func(cur *models.User) (audit.Event, error) {
				cur.VerificationStatus = models.StatusVerified
				cur.VerificationDetails.Note = fmt.Sprintf("delivery-%d", i)
				return audit.Event{Action: string(audit.EventVerificationStatusUpdated)}, nil
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.Require().NoError(err)
	}

	s.Equal(2+deliveries, s.auditCount(u.ID))
	got, err := s.store.FindUserByID(s.ctx, u.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusVerified, got.VerificationStatus)
}

func (s *Suite) TestSessions() {
	u := s.createUser("session@example.com")
	session := &models.Session{
		ID:        id.NewSessionID(),
		Token:     "opaque-token-1",
		UserID:    u.ID,
		CreatedAt: s.now,
		ExpiresAt: s.now.Add(24 * time.Hour),
	}
	s.Require().NoError(s.store.CreateSession(s.ctx, session, audit.Event{Action: string(audit.EventSessionCreated)}))

	s.Run("live before expiry", func() {
		got, err := s.store.FindLiveSession(s.ctx, "opaque-token-1", s.now.Add(24*time.Hour-time.Second))
		s.Require().NoError(err)
		s.Equal(u.ID, got.UserID)
	})

	s.Run("gone at expiry", func() {
		_, err := s.store.FindLiveSession(s.ctx, "opaque-token-1", s.now.Add(24*time.Hour))
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("unknown token", func() {
		_, err := s.store.FindLiveSession(s.ctx, "nope", s.now)
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("duplicate token conflicts", func() {
		dup := *session
		dup.ID = id.NewSessionID()
		err := s.store.CreateSession(s.ctx, &dup, audit.Event{Action: string(audit.EventSessionCreated)})
		s.ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("multiple sessions per user", func() {
		second := &models.Session{ID: id.NewSessionID(), Token: "opaque-token-2", UserID: u.ID, CreatedAt: s.now, ExpiresAt: s.now.Add(time.Hour)}
		s.Require().NoError(s.store.CreateSession(s.ctx, second, audit.Event{Action: string(audit.EventSessionCreated)}))
		_, err := s.store.FindLiveSession(s.ctx, "opaque-token-1", s.now)
		s.NoError(err)
		_, err = s.store.FindLiveSession(s.ctx, "opaque-token-2", s.now)
		s.NoError(err)
	})

	s.Equal(3, s.auditCount(u.ID))
}

func (s *Suite) TestListRecentAudit() {
	a := s.createUser("recent-a@example.com")
	b := s.createUser("recent-b@example.com")
	session := &models.Session{ID: id.NewSessionID(), Token: "recent-token", UserID: b.ID, CreatedAt: s.now, ExpiresAt: s.now.Add(time.Hour)}
	s.Require().NoError(s.store.CreateSession(s.ctx, session, audit.Event{Action: string(audit.EventSessionCreated)}))

	s.Run("spans users", func() {
		events, err := s.store.ListRecentAudit(s.ctx, 10, "")
		s.Require().NoError(err)
		s.Require().Len(events, 3)
		owners := map[id.UserID]bool{}
		for _, e := range events {
			owners[e.UserID] = true
		}
		s.True(owners[a.ID])
		s.True(owners[b.ID])
	})

	s.Run("filters by category", func() {
		events, err := s.store.ListRecentAudit(s.ctx, 10, audit.CategoryOperations)
		s.Require().NoError(err)
		s.Require().Len(events, 1)
		s.Equal(string(audit.EventSessionCreated), events[0].Action)
	})

	s.Run("honours the limit", func() {
		events, err := s.store.ListRecentAudit(s.ctx, 2, "")
		s.Require().NoError(err)
		s.Len(events, 2)
	})
}

func (s *Suite) TestStats() {
	s.createUser("stats-pending@example.com")
	verified := s.createUser("stats-verified@example.com")
	_, err := s.store.UpdateUser(s.ctx, verified.ID, func(u *models.User) (audit.Event, error) {
		u.VerificationStatus = models.StatusVerified
		u.UpdatedAt = s.now
		return audit.Event{Action: string(audit.EventVerificationStatusUpdated)}, nil
	})
	s.Require().NoError(err)

	stats, err := s.store.Stats(s.ctx, s.now.Add(-24*time.Hour))
	s.Require().NoError(err)
	s.Equal(models.Stats{Users: 2, RecentVerifications: 1, RecentAuditRecords: 3}, stats)

	later, err := s.store.Stats(s.ctx, s.now.Add(time.Minute))
	s.Require().NoError(err)
	s.Equal(models.Stats{Users: 2}, later)
}

func (s *Suite) TestPing() {
	s.NoError(s.store.Ping(s.ctx))
}
