// Package memory is the in-process Credential Store. One mutex guards users,
// sessions and the audit log together, so each write and its audit record
// become visible at the same instant.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"kycgate/internal/credential"
	"kycgate/internal/credential/models"
	id "kycgate/pkg/domain"
	audit "kycgate/pkg/platform/audit"
	auditmemory "kycgate/pkg/platform/audit/store/memory"
	"kycgate/pkg/platform/sentinel"
)

var _ credential.Store = (*Store)(nil)

type Store struct {
	mu          sync.RWMutex
	users       map[id.UserID]*models.User
	byEmail     map[string]id.UserID
	byApplicant map[string]id.UserID
	sessions    map[string]*models.Session
	audit       *auditmemory.InMemoryStore
}

// New creates a store that appends audit records to auditLog.
func New(auditLog *auditmemory.InMemoryStore) *Store {
	if auditLog == nil {
		auditLog = auditmemory.NewInMemoryStore()
	}
	return &Store{
		users:       make(map[id.UserID]*models.User),
		byEmail:     make(map[string]id.UserID),
		byApplicant: make(map[string]id.UserID),
		sessions:    make(map[string]*models.Session),
		audit:       auditLog,
	}
}

func emailKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Store) CreateUser(ctx context.Context, user *models.User, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := emailKey(user.Email)
	if _, taken := s.byEmail[key]; taken {
		return fmt.Errorf("email %w", sentinel.ErrConflict)
	}
	if _, taken := s.users[user.ID]; taken {
		return fmt.Errorf("user id %w", sentinel.ErrConflict)
	}
	if user.ApplicantID != "" {
		if _, taken := s.byApplicant[user.ApplicantID]; taken {
			return fmt.Errorf("applicant id %w", sentinel.ErrConflict)
		}
	}

	if err := s.appendAudit(ctx, user.ID, event); err != nil {
		return err
	}
	s.users[user.ID] = user.Clone()
	s.byEmail[key] = user.ID
	if user.ApplicantID != "" {
		s.byApplicant[user.ApplicantID] = user.ID
	}
	return nil
}

func (s *Store) FindUserByID(_ context.Context, userID id.UserID) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %w", sentinel.ErrNotFound)
	}
	return u.Clone(), nil
}

func (s *Store) FindUserByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.byEmail[emailKey(email)]
	if !ok {
		return nil, fmt.Errorf("user %w", sentinel.ErrNotFound)
	}
	return s.users[userID].Clone(), nil
}

func (s *Store) FindUserByApplicantID(_ context.Context, applicantID string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.byApplicant[applicantID]
	if !ok || applicantID == "" {
		return nil, fmt.Errorf("applicant %w", sentinel.ErrNotFound)
	}
	return s.users[userID].Clone(), nil
}

func (s *Store) UpdateUser(ctx context.Context, userID id.UserID, fn credential.Mutation) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %w", sentinel.ErrNotFound)
	}
	return s.apply(ctx, current, fn)
}

func (s *Store) UpdateUserByApplicantID(ctx context.Context, applicantID string, fn credential.Mutation) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID, ok := s.byApplicant[applicantID]
	if !ok || applicantID == "" {
		return nil, fmt.Errorf("applicant %w", sentinel.ErrNotFound)
	}
	return s.apply(ctx, s.users[userID], fn)
}

// apply runs fn on a copy and commits it only after the audit append
// succeeded. Callers hold s.mu.
func (s *Store) apply(ctx context.Context, current *models.User, fn credential.Mutation) (*models.User, error) {
	next := current.Clone()
	event, err := fn(next)
	if err != nil {
		return nil, err
	}
	next.ID = current.ID
	next.Email = current.Email
	next.CreatedAt = current.CreatedAt

	if next.ApplicantID != current.ApplicantID && next.ApplicantID != "" {
		if owner, taken := s.byApplicant[next.ApplicantID]; taken && owner != current.ID {
			return nil, fmt.Errorf("applicant id %w", sentinel.ErrConflict)
		}
	}

	if err := s.appendAudit(ctx, current.ID, event); err != nil {
		return nil, err
	}

	if next.ApplicantID != current.ApplicantID {
		delete(s.byApplicant, current.ApplicantID)
		if next.ApplicantID != "" {
			s.byApplicant[next.ApplicantID] = current.ID
		}
	}
	s.users[current.ID] = next
	return next.Clone(), nil
}

func (s *Store) CreateSession(ctx context.Context, session *models.Session, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.sessions[session.Token]; taken {
		return fmt.Errorf("session token %w", sentinel.ErrConflict)
	}
	if _, ok := s.users[session.UserID]; !ok {
		return fmt.Errorf("user %w", sentinel.ErrNotFound)
	}
	if err := s.appendAudit(ctx, session.UserID, event); err != nil {
		return err
	}
	stored := *session
	s.sessions[session.Token] = &stored
	return nil
}

func (s *Store) FindLiveSession(_ context.Context, token string, now time.Time) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[token]
	if !ok || !session.IsLive(now) {
		return nil, fmt.Errorf("session %w", sentinel.ErrNotFound)
	}
	out := *session
	return &out, nil
}

// PurgeExpiredSessions drops sessions that expired before now and returns how
// many were removed.
func (s *Store) PurgeExpiredSessions(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for token, session := range s.sessions {
		if !session.IsLive(now) {
			delete(s.sessions, token)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) ListAudit(ctx context.Context, userID id.UserID) ([]audit.Event, error) {
	return s.audit.ListByUser(ctx, userID)
}

func (s *Store) ListRecentAudit(ctx context.Context, limit int, category audit.EventCategory) ([]audit.Event, error) {
	return s.audit.ListRecent(ctx, limit, category)
}

// Stats counts a verification when a user left pending and was last updated
// at or after since.
func (s *Store) Stats(_ context.Context, since time.Time) (models.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := models.Stats{Users: int64(len(s.users))}
	for _, u := range s.users {
		if u.VerificationStatus != models.StatusPending && !u.UpdatedAt.Before(since) {
			stats.RecentVerifications++
		}
	}
	stats.RecentAuditRecords = int64(s.audit.CountSince(since))
	return stats, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) appendAudit(ctx context.Context, userID id.UserID, event audit.Event) error {
	if event.UserID.IsNil() {
		event.UserID = userID
	}
	return s.audit.Append(ctx, audit.Stamp(ctx, event))
}
