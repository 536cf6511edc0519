package memory

import (
	"context"
	"sync"
	"time"

	id "kycgate/pkg/domain"
	audit "kycgate/pkg/platform/audit"
)

// InMemoryStore keeps audit records in insertion order.
type InMemoryStore struct {
	mu     sync.RWMutex
	events []audit.Event
	byUser map[id.UserID][]int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byUser: make(map[id.UserID][]int)}
}

func (s *InMemoryStore) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	if !event.UserID.IsNil() {
		s.byUser[event.UserID] = append(s.byUser[event.UserID], len(s.events)-1)
	}
	return nil
}

// ListByUser returns the user's records newest first.
func (s *InMemoryStore) ListByUser(_ context.Context, userID id.UserID) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.byUser[userID]
	out := make([]audit.Event, 0, len(idx))
	for i := len(idx) - 1; i >= 0; i-- {
		out = append(out, s.events[idx[i]])
	}
	return out, nil
}

// ListRecent returns up to limit records across all users, newest first,
// keeping only category when it is set.
func (s *InMemoryStore) ListRecent(_ context.Context, limit int, category audit.EventCategory) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]audit.Event, 0, min(limit, len(s.events)))
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.events[i]
		if category != "" && categoryOf(e) != category {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// CountSince reports how many records were written at or after since.
func (s *InMemoryStore) CountSince(since time.Time) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Timestamp.Before(since) {
			continue
		}
		n++
	}
	return n
}

func categoryOf(e audit.Event) audit.EventCategory {
	if e.Category != "" {
		return e.Category
	}
	return audit.AuditEvent(e.Action).Category()
}
