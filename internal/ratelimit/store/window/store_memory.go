// Package window holds fixed-window counter stores for the rate limiter.
package window

import (
	"context"
	"sync"
	"time"

	"kycgate/internal/ratelimit/models"
)

// InMemoryStore keeps one window per key in process memory. Windows are lost
// on restart and are not shared between replicas.
type InMemoryStore struct {
	mu      sync.Mutex
	windows map[string]*models.Window
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{windows: make(map[string]*models.Window)}
}

// Hit records one request for key and reports whether it is admitted.
func (s *InMemoryStore) Hit(_ context.Context, key string, limit models.Limit, now time.Time) (*models.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || w.Expired(now, limit.Window) {
		w = &models.Window{Count: 1, Start: now}
		s.windows[key] = w
	} else {
		w.Count++
	}
	return models.NewResult(w.Count, limit, w.Start.Add(limit.Window), now), nil
}

// Sweep drops windows that have expired at now and returns how many remain.
func (s *InMemoryStore) Sweep(now time.Time, length time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, w := range s.windows {
		if w.Expired(now, length) {
			delete(s.windows, key)
		}
	}
	return len(s.windows)
}

// SweepEvery runs Sweep on each tick until ctx is cancelled, passing the
// remaining window count to report when it is non-nil.
func (s *InMemoryStore) SweepEvery(ctx context.Context, interval, length time.Duration, report func(remaining int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			remaining := s.Sweep(now, length)
			if report != nil {
				report(remaining)
			}
		}
	}
}
