// Package outbox relays audit records from the transactional outbox table to
// an event stream. Delivery is at-least-once: a row is marked published only
// after the sink acknowledged it.
package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Entry is one unpublished outbox row.
type Entry struct {
	ID        int64
	EventID   string
	Key       string
	Payload   []byte
	CreatedAt time.Time
}

type Source interface {
	FetchUnpublished(ctx context.Context, limit int) ([]Entry, error)
	MarkPublished(ctx context.Context, ids []int64, at time.Time) error
}

type Sink interface {
	Publish(ctx context.Context, entries []Entry) error
}

// Relay polls the outbox on a fixed interval and forwards batches to the sink.
type Relay struct {
	source    Source
	sink      Sink
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	published func(n int)
}

type Option func(*Relay)

func WithInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) { r.logger = logger }
}

// WithPublishedHook is called with the number of rows delivered by each batch.
func WithPublishedHook(fn func(n int)) Option {
	return func(r *Relay) { r.published = fn }
}

func NewRelay(source Source, sink Sink, opts ...Option) *Relay {
	r := &Relay{
		source:    source,
		sink:      sink,
		interval:  2 * time.Second,
		batchSize: 100,
		logger:    slog.Default(),
		published: func(int) {},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run relays until ctx is cancelled. Batch failures are logged and retried on
// the next tick.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.ErrorContext(ctx, "audit outbox relay failed", "error", err)
			}
		}
	}
}

// RunOnce drains at most one batch and returns how many rows were published.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	entries, err := r.source.FetchUnpublished(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	if err := r.sink.Publish(ctx, entries); err != nil {
		return 0, err
	}

	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if err := r.source.MarkPublished(ctx, ids, time.Now()); err != nil {
		return 0, err
	}

	r.published(len(entries))
	r.logger.DebugContext(ctx, "audit outbox batch published", "count", len(entries))
	return len(entries), nil
}
