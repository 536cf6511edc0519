package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu        sync.Mutex
	entries   []Entry
	published map[int64]bool
	fetchErr  error
}

func (f *fakeSource) FetchUnpublished(_ context.Context, limit int) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []Entry
	for _, e := range f.entries {
		if !f.published[e.ID] && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeSource) MarkPublished(_ context.Context, ids []int64, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.published[id] = true
	}
	return nil
}

type fakeSink struct {
	mu    sync.Mutex
	got   []Entry
	fails int
}

func (f *fakeSink) Publish(_ context.Context, entries []Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("broker unavailable")
	}
	f.got = append(f.got, entries...)
	return nil
}

func newSource(n int) *fakeSource {
	src := &fakeSource{published: map[int64]bool{}}
	for i := 1; i <= n; i++ {
		src.entries = append(src.entries, Entry{ID: int64(i), Key: "user", Payload: []byte(`{}`)})
	}
	return src
}

func TestRelay_RunOnce(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("publishes in batches and marks rows", func(t *testing.T) {
		src := newSource(5)
		sink := &fakeSink{}
		var hookTotal int
		relay := NewRelay(src, sink, WithBatchSize(2), WithLogger(logger), WithPublishedHook(func(n int) { hookTotal += n }))

		n, err := relay.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		for {
			n, err := relay.RunOnce(context.Background())
			require.NoError(t, err)
			if n == 0 {
				break
			}
		}
		assert.Len(t, sink.got, 5)
		assert.Equal(t, 5, hookTotal)
	})

	t.Run("sink failure leaves rows unpublished", func(t *testing.T) {
		src := newSource(3)
		sink := &fakeSink{fails: 1}
		relay := NewRelay(src, sink, WithLogger(logger))

		_, err := relay.RunOnce(context.Background())
		require.Error(t, err)
		assert.Empty(t, src.published)

		n, err := relay.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("source failure is returned", func(t *testing.T) {
		src := newSource(1)
		src.fetchErr = errors.New("db down")
		relay := NewRelay(src, &fakeSink{}, WithLogger(logger))

		_, err := relay.RunOnce(context.Background())
		assert.EqualError(t, err, "db down")
	})
}

func TestRelay_RunStopsOnCancel(t *testing.T) {
	src := newSource(2)
	sink := &fakeSink{}
	relay := NewRelay(src, sink, WithInterval(5*time.Millisecond), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.got) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}
