package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "kycgate/pkg/domain"
	audit "kycgate/pkg/platform/audit"
)

func TestInMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	userA := id.NewUserID()
	userB := id.NewUserID()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Append(ctx, audit.Event{UserID: userA, Action: "user_created", Timestamp: base}))
	require.NoError(t, store.Append(ctx, audit.Event{Action: "auth_failed", Timestamp: base.Add(time.Second)}))
	require.NoError(t, store.Append(ctx, audit.Event{UserID: userB, Action: "user_created", Timestamp: base.Add(2 * time.Second)}))
	require.NoError(t, store.Append(ctx, audit.Event{UserID: userA, Action: "session_created", Timestamp: base.Add(3 * time.Second)}))

	t.Run("lists a user's records newest first", func(t *testing.T) {
		events, err := store.ListByUser(ctx, userA)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "session_created", events[0].Action)
		assert.Equal(t, "user_created", events[1].Action)
	})

	t.Run("lists recent records across users", func(t *testing.T) {
		events, err := store.ListRecent(ctx, 3, "")
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, "session_created", events[0].Action)
		assert.Equal(t, "auth_failed", events[2].Action)
	})

	t.Run("limit larger than the log returns everything", func(t *testing.T) {
		events, err := store.ListRecent(ctx, 100, "")
		require.NoError(t, err)
		assert.Len(t, events, 4)
	})

	t.Run("category filter applies before the limit", func(t *testing.T) {
		events, err := store.ListRecent(ctx, 1, audit.CategorySecurity)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "auth_failed", events[0].Action)
		assert.True(t, events[0].UserID.IsNil())

		events, err = store.ListRecent(ctx, 10, audit.CategoryCompliance)
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})

	t.Run("counts records since a point in time", func(t *testing.T) {
		assert.Equal(t, 4, store.CountSince(time.Time{}))
		assert.Equal(t, 2, store.CountSince(base.Add(2*time.Second)))
		assert.Zero(t, store.CountSince(base.Add(time.Hour)))
	})

	t.Run("unknown user has no records", func(t *testing.T) {
		events, err := store.ListByUser(ctx, id.NewUserID())
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}
