// Package storagetest holds the behaviour every SyncStateStore must show,
// shared by the SQLite unit tests and the Postgres integration tests.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
	"github.com/custodia-labs/d365-sync/internal/core/ports/driven"
)

// Run exercises store. The store must be empty.
func Run(t *testing.T, store driven.SyncStateStore) {
	t.Helper()

	t.Run("get missing", func(t *testing.T) {
		_, err := store.Get(context.Background(), "prod", "accounts")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("insert and update", func(t *testing.T) {
		testInsertAndUpdate(t, store)
	})

	t.Run("optimistic conflict", func(t *testing.T) {
		testConflict(t, store)
	})

	t.Run("timestamp cursor", func(t *testing.T) {
		testTimestampCursor(t, store)
	})

	t.Run("list and delete", func(t *testing.T) {
		testListAndDelete(t, store)
	})

	t.Run("requires key", func(t *testing.T) {
		_, err := store.Save(context.Background(), domain.SyncState{Environment: "prod"})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func testInsertAndUpdate(t *testing.T, store driven.SyncStateStore) {
	ctx := context.Background()

	state := domain.NewSyncState("prod", "contacts")
	state.Mode = domain.ModeFullLoad
	saved, err := store.Save(ctx, state)
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)
	assert.False(t, saved.UpdatedAt.IsZero())

	success := time.Date(2024, 3, 1, 10, 15, 0, 123_000_000, time.UTC)
	saved.Mode = domain.ModeDelta
	saved.Cursor = domain.ChangeTokenCursor("https://org.crm.dynamics.com/api/data/v9.2/contacts?$deltatoken=919042%2108%2f22%2f2017")
	saved.LastSuccessAt = &success
	saved.RecordsSynced = 1250
	saved, err = store.Save(ctx, saved)
	require.NoError(t, err)

	got, err := store.Get(ctx, "prod", "contacts")
	require.NoError(t, err)
	assert.Equal(t, domain.ModeDelta, got.Mode)
	assert.Equal(t, saved.Cursor, got.Cursor)
	require.NotNil(t, got.LastSuccessAt)
	assert.True(t, success.Equal(*got.LastSuccessAt))
	assert.Equal(t, int64(1250), got.RecordsSynced)
	assert.Equal(t, int64(2), got.Version)
	assert.Nil(t, got.ResumeAt)
}

func testConflict(t *testing.T, store driven.SyncStateStore) {
	ctx := context.Background()

	first, err := store.Save(ctx, domain.NewSyncState("prod", "leads"))
	require.NoError(t, err)

	// A second insert of the same key loses.
	_, err = store.Save(ctx, domain.NewSyncState("prod", "leads"))
	assertConflict(t, err)

	next := first
	next.ConsecutiveFailures = 1
	next, err = store.Save(ctx, next)
	require.NoError(t, err)

	// Writing from the stale copy loses too.
	stale := first
	stale.ConsecutiveFailures = 7
	_, err = store.Save(ctx, stale)
	assertConflict(t, err)

	got, err := store.Get(ctx, "prod", "leads")
	require.NoError(t, err)
	assert.Equal(t, 1, got.ConsecutiveFailures)
	assert.Equal(t, next.Version, got.Version)
}

func testTimestampCursor(t *testing.T, store driven.SyncStateStore) {
	ctx := context.Background()

	watermark := time.Date(2024, 2, 28, 8, 0, 0, 0, time.UTC)
	resume := watermark.Add(30 * time.Second)
	state := domain.NewSyncState("prod", "CustomersV3")
	state.Mode = domain.ModeDelta
	state.Cursor = domain.TimestampCursor(watermark)
	state.ResumeAt = &resume
	state.ConsecutiveFailures = 2
	state.LastError = "query rate_limited (429)"

	_, err := store.Save(ctx, state)
	require.NoError(t, err)

	got, err := store.Get(ctx, "prod", "CustomersV3")
	require.NoError(t, err)
	assert.Equal(t, domain.CursorTimestamp, got.Cursor.Kind)
	assert.True(t, watermark.Equal(got.Cursor.Timestamp))
	require.NotNil(t, got.ResumeAt)
	assert.True(t, resume.Equal(*got.ResumeAt))
	assert.Equal(t, "query rate_limited (429)", got.LastError)
}

func testListAndDelete(t *testing.T, store driven.SyncStateStore) {
	ctx := context.Background()

	for _, entity := range []string{"zeta", "alpha"} {
		_, err := store.Save(ctx, domain.NewSyncState("staging", entity))
		require.NoError(t, err)
	}

	states, err := store.List(ctx, "staging")
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "alpha", states[0].Entity)
	assert.Equal(t, "zeta", states[1].Entity)

	require.NoError(t, store.Delete(ctx, "staging", "alpha"))
	require.NoError(t, store.Delete(ctx, "staging", "alpha"), "deleting twice is not an error")

	_, err = store.Get(ctx, "staging", "alpha")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	states, err = store.List(ctx, "staging")
	require.NoError(t, err)
	assert.Len(t, states, 1)

	empty, err := store.List(ctx, "nowhere")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func assertConflict(t *testing.T, err error) {
	t.Helper()
	var se *domain.StoreError
	require.True(t, errors.As(err, &se), "expected StoreError, got %v", err)
	assert.Equal(t, domain.StoreConflict, se.Kind)
	assert.False(t, domain.IsRetryable(err))
}
