package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
	"github.com/custodia-labs/d365-sync/internal/core/ports/driven"
	"github.com/custodia-labs/d365-sync/internal/logger"
)

// DeltaTracker owns the durable SyncState of one environment. Every write
// goes through the store before the call returns.
type DeltaTracker struct {
	store       driven.SyncStateStore
	environment string
	now         func() time.Time
}

// NewDeltaTracker creates a tracker for environment.
func NewDeltaTracker(store driven.SyncStateStore, environment string) *DeltaTracker {
	return &DeltaTracker{store: store, environment: environment, now: time.Now}
}

// Environment returns the environment the tracker is keyed by.
func (t *DeltaTracker) Environment() string {
	return t.environment
}

// Load returns the stored state, or an Uninitialized state if none exists.
// A stored cursor that can no longer be decoded is discarded, which forces
// a full load.
func (t *DeltaTracker) Load(ctx context.Context, entity string) (domain.SyncState, error) {
	state, err := t.store.Get(ctx, t.environment, entity)
	switch {
	case err == nil:
		return *state, nil
	case errors.Is(err, domain.ErrNotFound):
		return domain.NewSyncState(t.environment, entity), nil
	case errors.Is(err, domain.ErrInvalidCursor):
		logger.Warn("sync: %s: stored cursor is unreadable, starting over", entity)
		if err := t.store.Delete(ctx, t.environment, entity); err != nil {
			return domain.SyncState{}, err
		}
		return domain.NewSyncState(t.environment, entity), nil
	default:
		return domain.SyncState{}, err
	}
}

// BeginFullLoad records that a full load has started. Any previous cursor
// is dropped so an interrupted load restarts from the beginning.
func (t *DeltaTracker) BeginFullLoad(ctx context.Context, state domain.SyncState) (domain.SyncState, error) {
	state.Mode = domain.ModeFullLoad
	state.Cursor = domain.Cursor{}
	return t.store.Save(ctx, state)
}

// Commit stores a new cursor after its records were delivered, moves the
// entity to Delta mode and clears failure bookkeeping. A change-token
// cursor is refused for an entity without change tracking.
func (t *DeltaTracker) Commit(
	ctx context.Context, state domain.SyncState, desc domain.EntityDescriptor, cursor domain.Cursor, records int64,
) (domain.SyncState, error) {
	if cursor.Kind == domain.CursorChangeToken && !desc.SupportsChangeTracking {
		return state, fmt.Errorf("%w: %s does not support change tracking", domain.ErrInvalidInput, desc.EntitySetName)
	}

	now := t.now().UTC()
	state.Mode = domain.ModeDelta
	state.Cursor = cursor
	state.RecordsSynced += records
	state.LastSuccessAt = &now
	state.ConsecutiveFailures = 0
	state.ResumeAt = nil
	state.LastError = ""
	return t.store.Save(ctx, state)
}

// Invalidate returns an entity to Uninitialized so its next pass runs a
// full load. Invalidating an entity without state is a no-op.
func (t *DeltaTracker) Invalidate(ctx context.Context, entity string) error {
	state, err := t.store.Get(ctx, t.environment, entity)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if errors.Is(err, domain.ErrInvalidCursor) {
		return t.store.Delete(ctx, t.environment, entity)
	}
	if err != nil {
		return err
	}

	state.Mode = domain.ModeUninitialized
	state.Cursor = domain.Cursor{}
	state.ResumeAt = nil
	_, err = t.store.Save(ctx, *state)
	return err
}

// RecordFailure counts a failed pass and schedules the next attempt.
func (t *DeltaTracker) RecordFailure(
	ctx context.Context, state domain.SyncState, cause error, backoff BackoffPolicy,
) (domain.SyncState, error) {
	state.ConsecutiveFailures++
	resumeAt := t.now().UTC().Add(backoff.Delay(state.ConsecutiveFailures))
	state.ResumeAt = &resumeAt
	state.LastError = cause.Error()
	return t.store.Save(ctx, state)
}

// List returns the state of every entity of the environment.
func (t *DeltaTracker) List(ctx context.Context) ([]domain.SyncState, error) {
	return t.store.List(ctx, t.environment)
}
