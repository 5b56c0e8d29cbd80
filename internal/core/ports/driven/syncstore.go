package driven

import (
	"context"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
)

// SyncStateStore persists SyncState per (environment, entity).
// Implementations return *domain.StoreError for backend failures.
type SyncStateStore interface {
	// Get returns the stored state or domain.ErrNotFound.
	Get(ctx context.Context, environment, entity string) (*domain.SyncState, error)

	// Save writes the state durably before returning. A state with
	// Version 0 is inserted; otherwise the stored row must still have the
	// same Version or a StoreConflict error is returned. The saved state,
	// with its new Version, is returned.
	Save(ctx context.Context, state domain.SyncState) (domain.SyncState, error)

	// Delete removes the stored state. Deleting a missing state is not an error.
	Delete(ctx context.Context, environment, entity string) error

	// List returns every state of an environment ordered by entity.
	List(ctx context.Context, environment string) ([]domain.SyncState, error)

	// Close releases the backend.
	Close() error
}
