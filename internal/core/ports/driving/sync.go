package driving

import (
	"context"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
)

// SyncOrchestrator drives entity sync passes.
type SyncOrchestrator interface {
	// Sync runs one pass for a single entity.
	Sync(ctx context.Context, entity string) (domain.EntityResult, error)

	// SyncAll runs one pass for every configured entity under the
	// concurrency limit. It fails only when metadata cannot be loaded.
	SyncAll(ctx context.Context) (*domain.SyncReport, error)

	// Status returns the persisted state of every known entity.
	Status(ctx context.Context) ([]domain.SyncState, error)

	// Reset invalidates an entity so its next pass runs a full load.
	Reset(ctx context.Context, entity string) error

	// SetEntities replaces the configured entity list.
	SetEntities(entities []string)

	// Entities returns the configured entity list.
	Entities() []string
}
