package driven

import (
	"context"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
)

// RecordSink receives canonical records from sync passes.
type RecordSink interface {
	// Deliver hands off one page of records. It must not return nil until
	// the records are durable downstream; the page cursor is committed
	// only after Deliver succeeds.
	Deliver(ctx context.Context, entity string, records []domain.CanonicalRecord) error

	// Close flushes and releases the sink.
	Close() error
}
