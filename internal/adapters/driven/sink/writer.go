package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
	"github.com/custodia-labs/d365-sync/internal/core/ports/driven"
)

var _ driven.RecordSink = (*WriterSink)(nil)

// WriterSink writes JSON lines to an io.Writer, usually stdout.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink creates a sink writing to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Deliver writes one line per record.
func (s *WriterSink) Deliver(ctx context.Context, entity string, records []domain.CanonicalRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	enc := json.NewEncoder(s.w)
	for _, rec := range records {
		if err := enc.Encode(toEnvelope(rec)); err != nil {
			return fmt.Errorf("write %s record %s: %w", entity, rec.Key, err)
		}
	}
	return nil
}

// Close is a no-op; the writer belongs to the caller.
func (s *WriterSink) Close() error {
	return nil
}
