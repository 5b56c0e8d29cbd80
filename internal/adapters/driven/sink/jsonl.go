package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
	"github.com/custodia-labs/d365-sync/internal/core/ports/driven"
	"github.com/custodia-labs/d365-sync/internal/logger"
)

var _ driven.RecordSink = (*JSONLSink)(nil)

// ErrClosed is returned when delivering to a closed sink.
var ErrClosed = errors.New("sink closed")

// JSONLSink appends records to a file, one JSON object per line. A page
// is fsynced before Deliver returns.
type JSONLSink struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// OpenJSONL opens path for appending, creating it and its directory.
func OpenJSONL(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create sink directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open sink file: %w", err)
	}
	logger.Debug("sink: appending records to %s", path)
	return &JSONLSink{path: path, file: f}, nil
}

// Path returns the file the sink appends to.
func (s *JSONLSink) Path() string {
	return s.path
}

// Deliver appends one page of records and syncs the file.
func (s *JSONLSink) Deliver(ctx context.Context, entity string, records []domain.CanonicalRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return ErrClosed
	}

	w := bufio.NewWriter(s.file)
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(toEnvelope(rec)); err != nil {
			return fmt.Errorf("encode %s record %s: %w", entity, rec.Key, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", s.path, err)
	}
	return nil
}

// Close closes the file. Closing twice is a no-op.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
