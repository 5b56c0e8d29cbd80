// Package sink delivers canonical records to downstream consumers.
package sink

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
	"github.com/custodia-labs/d365-sync/internal/core/ports/driven"
)

// DefaultJSONLFile is the JSONL sink file name under the data directory.
const DefaultJSONLFile = "records.jsonl"

// New builds the sink selected by settings. dataDir is used when a JSONL
// sink has no explicit path.
func New(settings domain.SinkSettings, dataDir string) (driven.RecordSink, error) {
	switch settings.Type {
	case domain.SinkJSONL, "":
		path := settings.Path
		if path == "" {
			path = filepath.Join(dataDir, DefaultJSONLFile)
		}
		return OpenJSONL(path)
	case domain.SinkStdout:
		return NewWriterSink(os.Stdout), nil
	case domain.SinkKafka:
		return NewKafkaSink(settings.Brokers, settings.Topic)
	default:
		return nil, fmt.Errorf("%w: unknown sink type %q", domain.ErrInvalidInput, settings.Type)
	}
}

// envelope is the wire form of one delivered record.
type envelope struct {
	Entity  string         `json:"entity"`
	Key     string         `json:"key"`
	Deleted bool           `json:"deleted,omitempty"`
	ETag    string         `json:"etag,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

func toEnvelope(rec domain.CanonicalRecord) envelope {
	return envelope{
		Entity:  rec.Entity,
		Key:     rec.Key,
		Deleted: rec.Deleted,
		ETag:    rec.ETag,
		Fields:  rec.Fields,
	}
}
