package driven

import "github.com/custodia-labs/d365-sync/internal/core/domain"

// Transformer maps raw entity payloads to canonical records.
type Transformer interface {
	// Transform never fails: fields that do not fit their declared type
	// are nulled and returned as warnings.
	Transform(desc domain.EntityDescriptor, raw map[string]any) (domain.CanonicalRecord, []domain.FieldWarning)
}
