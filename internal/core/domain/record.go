package domain

// CanonicalRecord is the typed, sink-ready form of one entity row.
type CanonicalRecord struct {
	Entity string         `json:"entity"`
	Key    string         `json:"key"`
	Fields map[string]any `json:"fields"`
	// Deleted marks a tombstone from a change-tracking delta.
	Deleted bool   `json:"deleted,omitempty"`
	ETag    string `json:"etag,omitempty"`
}

// FieldWarning records a field that was nulled because its value did not
// match the declared EDM type.
type FieldWarning struct {
	Entity  string `json:"entity"`
	Key     string `json:"key"`
	Field   string `json:"field"`
	EDMType string `json:"edm_type"`
	Reason  string `json:"reason"`
}

// AsError returns the warning as a SchemaMismatch error.
func (w FieldWarning) AsError() error {
	return &SchemaMismatch{Entity: w.Entity, Field: w.Field, EDMType: w.EDMType, Reason: w.Reason}
}
