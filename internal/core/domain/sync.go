package domain

import (
	"encoding/json"
	"time"
)

// SyncMode is the persisted phase of an entity's sync lifecycle.
type SyncMode string

const (
	// ModeUninitialized means no sync has ever completed, or the cursor was invalidated.
	ModeUninitialized SyncMode = "uninitialized"
	// ModeFullLoad means a full load was started but has not completed.
	ModeFullLoad SyncMode = "full_load"
	// ModeDelta means a baseline exists and passes pull changes only.
	ModeDelta SyncMode = "delta"
)

// SyncState is the durable sync position of one (environment, entity) pair.
type SyncState struct {
	Environment         string     `json:"environment"`
	Entity              string     `json:"entity"`
	Mode                SyncMode   `json:"mode"`
	Cursor              Cursor     `json:"-"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	RecordsSynced       int64      `json:"records_synced"`
	// ResumeAt is set while the entity is backing off after a failure.
	ResumeAt  *time.Time `json:"resume_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	// Version increments on every write and guards concurrent updates.
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSyncState returns the Uninitialized state for an entity.
func NewSyncState(environment, entity string) SyncState {
	return SyncState{
		Environment: environment,
		Entity:      entity,
		Mode:        ModeUninitialized,
	}
}

// NeedsFullLoad reports whether the next pass must run a full load.
func (s SyncState) NeedsFullLoad() bool {
	return s.Mode != ModeDelta || s.Cursor.IsZero()
}

// BackingOff reports whether the entity must be skipped at now.
func (s SyncState) BackingOff(now time.Time) bool {
	return s.ResumeAt != nil && now.Before(*s.ResumeAt)
}

// MarshalJSON adds a readable cursor description.
func (s SyncState) MarshalJSON() ([]byte, error) {
	type alias SyncState
	return json.Marshal(struct {
		alias
		Cursor string `json:"cursor"`
	}{alias: alias(s), Cursor: s.Cursor.String()})
}

// Page is one response page of an entity query. Pages are consumed
// immediately and never retained.
type Page struct {
	Records   []map[string]any
	NextLink  string
	DeltaLink string
	Count     *int64
}

// HasMore reports whether the server issued a continuation link.
func (p *Page) HasMore() bool {
	return p.NextLink != ""
}

// EntityStatus is the outcome of one entity's sync pass.
type EntityStatus string

const (
	StatusSynced      EntityStatus = "synced"
	StatusSkipped     EntityStatus = "skipped"
	StatusBackoff     EntityStatus = "backoff"
	StatusFailed      EntityStatus = "failed"
	StatusInvalidated EntityStatus = "invalidated"
	StatusCancelled   EntityStatus = "cancelled"
)

// EntityResult reports what one sync pass did for one entity.
type EntityResult struct {
	Entity   string        `json:"entity"`
	Status   EntityStatus  `json:"status"`
	Mode     SyncMode      `json:"mode"`
	Pages    int           `json:"pages"`
	Records  int           `json:"records"`
	Warnings int           `json:"warnings"`
	More     bool          `json:"more,omitempty"`
	ResumeAt *time.Time    `json:"resume_at,omitempty"`
	Error    *ErrorInfo    `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// SyncReport aggregates the results of a pass over several entities.
type SyncReport struct {
	RunID      string         `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Results    []EntityResult `json:"results"`
}

// Failed counts entities that did not sync.
func (r *SyncReport) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Status == StatusFailed {
			n++
		}
	}
	return n
}
