// Package storage persists SyncState in a SQL database. The sqlite and
// postgres subpackages open the connection and apply migrations; both
// share the queries here.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
	"github.com/custodia-labs/d365-sync/internal/core/ports/driven"
)

// Ensure Store implements the interface.
var _ driven.SyncStateStore = (*Store)(nil)

// Dialect adapts the shared queries to a database.
type Dialect struct {
	Name string
	// Numbered placeholders ($1, $2) instead of ?.
	Numbered bool
}

var (
	// SQLite uses ? placeholders.
	SQLite = Dialect{Name: "sqlite"}
	// Postgres uses $n placeholders.
	Postgres = Dialect{Name: "postgres", Numbered: true}
)

// rebind rewrites ? placeholders for the dialect.
func (d Dialect) rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Store is a SyncStateStore over database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// New wraps an open, migrated database.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect, now: time.Now}
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const selectColumns = `environment, entity, mode, cursor, last_success_at, consecutive_failures,
	records_synced, resume_at, last_error, version, updated_at`

// Get returns the stored state or domain.ErrNotFound.
func (s *Store) Get(ctx context.Context, environment, entity string) (*domain.SyncState, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`
SELECT `+selectColumns+`
FROM sync_state
WHERE environment = ? AND entity = ?`), environment, entity)

	state, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync state %s/%s: %w", environment, entity, domain.ErrNotFound)
	}
	if errors.Is(err, domain.ErrInvalidCursor) {
		return nil, fmt.Errorf("sync state %s/%s: %w", environment, entity, err)
	}
	if err != nil {
		return nil, unavailable("get sync state", err)
	}
	return state, nil
}

// Save inserts a state with Version 0 and otherwise updates it only if the
// stored Version still matches.
func (s *Store) Save(ctx context.Context, state domain.SyncState) (domain.SyncState, error) {
	if state.Environment == "" || state.Entity == "" {
		return state, fmt.Errorf("%w: environment and entity are required", domain.ErrInvalidInput)
	}
	if state.Mode == "" {
		state.Mode = domain.ModeUninitialized
	}
	cursor := state.Cursor.Encode()
	updatedAt := s.now().UTC()

	var (
		res sql.Result
		err error
	)
	if state.Version == 0 {
		res, err = s.db.ExecContext(ctx, s.dialect.rebind(`
INSERT INTO sync_state(environment, entity, mode, cursor, last_success_at, consecutive_failures,
	records_synced, resume_at, last_error, version, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
ON CONFLICT(environment, entity) DO NOTHING`),
			state.Environment, state.Entity, string(state.Mode), cursor, nullableTS(state.LastSuccessAt),
			state.ConsecutiveFailures, state.RecordsSynced, nullableTS(state.ResumeAt), state.LastError, ts(updatedAt))
	} else {
		res, err = s.db.ExecContext(ctx, s.dialect.rebind(`
UPDATE sync_state SET
	mode = ?,
	cursor = ?,
	last_success_at = ?,
	consecutive_failures = ?,
	records_synced = ?,
	resume_at = ?,
	last_error = ?,
	version = version + 1,
	updated_at = ?
WHERE environment = ? AND entity = ? AND version = ?`),
			string(state.Mode), cursor, nullableTS(state.LastSuccessAt), state.ConsecutiveFailures,
			state.RecordsSynced, nullableTS(state.ResumeAt), state.LastError, ts(updatedAt),
			state.Environment, state.Entity, state.Version)
	}
	if err != nil {
		return state, unavailable("save sync state", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return state, unavailable("save sync state", err)
	}
	if n == 0 {
		return state, &domain.StoreError{
			Kind: domain.StoreConflict,
			Err:  fmt.Errorf("sync state %s/%s changed since version %d", state.Environment, state.Entity, state.Version),
		}
	}

	state.Version++
	state.UpdatedAt = updatedAt
	return state, nil
}

// Delete removes a stored state.
func (s *Store) Delete(ctx context.Context, environment, entity string) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`DELETE FROM sync_state WHERE environment = ? AND entity = ?`), environment, entity)
	if err != nil {
		return unavailable("delete sync state", err)
	}
	return nil
}

// List returns every state of an environment ordered by entity.
func (s *Store) List(ctx context.Context, environment string) ([]domain.SyncState, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
SELECT `+selectColumns+`
FROM sync_state
WHERE environment = ?
ORDER BY entity`), environment)
	if err != nil {
		return nil, unavailable("list sync state", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []domain.SyncState
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, unavailable("scan sync state", err)
		}
		out = append(out, *state)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list sync state", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanState(row scanner) (*domain.SyncState, error) {
	var (
		state         domain.SyncState
		mode, cursor  string
		lastSuccessAt sql.NullString
		resumeAt      sql.NullString
		updatedAt     string
	)
	err := row.Scan(&state.Environment, &state.Entity, &mode, &cursor, &lastSuccessAt,
		&state.ConsecutiveFailures, &state.RecordsSynced, &resumeAt, &state.LastError,
		&state.Version, &updatedAt)
	if err != nil {
		return nil, err
	}

	state.Mode = domain.SyncMode(mode)
	if state.Cursor, err = domain.DecodeCursor(cursor); err != nil {
		return nil, err
	}
	if state.LastSuccessAt, err = parseNullableTS(lastSuccessAt); err != nil {
		return nil, err
	}
	if state.ResumeAt, err = parseNullableTS(resumeAt); err != nil {
		return nil, err
	}
	if state.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &state, nil
}

func unavailable(op string, err error) error {
	return &domain.StoreError{Kind: domain.StoreUnavailable, Err: fmt.Errorf("%s: %w", op, err)}
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func parseNullableTS(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}
	return &t, nil
}
