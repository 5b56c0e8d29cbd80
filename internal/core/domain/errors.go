package domain

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrNotFound indicates the entity, record or state does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput indicates caller supplied arguments are invalid.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidCursor indicates a persisted cursor could not be decoded.
	ErrInvalidCursor = errors.New("invalid cursor")
	// ErrSyncInProgress indicates the entity already has a sync pass running.
	ErrSyncInProgress = errors.New("sync already in progress")
)

// AuthErrorKind classifies token acquisition failures.
type AuthErrorKind string

const (
	// AuthRejected means the identity provider refused the credential.
	AuthRejected AuthErrorKind = "rejected"
	// AuthTransient means acquisition failed for a reason that may pass.
	AuthTransient AuthErrorKind = "transient"
)

// AuthError is returned when no access token could be obtained.
type AuthError struct {
	Kind AuthErrorKind
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth %s: %v", e.Kind, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// MetadataErrorKind classifies $metadata failures.
type MetadataErrorKind string

const (
	MetadataUnreachable MetadataErrorKind = "unreachable"
	MetadataUnparseable MetadataErrorKind = "unparseable"
)

// MetadataError is returned when the EDM document cannot be loaded.
type MetadataError struct {
	Kind MetadataErrorKind
	Err  error
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("metadata %s: %v", e.Kind, e.Err)
}

func (e *MetadataError) Unwrap() error { return e.Err }

// QueryErrorKind classifies failed OData requests.
type QueryErrorKind string

const (
	QueryRateLimited   QueryErrorKind = "rate_limited"
	QueryUnavailable   QueryErrorKind = "unavailable"
	QueryBadRequest    QueryErrorKind = "bad_request"
	QueryUnauthorized  QueryErrorKind = "unauthorized"
	QueryForbidden     QueryErrorKind = "forbidden"
	QueryNotFound      QueryErrorKind = "not_found"
	QueryCursorExpired QueryErrorKind = "cursor_expired"
)

// QueryError is returned for a non-2xx OData response once retries are
// exhausted or when the status is not retryable.
type QueryError struct {
	Kind   QueryErrorKind
	Status int
	Body   string
	Err    error
}

func (e *QueryError) Error() string {
	msg := fmt.Sprintf("query %s", e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Body != "" {
		msg += ": " + truncate(e.Body, 512)
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *QueryError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrNotFound) match 404 responses.
func (e *QueryError) Is(target error) bool {
	return target == ErrNotFound && e.Kind == QueryNotFound
}

// SchemaMismatch reports a field whose value does not fit its EDM type.
type SchemaMismatch struct {
	Entity  string
	Field   string
	EDMType string
	Reason  string
}

func (e *SchemaMismatch) Error() string {
	return fmt.Sprintf("schema mismatch: %s.%s (%s): %s", e.Entity, e.Field, e.EDMType, e.Reason)
}

// StoreErrorKind classifies sync state persistence failures.
type StoreErrorKind string

const (
	StoreUnavailable StoreErrorKind = "unavailable"
	StoreConflict    StoreErrorKind = "conflict"
)

// StoreError is returned by SyncStateStore implementations.
type StoreError struct {
	Kind StoreErrorKind
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is transient and worth retrying later:
// throttling, unavailability, or a transient auth failure.
func IsRetryable(err error) bool {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Kind == QueryRateLimited || qe.Kind == QueryUnavailable
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind == AuthTransient
	}
	var me *MetadataError
	if errors.As(err, &me) {
		return me.Kind == MetadataUnreachable
	}
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind == StoreUnavailable
	}
	return false
}

// IsCursorExpired reports whether err signals an expired change token.
func IsCursorExpired(err error) bool {
	var qe *QueryError
	return errors.As(err, &qe) && qe.Kind == QueryCursorExpired
}

// ErrorInfo is the structured error object returned by external operations.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ErrorInfoOf classifies err for callers outside the process.
func ErrorInfoOf(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{Kind: "internal", Message: err.Error()}

	var (
		ae *AuthError
		me *MetadataError
		qe *QueryError
		sm *SchemaMismatch
		se *StoreError
	)
	switch {
	case errors.As(err, &ae):
		info.Kind = "auth_" + string(ae.Kind)
	case errors.As(err, &me):
		info.Kind = "metadata_" + string(me.Kind)
	case errors.As(err, &qe):
		info.Kind = "query_" + string(qe.Kind)
	case errors.As(err, &sm):
		info.Kind = "schema_mismatch"
	case errors.As(err, &se):
		info.Kind = "store_" + string(se.Kind)
	case errors.Is(err, ErrNotFound):
		info.Kind = "not_found"
	case errors.Is(err, ErrInvalidInput):
		info.Kind = "invalid_input"
	case errors.Is(err, ErrSyncInProgress):
		info.Kind = "sync_in_progress"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		info.Kind = "cancelled"
	}
	return info
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
