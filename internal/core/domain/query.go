package domain

import (
	"fmt"
	"net/http"
	"strings"
)

// Query tool limits for $top.
const (
	DefaultTop = 50
	MaxTop     = 1000
)

// QueryOptions are the OData system query options for one request.
type QueryOptions struct {
	Select       []string
	Filter       string
	OrderBy      string
	Top          int
	Skip         int
	Expand       []string
	CrossCompany bool
	Count        bool

	// MaxPageSize is sent as Prefer: odata.maxpagesize. Used by sync
	// passes, where $top would suppress server paging.
	MaxPageSize int
	// TrackChanges asks the server for a change-tracking delta link.
	TrackChanges bool
}

// SplitList splits a comma separated option value, dropping blanks.
func SplitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// WithToolDefaults applies the defaults of the interactive query surface:
// $top defaults to DefaultTop and is clamped to MaxTop.
func (o QueryOptions) WithToolDefaults() (QueryOptions, error) {
	if o.Top < 0 {
		return o, fmt.Errorf("%w: top must not be negative", ErrInvalidInput)
	}
	if o.Skip < 0 {
		return o, fmt.Errorf("%w: skip must not be negative", ErrInvalidInput)
	}
	if o.Top == 0 {
		o.Top = DefaultTop
	}
	if o.Top > MaxTop {
		o.Top = MaxTop
	}
	return o, nil
}

// BatchRequest is one sub-request of a $batch call. Path is relative to
// the service root, e.g. "accounts(00000000-0000-0000-0000-000000000001)".
type BatchRequest struct {
	Method string
	Path   string
	Header http.Header
}

// BatchResponse is the outcome of one sub-request, in request order.
// Err is a *QueryError for non-2xx sub-responses.
type BatchResponse struct {
	Status int
	Header http.Header
	Body   []byte
	Err    error
}
