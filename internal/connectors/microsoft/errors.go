package microsoft

import (
	"net/http"
	"strings"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
)

// ClassifyStatus maps the status of a failed response to a query error kind.
// Every 5xx is treated as transient.
func ClassifyStatus(statusCode int) domain.QueryErrorKind {
	switch {
	case IsUnauthorised(statusCode):
		return domain.QueryUnauthorized
	case IsDeltaTokenExpired(statusCode):
		return domain.QueryCursorExpired
	case IsRateLimited(statusCode):
		return domain.QueryRateLimited
	case statusCode == http.StatusForbidden:
		return domain.QueryForbidden
	case statusCode == http.StatusNotFound:
		return domain.QueryNotFound
	case statusCode >= 500:
		return domain.QueryUnavailable
	default:
		return domain.QueryBadRequest
	}
}

// WrapError converts a failed response into a *domain.QueryError.
// Returns nil for 2xx statuses.
func WrapError(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	return &domain.QueryError{
		Kind:   ClassifyStatus(statusCode),
		Status: statusCode,
		Body:   strings.TrimSpace(string(body)),
	}
}

// IsUnauthorised checks if the status code indicates an authentication failure.
func IsUnauthorised(statusCode int) bool {
	return statusCode == http.StatusUnauthorized
}

// IsDeltaTokenExpired checks if the status code indicates an expired change token.
func IsDeltaTokenExpired(statusCode int) bool {
	return statusCode == http.StatusGone
}

// IsRateLimited checks if the status code indicates rate limiting.
func IsRateLimited(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests
}

// IsRetryable checks if the status is transient and can be retried:
// throttling or any server error.
func IsRetryable(statusCode int) bool {
	return IsRateLimited(statusCode) || statusCode >= 500
}
