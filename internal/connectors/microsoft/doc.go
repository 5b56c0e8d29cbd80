// Package microsoft provides Azure AD authentication and the request
// policy shared by every call to a Dynamics 365 service.
//
// This package provides:
//   - A client-credentials TokenProvider for the Microsoft identity platform
//   - Retry and backoff policy for throttled or unavailable responses
//   - Rate limiting for Dataverse and Finance & Operations endpoints
//   - Classification of HTTP statuses into query error kinds
//
// # Client Credentials
//
// Service-to-service access uses the OAuth2 client credentials grant:
//   - Token URL: https://login.microsoftonline.com/{tenant}/oauth2/v2.0/token
//   - Scope: {scheme}://{host}/.default of the service endpoint
//
// Tokens are cached in memory and refreshed five minutes before expiry.
// Concurrent callers during a refresh share a single token request.
//
// # Throttling
//
// Dataverse service protection limits allow roughly 6,000 requests per
// five minutes per user; Finance & Operations applies priority-based
// throttling. Both answer 429 with a Retry-After header, which always takes
// precedence over the computed exponential delay.
//
// # Change Tracking
//
// A 410 Gone response to a delta link means the change token expired and
// a full load is required.
package microsoft
