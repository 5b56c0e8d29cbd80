package domain

import "time"

// Credential identifies the Azure AD application used to reach the service.
// It is immutable for the lifetime of the process.
type Credential struct {
	TenantID string
	ClientID string
	// SecretRef points at the client secret: "env:NAME", "file:/path",
	// or the literal secret.
	SecretRef string
}

// Token is a bearer access token. It is never persisted.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// ValidAt reports whether the token is still usable at t with the given
// safety margin left before expiry.
func (t Token) ValidAt(now time.Time, margin time.Duration) bool {
	return t.Value != "" && now.Add(margin).Before(t.ExpiresAt)
}
