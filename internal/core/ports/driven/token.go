package driven

import (
	"context"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
)

// TokenProvider supplies bearer tokens for the OData service.
type TokenProvider interface {
	// GetToken returns a token valid for at least the provider's safety
	// margin, refreshing it first if needed. Fails with *domain.AuthError.
	GetToken(ctx context.Context) (domain.Token, error)

	// Invalidate drops the cached token so the next GetToken refreshes.
	// Called when the service answers 401 to a token believed valid.
	Invalidate()
}
