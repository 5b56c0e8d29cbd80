package driven

import (
	"context"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
)

// ODataClient talks to a Dynamics 365 OData service root.
// Every method retries throttling and transient failures internally.
type ODataClient interface {
	// FetchMetadata returns the parsed $metadata, fetching it on first use.
	// Fails with *domain.MetadataError.
	FetchMetadata(ctx context.Context) (domain.Catalog, error)

	// RefreshMetadata drops the cached document and fetches it again.
	RefreshMetadata(ctx context.Context) (domain.Catalog, error)

	// MetadataSize returns the size in bytes of the cached document, or 0.
	MetadataSize() int

	// Query issues a single request against an entity set.
	Query(ctx context.Context, entitySet string, opts domain.QueryOptions) (*domain.Page, error)

	// Follow requests a server-issued next or delta link verbatim.
	Follow(ctx context.Context, link string, opts domain.QueryOptions) (*domain.Page, error)

	// GetRecord fetches one record by key.
	GetRecord(ctx context.Context, entitySet, key string, opts domain.QueryOptions) (map[string]any, error)

	// Batch runs several reads in one $batch round trip. Responses are in
	// request order; sub-request failures are reported per response.
	Batch(ctx context.Context, requests []domain.BatchRequest) ([]domain.BatchResponse, error)

	// Endpoint returns the service root URL.
	Endpoint() string

	// Product returns the product variant served by the endpoint.
	Product() domain.ProductType
}
