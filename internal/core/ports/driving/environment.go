package driving

import (
	"context"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
)

// EntitySummary is one row of the entity listing.
type EntitySummary struct {
	Name                   string `json:"name"`
	LogicalName            string `json:"logical_name"`
	SupportsChangeTracking bool   `json:"supports_change_tracking"`
	Configured             bool   `json:"configured"`
}

// QueryResult is a single, never auto-followed page of a query.
type QueryResult struct {
	Entity   string           `json:"entity"`
	Records  []map[string]any `json:"records"`
	Returned int              `json:"returned"`
	Count    *int64           `json:"count,omitempty"`
	NextLink string           `json:"next_link,omitempty"`
	HasMore  bool             `json:"has_more"`
}

// RecordResult is a canonical record plus the warnings raised building it.
type RecordResult struct {
	Record   *domain.CanonicalRecord `json:"record,omitempty"`
	Warnings []domain.FieldWarning   `json:"warnings,omitempty"`
	Error    *domain.ErrorInfo       `json:"error,omitempty"`
}

// SchemaResult describes an entity. Sampled is set when the fields were
// inferred from a record because the entity is absent from $metadata.
type SchemaResult struct {
	Entity     domain.EntityDescriptor `json:"entity"`
	Sampled    bool                    `json:"sampled,omitempty"`
	SampleKeys []string                `json:"sample_keys,omitempty"`
}

// EnvironmentInfo describes the connected environment.
type EnvironmentInfo struct {
	Environment        string             `json:"environment"`
	Endpoint           string             `json:"endpoint"`
	Product            domain.ProductType `json:"product"`
	PageSize           int                `json:"page_size"`
	MaxTop             int                `json:"max_top"`
	Concurrency        int                `json:"concurrency"`
	ConfiguredEntities []string           `json:"configured_entities"`
	MetadataCached     bool               `json:"metadata_cached"`
	MetadataBytes      int                `json:"metadata_bytes,omitempty"`
}

// MetadataStatus reports the outcome of a metadata refresh.
type MetadataStatus struct {
	Entities int `json:"entities"`
	Bytes    int `json:"bytes"`
}

// EnvironmentService is the read surface exposed to the CLI and MCP server.
type EnvironmentService interface {
	// ListEntities returns every entity set in $metadata.
	ListEntities(ctx context.Context) ([]EntitySummary, error)

	// GetSchema returns the descriptor of one entity.
	// Returns domain.ErrNotFound if the entity is unknown.
	GetSchema(ctx context.Context, entity string) (*SchemaResult, error)

	// Query runs a single page query. Top defaults to 50 and is capped at 1000.
	Query(ctx context.Context, entity string, opts domain.QueryOptions) (*QueryResult, error)

	// GetRecord fetches one record by key and returns its canonical form.
	GetRecord(ctx context.Context, entity, id string) (*RecordResult, error)

	// GetRecords fetches several records in one $batch, in id order.
	GetRecords(ctx context.Context, entity string, ids []string) ([]RecordResult, error)

	// GetEnvironmentInfo describes the configured environment.
	GetEnvironmentInfo(ctx context.Context) (*EnvironmentInfo, error)

	// RefreshMetadata re-fetches and re-parses $metadata.
	RefreshMetadata(ctx context.Context) (*MetadataStatus, error)
}
