package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"strings"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
	"github.com/custodia-labs/d365-sync/internal/core/ports/driven"
	"github.com/custodia-labs/d365-sync/internal/core/ports/driving"
	"github.com/custodia-labs/d365-sync/internal/logger"
)

// Ensure EnvironmentService implements the interface.
var _ driving.EnvironmentService = (*EnvironmentService)(nil)

// recordBatchSize is the number of ids fetched per $batch call.
const recordBatchSize = 100

// EntityLister returns the entities configured for sync.
type EntityLister interface {
	Entities() []string
}

// EnvironmentConfig describes the environment for GetEnvironmentInfo.
type EnvironmentConfig struct {
	Environment string
	PageSize    int
	Concurrency int
}

// EnvironmentService answers read requests against one environment.
type EnvironmentService struct {
	client      driven.ODataClient
	transformer driven.Transformer
	configured  EntityLister
	cfg         EnvironmentConfig
}

// NewEnvironmentService creates the read service. configured may be nil.
func NewEnvironmentService(
	client driven.ODataClient,
	transformer driven.Transformer,
	configured EntityLister,
	cfg EnvironmentConfig,
) *EnvironmentService {
	return &EnvironmentService{
		client:      client,
		transformer: transformer,
		configured:  configured,
		cfg:         cfg,
	}
}

func (s *EnvironmentService) configuredEntities() []string {
	if s.configured == nil {
		return []string{}
	}
	return s.configured.Entities()
}

// ListEntities returns every entity set in $metadata, sorted by name.
func (s *EnvironmentService) ListEntities(ctx context.Context) ([]driving.EntitySummary, error) {
	catalog, err := s.client.FetchMetadata(ctx)
	if err != nil {
		return nil, err
	}

	configured := make(map[string]bool)
	for _, name := range s.configuredEntities() {
		if desc, ok := catalog.Lookup(name); ok {
			configured[desc.EntitySetName] = true
		}
	}

	names := catalog.Names()
	out := make([]driving.EntitySummary, 0, len(names))
	for _, name := range names {
		desc := catalog[name]
		out = append(out, driving.EntitySummary{
			Name:                   desc.EntitySetName,
			LogicalName:            desc.LogicalName,
			SupportsChangeTracking: desc.SupportsChangeTracking,
			Configured:             configured[desc.EntitySetName],
		})
	}
	return out, nil
}

// GetSchema returns the descriptor of an entity. Entities missing from
// $metadata are described from a single sample record.
func (s *EnvironmentService) GetSchema(ctx context.Context, entity string) (*driving.SchemaResult, error) {
	if strings.TrimSpace(entity) == "" {
		return nil, fmt.Errorf("%w: entity is required", domain.ErrInvalidInput)
	}

	catalog, err := s.client.FetchMetadata(ctx)
	if err != nil {
		return nil, err
	}
	if desc, ok := catalog.Lookup(entity); ok {
		return &driving.SchemaResult{Entity: desc}, nil
	}

	logger.Debug("odata: %s not in $metadata, sampling a record", entity)
	page, err := s.client.Query(ctx, entity, domain.QueryOptions{Top: 1, CrossCompany: true})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("entity %s: %w", entity, domain.ErrNotFound)
		}
		return nil, err
	}
	if len(page.Records) == 0 {
		return nil, fmt.Errorf("entity %s has no records to sample: %w", entity, domain.ErrNotFound)
	}

	desc, keys := inferDescriptor(entity, page.Records[0])
	return &driving.SchemaResult{Entity: desc, Sampled: true, SampleKeys: keys}, nil
}

// inferDescriptor builds a descriptor from the JSON types of a sample.
func inferDescriptor(entity string, sample map[string]any) (domain.EntityDescriptor, []string) {
	keys := make([]string, 0, len(sample))
	for k := range sample {
		if strings.HasPrefix(k, "@") || strings.Contains(k, "@odata.") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	desc := domain.EntityDescriptor{LogicalName: entity, EntitySetName: entity}
	for _, k := range keys {
		desc.Fields = append(desc.Fields, domain.Field{Name: k, Type: inferType(sample[k]), Nullable: true})
	}
	return desc, keys
}

func inferType(v any) string {
	switch val := v.(type) {
	case bool:
		return domain.EDMBoolean
	case json.Number:
		if _, err := val.Int64(); err == nil {
			return domain.EDMInt64
		}
		return domain.EDMDecimal
	case float64:
		return domain.EDMDouble
	case string:
		if domain.IsGUID(val) {
			return domain.EDMGuid
		}
		return domain.EDMString
	default:
		return domain.EDMString
	}
}

// Query runs a single page query. The next link is returned, never followed.
func (s *EnvironmentService) Query(
	ctx context.Context, entity string, opts domain.QueryOptions,
) (*driving.QueryResult, error) {
	if strings.TrimSpace(entity) == "" {
		return nil, fmt.Errorf("%w: entity is required", domain.ErrInvalidInput)
	}
	opts, err := opts.WithToolDefaults()
	if err != nil {
		return nil, err
	}

	page, err := s.client.Query(ctx, entity, opts)
	if err != nil {
		return nil, err
	}

	records := page.Records
	if records == nil {
		records = []map[string]any{}
	}
	return &driving.QueryResult{
		Entity:   entity,
		Records:  records,
		Returned: len(records),
		Count:    page.Count,
		NextLink: page.NextLink,
		HasMore:  page.HasMore(),
	}, nil
}

// describe resolves an entity for record reads. An entity missing from
// $metadata gets a descriptor that passes every field through.
func (s *EnvironmentService) describe(ctx context.Context, entity string) (domain.EntityDescriptor, error) {
	catalog, err := s.client.FetchMetadata(ctx)
	if err != nil {
		return domain.EntityDescriptor{}, err
	}
	if desc, ok := catalog.Lookup(entity); ok {
		return desc, nil
	}
	return domain.EntityDescriptor{LogicalName: entity, EntitySetName: entity}, nil
}

func (s *EnvironmentService) keyPredicate(desc domain.EntityDescriptor, id string) string {
	var keyType string
	if len(desc.KeyFields) == 1 {
		if f, ok := desc.Field(desc.KeyFields[0]); ok {
			keyType = f.Type
		}
	}
	return domain.FormatKey(id, keyType, s.client.Product())
}

// GetRecord fetches one record and returns its canonical form. Reading the
// same record twice without an upstream change yields equal results.
func (s *EnvironmentService) GetRecord(ctx context.Context, entity, id string) (*driving.RecordResult, error) {
	if strings.TrimSpace(entity) == "" || strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: entity and id are required", domain.ErrInvalidInput)
	}
	desc, err := s.describe(ctx, entity)
	if err != nil {
		return nil, err
	}

	raw, err := s.client.GetRecord(ctx, desc.EntitySetName, s.keyPredicate(desc, id), domain.QueryOptions{CrossCompany: true})
	if err != nil {
		return nil, err
	}
	return s.canonical(desc, id, raw), nil
}

func (s *EnvironmentService) canonical(desc domain.EntityDescriptor, id string, raw map[string]any) *driving.RecordResult {
	rec, warnings := s.transformer.Transform(desc, raw)
	if rec.Key == "" {
		rec.Key = strings.TrimSpace(id)
	}
	for _, w := range warnings {
		logger.Warn("odata: %s: key %s: %v", desc.EntitySetName, w.Key, w.AsError())
	}
	return &driving.RecordResult{Record: &rec, Warnings: warnings}
}

// GetRecords fetches several records through $batch. Results are in id
// order; a missing record is reported on its own result.
func (s *EnvironmentService) GetRecords(ctx context.Context, entity string, ids []string) ([]driving.RecordResult, error) {
	if strings.TrimSpace(entity) == "" {
		return nil, fmt.Errorf("%w: entity is required", domain.ErrInvalidInput)
	}
	if len(ids) == 0 {
		return []driving.RecordResult{}, nil
	}
	desc, err := s.describe(ctx, entity)
	if err != nil {
		return nil, err
	}

	suffix := ""
	if s.client.Product().SupportsCrossCompany() {
		suffix = "?cross-company=true"
	}

	out := make([]driving.RecordResult, 0, len(ids))
	for chunk := range slices.Chunk(ids, recordBatchSize) {
		requests := make([]domain.BatchRequest, len(chunk))
		for i, id := range chunk {
			requests[i] = domain.BatchRequest{
				Method: http.MethodGet,
				Path:   url.PathEscape(desc.EntitySetName) + "(" + s.keyPredicate(desc, id) + ")" + suffix,
			}
		}

		responses, err := s.client.Batch(ctx, requests)
		if err != nil {
			return nil, err
		}
		for i, resp := range responses {
			out = append(out, s.batchResult(desc, chunk[i], resp))
		}
	}
	return out, nil
}

func (s *EnvironmentService) batchResult(desc domain.EntityDescriptor, id string, resp domain.BatchResponse) driving.RecordResult {
	if resp.Err != nil {
		return driving.RecordResult{Error: domain.ErrorInfoOf(resp.Err)}
	}

	dec := json.NewDecoder(bytes.NewReader(resp.Body))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return driving.RecordResult{Error: domain.ErrorInfoOf(fmt.Errorf("decode record %s: %w", id, err))}
	}
	return *s.canonical(desc, id, raw)
}

// GetEnvironmentInfo describes the environment without contacting it.
func (s *EnvironmentService) GetEnvironmentInfo(_ context.Context) (*driving.EnvironmentInfo, error) {
	size := s.client.MetadataSize()
	return &driving.EnvironmentInfo{
		Environment:        s.cfg.Environment,
		Endpoint:           s.client.Endpoint(),
		Product:            s.client.Product(),
		PageSize:           s.cfg.PageSize,
		MaxTop:             domain.MaxTop,
		Concurrency:        s.cfg.Concurrency,
		ConfiguredEntities: s.configuredEntities(),
		MetadataCached:     size > 0,
		MetadataBytes:      size,
	}, nil
}

// RefreshMetadata drops the cached $metadata and fetches it again.
func (s *EnvironmentService) RefreshMetadata(ctx context.Context) (*driving.MetadataStatus, error) {
	catalog, err := s.client.RefreshMetadata(ctx)
	if err != nil {
		return nil, err
	}
	status := &driving.MetadataStatus{Entities: len(catalog), Bytes: s.client.MetadataSize()}
	logger.Info("odata: metadata refreshed, %d entities, %d bytes", status.Entities, status.Bytes)
	return status, nil
}
