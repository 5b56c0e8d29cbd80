package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
	"github.com/custodia-labs/d365-sync/internal/core/ports/driven"
)

var (
	accountsDesc = domain.EntityDescriptor{
		LogicalName:   "account",
		EntitySetName: "accounts",
		KeyFields:     []string{"accountid"},
		Fields: []domain.Field{
			{Name: "accountid", Type: domain.EDMGuid},
			{Name: "name", Type: domain.EDMString, Nullable: true},
			{Name: "modifiedon", Type: domain.EDMDateTimeOffset, Nullable: true},
		},
		SupportsChangeTracking: true,
		ModifiedField:          "modifiedon",
	}

	customersDesc = domain.EntityDescriptor{
		LogicalName:   "CustomerV3",
		EntitySetName: "CustomersV3",
		KeyFields:     []string{"dataAreaId", "CustomerAccount"},
		Fields: []domain.Field{
			{Name: "dataAreaId", Type: domain.EDMString},
			{Name: "CustomerAccount", Type: domain.EDMString},
			{Name: "CreditLimit", Type: domain.EDMDecimal, Nullable: true},
			{Name: "ModifiedDateTime1", Type: domain.EDMDateTimeOffset, Nullable: true},
		},
		ModifiedField: "ModifiedDateTime1",
	}

	currenciesDesc = domain.EntityDescriptor{
		LogicalName:   "Currency",
		EntitySetName: "Currencies",
		KeyFields:     []string{"CurrencyCode"},
		Fields: []domain.Field{
			{Name: "CurrencyCode", Type: domain.EDMString},
			{Name: "Name", Type: domain.EDMString, Nullable: true},
		},
	}
)

func testCatalog(descs ...domain.EntityDescriptor) domain.Catalog {
	c := make(domain.Catalog, len(descs))
	for _, d := range descs {
		c[d.EntitySetName] = d
	}
	return c
}

// queryCall records one Query or Follow invocation.
type queryCall struct {
	Target string
	Opts   domain.QueryOptions
}

// mockODataClient is a scripted ODataClient.
type mockODataClient struct {
	mu sync.Mutex

	catalog  domain.Catalog
	metaErr  error
	metaSize int
	product  domain.ProductType

	// query and follow answer Query and Follow. Nil funcs answer an empty page.
	query  func(entitySet string, opts domain.QueryOptions) (*domain.Page, error)
	follow func(link string, opts domain.QueryOptions) (*domain.Page, error)

	records    map[string]map[string]any
	recordErr  error
	batch      func(requests []domain.BatchRequest) ([]domain.BatchResponse, error)
	queries    []queryCall
	follows    []queryCall
	getRecords []string
	batches    [][]domain.BatchRequest
	refreshes  int
}

func newMockClient(descs ...domain.EntityDescriptor) *mockODataClient {
	return &mockODataClient{
		catalog:  testCatalog(descs...),
		product:  domain.ProductDataverse,
		metaSize: 2048,
		records:  make(map[string]map[string]any),
	}
}

func (m *mockODataClient) FetchMetadata(_ context.Context) (domain.Catalog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.metaErr != nil {
		return nil, m.metaErr
	}
	return m.catalog, nil
}

func (m *mockODataClient) RefreshMetadata(ctx context.Context) (domain.Catalog, error) {
	m.mu.Lock()
	m.refreshes++
	m.mu.Unlock()
	return m.FetchMetadata(ctx)
}

func (m *mockODataClient) MetadataSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metaSize
}

func (m *mockODataClient) Query(_ context.Context, entitySet string, opts domain.QueryOptions) (*domain.Page, error) {
	m.mu.Lock()
	m.queries = append(m.queries, queryCall{Target: entitySet, Opts: opts})
	fn := m.query
	m.mu.Unlock()
	if fn == nil {
		return &domain.Page{}, nil
	}
	return fn(entitySet, opts)
}

func (m *mockODataClient) Follow(_ context.Context, link string, opts domain.QueryOptions) (*domain.Page, error) {
	m.mu.Lock()
	m.follows = append(m.follows, queryCall{Target: link, Opts: opts})
	fn := m.follow
	m.mu.Unlock()
	if fn == nil {
		return &domain.Page{}, nil
	}
	return fn(link, opts)
}

func (m *mockODataClient) GetRecord(
	_ context.Context, entitySet, key string, _ domain.QueryOptions,
) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path := entitySet + "(" + key + ")"
	m.getRecords = append(m.getRecords, path)
	if m.recordErr != nil {
		return nil, m.recordErr
	}
	rec, ok := m.records[path]
	if !ok {
		return nil, &domain.QueryError{Kind: domain.QueryNotFound, Status: 404}
	}
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out, nil
}

func (m *mockODataClient) Batch(_ context.Context, requests []domain.BatchRequest) ([]domain.BatchResponse, error) {
	m.mu.Lock()
	m.batches = append(m.batches, requests)
	fn := m.batch
	m.mu.Unlock()
	if fn == nil {
		return make([]domain.BatchResponse, len(requests)), nil
	}
	return fn(requests)
}

func (m *mockODataClient) Endpoint() string {
	return "https://contoso.crm.dynamics.com/api/data/v9.2/"
}

func (m *mockODataClient) Product() domain.ProductType {
	return m.product
}

func (m *mockODataClient) queryCalls() []queryCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]queryCall(nil), m.queries...)
}

func (m *mockODataClient) followCalls() []queryCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]queryCall(nil), m.follows...)
}

// memStore is an in-memory SyncStateStore with the same version rules as
// the SQL stores.
type memStore struct {
	mu     sync.Mutex
	states map[string]domain.SyncState
	getErr map[string]error
	saves  int
}

var _ driven.SyncStateStore = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{states: make(map[string]domain.SyncState), getErr: make(map[string]error)}
}

func memKey(environment, entity string) string {
	return environment + "/" + entity
}

func (s *memStore) Get(_ context.Context, environment, entity string) (*domain.SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.getErr[memKey(environment, entity)]; err != nil {
		return nil, err
	}
	state, ok := s.states[memKey(environment, entity)]
	if !ok {
		return nil, fmt.Errorf("sync state %s/%s: %w", environment, entity, domain.ErrNotFound)
	}
	return &state, nil
}

func (s *memStore) Save(_ context.Context, state domain.SyncState) (domain.SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memKey(state.Environment, state.Entity)
	current, exists := s.states[key]
	switch {
	case state.Version == 0 && exists,
		state.Version != 0 && (!exists || current.Version != state.Version):
		return domain.SyncState{}, &domain.StoreError{Kind: domain.StoreConflict, Err: fmt.Errorf("version %d", state.Version)}
	}
	state.Version++
	state.UpdatedAt = time.Now().UTC()
	s.states[key] = state
	s.saves++
	return state, nil
}

func (s *memStore) Delete(_ context.Context, environment, entity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, memKey(environment, entity))
	delete(s.getErr, memKey(environment, entity))
	return nil
}

func (s *memStore) List(_ context.Context, environment string) ([]domain.SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SyncState
	for _, st := range s.states {
		if st.Environment == environment {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) state(entity string) domain.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[memKey(testEnv, entity)]
}

// recordingSink keeps every delivered page.
type recordingSink struct {
	mu     sync.Mutex
	pages  map[string][][]domain.CanonicalRecord
	err    error
	onPage func()
	closed bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{pages: make(map[string][][]domain.CanonicalRecord)}
}

func (s *recordingSink) Deliver(_ context.Context, entity string, records []domain.CanonicalRecord) error {
	s.mu.Lock()
	err, hook := s.err, s.onPage
	if err == nil {
		s.pages[entity] = append(s.pages[entity], records)
	}
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (s *recordingSink) Close() error {
	s.closed = true
	return nil
}

func (s *recordingSink) keys(entity string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, page := range s.pages[entity] {
		for _, rec := range page {
			out = append(out, rec.Key)
		}
	}
	return out
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
