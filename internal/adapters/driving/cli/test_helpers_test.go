package cli

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
	"github.com/custodia-labs/d365-sync/internal/core/ports/driving"
)

// mockEnvironmentService implements driving.EnvironmentService for testing.
type mockEnvironmentService struct {
	err error

	lastEntity string
	lastOpts   domain.QueryOptions
	lastIDs    []string
	refreshed  bool
}

func (m *mockEnvironmentService) ListEntities(_ context.Context) ([]driving.EntitySummary, error) {
	if m.err != nil {
		return nil, m.err
	}
	return []driving.EntitySummary{
		{Name: "accounts", LogicalName: "account", SupportsChangeTracking: true, Configured: true},
		{Name: "contacts", LogicalName: "contact", SupportsChangeTracking: true},
	}, nil
}

func (m *mockEnvironmentService) GetSchema(_ context.Context, entity string) (*driving.SchemaResult, error) {
	m.lastEntity = entity
	if m.err != nil {
		return nil, m.err
	}
	return &driving.SchemaResult{Entity: domain.EntityDescriptor{
		LogicalName:   "account",
		EntitySetName: "accounts",
		KeyFields:     []string{"accountid"},
		Fields: []domain.Field{
			{Name: "accountid", Type: domain.EDMGuid},
			{Name: "name", Type: domain.EDMString, Nullable: true},
		},
		NavigationProperties: []domain.NavigationProperty{
			{Name: "contact_customer_accounts", Target: "contact", Collection: true},
		},
		SupportsChangeTracking: true,
		ModifiedField:          "modifiedon",
	}}, nil
}

func (m *mockEnvironmentService) Query(
	_ context.Context, entity string, opts domain.QueryOptions,
) (*driving.QueryResult, error) {
	m.lastEntity = entity
	m.lastOpts = opts
	if m.err != nil {
		return nil, m.err
	}
	return &driving.QueryResult{
		Entity:   entity,
		Records:  []map[string]any{{"name": "Contoso"}},
		Returned: 1,
	}, nil
}

func (m *mockEnvironmentService) GetRecord(_ context.Context, entity, id string) (*driving.RecordResult, error) {
	m.lastEntity = entity
	m.lastIDs = []string{id}
	if m.err != nil {
		return nil, m.err
	}
	return &driving.RecordResult{Record: &domain.CanonicalRecord{
		Entity: entity,
		Key:    id,
		Fields: map[string]any{"name": "Contoso"},
	}}, nil
}

func (m *mockEnvironmentService) GetRecords(_ context.Context, entity string, ids []string) ([]driving.RecordResult, error) {
	m.lastEntity = entity
	m.lastIDs = ids
	if m.err != nil {
		return nil, m.err
	}
	out := make([]driving.RecordResult, len(ids))
	for i, id := range ids {
		out[i] = driving.RecordResult{Record: &domain.CanonicalRecord{Entity: entity, Key: id}}
	}
	return out, nil
}

func (m *mockEnvironmentService) GetEnvironmentInfo(_ context.Context) (*driving.EnvironmentInfo, error) {
	return &driving.EnvironmentInfo{
		Environment:        "contoso",
		Endpoint:           "https://contoso.crm.dynamics.com/api/data/v9.2/",
		Product:            domain.ProductDataverse,
		PageSize:           500,
		MaxTop:             domain.MaxTop,
		Concurrency:        4,
		ConfiguredEntities: []string{"accounts"},
		MetadataCached:     true,
		MetadataBytes:      4096,
	}, nil
}

func (m *mockEnvironmentService) RefreshMetadata(_ context.Context) (*driving.MetadataStatus, error) {
	m.refreshed = true
	return &driving.MetadataStatus{Entities: 2, Bytes: 4096}, nil
}

// mockSyncOrchestrator implements driving.SyncOrchestrator for testing.
type mockSyncOrchestrator struct {
	results  map[string]domain.EntityResult
	allErr   error
	entities []string
	states   []domain.SyncState
	reset    []string
	synced   []string
}

func newMockSync() *mockSyncOrchestrator {
	return &mockSyncOrchestrator{
		results:  make(map[string]domain.EntityResult),
		entities: []string{"accounts"},
	}
}

func (m *mockSyncOrchestrator) result(entity string) domain.EntityResult {
	if res, ok := m.results[entity]; ok {
		return res
	}
	return domain.EntityResult{
		Entity:   entity,
		Status:   domain.StatusSynced,
		Mode:     domain.ModeDelta,
		Pages:    1,
		Records:  3,
		Duration: 25 * time.Millisecond,
	}
}

func (m *mockSyncOrchestrator) Sync(_ context.Context, entity string) (domain.EntityResult, error) {
	m.synced = append(m.synced, entity)
	return m.result(entity), nil
}

func (m *mockSyncOrchestrator) SyncAll(_ context.Context) (*domain.SyncReport, error) {
	if m.allErr != nil {
		return nil, m.allErr
	}
	report := &domain.SyncReport{RunID: "run-1"}
	for _, e := range m.entities {
		m.synced = append(m.synced, e)
		report.Results = append(report.Results, m.result(e))
	}
	return report, nil
}

func (m *mockSyncOrchestrator) Status(_ context.Context) ([]domain.SyncState, error) {
	return m.states, nil
}

func (m *mockSyncOrchestrator) Reset(_ context.Context, entity string) error {
	if entity == "missing" {
		return domain.ErrNotFound
	}
	m.reset = append(m.reset, entity)
	return nil
}

func (m *mockSyncOrchestrator) SetEntities(entities []string) {
	m.entities = entities
}

func (m *mockSyncOrchestrator) Entities() []string {
	return m.entities
}

// runnerFunc adapts a function to Runner.
type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// withServices injects services for the duration of a test.
func withServices(t *testing.T, s *Services) {
	t.Helper()
	oldEnv, oldSync := environmentService, syncOrchestrator
	oldMCP, oldScheduler, oldWatch := mcpServer, scheduler, watchConfig
	oldSettings, oldClose, oldBootstrap := settings, closeServices, bootstrap
	t.Cleanup(func() {
		environmentService, syncOrchestrator = oldEnv, oldSync
		mcpServer, scheduler, watchConfig = oldMCP, oldScheduler, oldWatch
		settings, closeServices, bootstrap = oldSettings, oldClose, oldBootstrap
	})

	environmentService, syncOrchestrator = nil, nil
	mcpServer, scheduler, watchConfig = nil, nil, nil
	closeServices, bootstrap = nil, nil
	SetServices(s)
}

// executeCommand runs the root command with args and returns its output.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	t.Cleanup(resetFlags)

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	}()

	err := Execute(context.Background())
	return buf.String(), err
}

func resetFlags() {
	verbose, jsonOutput, configPath = false, false, ""
	querySelect, queryFilter, queryOrderBy, queryExpand = "", "", "", ""
	queryTop, querySkip = 0, 0
	queryCount, queryNoCrossCompany = false, false
}
