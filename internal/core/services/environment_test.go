package services

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
	"github.com/custodia-labs/d365-sync/internal/normalisers"
)

type staticEntities []string

func (s staticEntities) Entities() []string { return s }

func newTestEnvironment(client *mockODataClient, configured ...string) *EnvironmentService {
	return NewEnvironmentService(client, normalisers.NewRegistry(), staticEntities(configured), EnvironmentConfig{
		Environment: testEnv,
		PageSize:    500,
		Concurrency: 4,
	})
}

func TestEnvironmentService_ListEntities(t *testing.T) {
	client := newMockClient(accountsDesc, customersDesc, currenciesDesc)
	svc := newTestEnvironment(client, "account", "CustomersV3")

	entities, err := svc.ListEntities(context.Background())
	require.NoError(t, err)
	require.Len(t, entities, 3)

	assert.Equal(t, "Currencies", entities[0].Name)
	assert.False(t, entities[0].Configured)
	assert.Equal(t, "CustomersV3", entities[1].Name)
	assert.True(t, entities[1].Configured)
	assert.Equal(t, "accounts", entities[2].Name)
	assert.True(t, entities[2].Configured, "configured by logical name")
	assert.True(t, entities[2].SupportsChangeTracking)
}

func TestEnvironmentService_ListEntitiesMetadataError(t *testing.T) {
	client := newMockClient()
	client.metaErr = &domain.MetadataError{Kind: domain.MetadataUnparseable}
	svc := newTestEnvironment(client)

	_, err := svc.ListEntities(context.Background())
	var me *domain.MetadataError
	require.ErrorAs(t, err, &me)
}

func TestEnvironmentService_GetSchema(t *testing.T) {
	t.Run("from metadata", func(t *testing.T) {
		svc := newTestEnvironment(newMockClient(customersDesc))

		schema, err := svc.GetSchema(context.Background(), "CustomerV3")
		require.NoError(t, err)
		assert.False(t, schema.Sampled)
		assert.Equal(t, []string{"dataAreaId", "CustomerAccount"}, schema.Entity.KeyFields)
	})

	t.Run("sampled", func(t *testing.T) {
		client := newMockClient()
		client.query = func(entitySet string, opts domain.QueryOptions) (*domain.Page, error) {
			assert.Equal(t, "msdyn_widgets", entitySet)
			assert.Equal(t, 1, opts.Top)
			return &domain.Page{Records: []map[string]any{{
				"@odata.etag":    `W/"1"`,
				"msdyn_widgetid": "3f2b1c4d-0000-0000-0000-000000000001",
				"msdyn_name":     "Sprocket",
				"msdyn_qty":      json.Number("4"),
				"msdyn_price":    json.Number("9.5"),
				"statecode":      false,
			}}}, nil
		}
		svc := newTestEnvironment(client)

		schema, err := svc.GetSchema(context.Background(), "msdyn_widgets")
		require.NoError(t, err)
		assert.True(t, schema.Sampled)
		assert.Equal(t, []string{"msdyn_name", "msdyn_price", "msdyn_qty", "msdyn_widgetid", "statecode"}, schema.SampleKeys)

		types := map[string]string{}
		for _, f := range schema.Entity.Fields {
			types[f.Name] = f.Type
		}
		assert.Equal(t, map[string]string{
			"msdyn_name":     domain.EDMString,
			"msdyn_price":    domain.EDMDecimal,
			"msdyn_qty":      domain.EDMInt64,
			"msdyn_widgetid": domain.EDMGuid,
			"statecode":      domain.EDMBoolean,
		}, types)
	})

	t.Run("unknown", func(t *testing.T) {
		client := newMockClient()
		client.query = func(string, domain.QueryOptions) (*domain.Page, error) {
			return nil, &domain.QueryError{Kind: domain.QueryNotFound, Status: 404}
		}
		svc := newTestEnvironment(client)

		_, err := svc.GetSchema(context.Background(), "nothing")
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("empty sample", func(t *testing.T) {
		svc := newTestEnvironment(newMockClient())

		_, err := svc.GetSchema(context.Background(), "empties")
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("blank name", func(t *testing.T) {
		svc := newTestEnvironment(newMockClient())

		_, err := svc.GetSchema(context.Background(), " ")
		require.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestEnvironmentService_Query(t *testing.T) {
	tests := []struct {
		name    string
		opts    domain.QueryOptions
		wantTop int
		wantErr error
	}{
		{name: "default top", opts: domain.QueryOptions{}, wantTop: domain.DefaultTop},
		{name: "explicit top", opts: domain.QueryOptions{Top: 5}, wantTop: 5},
		{name: "clamped top", opts: domain.QueryOptions{Top: 5000}, wantTop: domain.MaxTop},
		{name: "negative top", opts: domain.QueryOptions{Top: -1}, wantErr: domain.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newMockClient()
			var got domain.QueryOptions
			client.query = func(_ string, opts domain.QueryOptions) (*domain.Page, error) {
				got = opts
				return &domain.Page{}, nil
			}
			svc := newTestEnvironment(client)

			res, err := svc.Query(context.Background(), "accounts", tt.opts)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, client.queryCalls())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTop, got.Top)
			assert.NotNil(t, res.Records)
			assert.Zero(t, res.Returned)
			assert.False(t, res.HasMore)
		})
	}
}

func TestEnvironmentService_QueryDoesNotFollow(t *testing.T) {
	client := newMockClient()
	count := int64(120)
	client.query = func(_ string, opts domain.QueryOptions) (*domain.Page, error) {
		assert.Equal(t, "statecode eq 0", opts.Filter)
		assert.True(t, opts.Count)
		return &domain.Page{
			Records:  []map[string]any{{"name": "a"}, {"name": "b"}},
			NextLink: "https://contoso/accounts?$skiptoken=2",
			Count:    &count,
		}, nil
	}
	svc := newTestEnvironment(client)

	res, err := svc.Query(context.Background(), "accounts", domain.QueryOptions{Filter: "statecode eq 0", Count: true, Top: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Returned)
	assert.True(t, res.HasMore)
	assert.Equal(t, "https://contoso/accounts?$skiptoken=2", res.NextLink)
	assert.Equal(t, int64(120), *res.Count)
	assert.Empty(t, client.followCalls())
}

func TestEnvironmentService_GetRecord(t *testing.T) {
	t.Run("dataverse guid key", func(t *testing.T) {
		client := newMockClient(accountsDesc)
		client.records["accounts(00000000-0000-0000-0000-000000000001)"] = account(1, "2026-02-01T08:00:00Z")
		svc := newTestEnvironment(client)

		first, err := svc.GetRecord(context.Background(), "accounts", "00000000-0000-0000-0000-000000000001")
		require.NoError(t, err)
		assert.Equal(t, accountKey(1), first.Record.Key)
		assert.Equal(t, `W/"1"`, first.Record.ETag)
		assert.Empty(t, first.Warnings)

		second, err := svc.GetRecord(context.Background(), "accounts", "00000000-0000-0000-0000-000000000001")
		require.NoError(t, err)
		assert.Equal(t, first, second, "reads without upstream changes are identical")
	})

	t.Run("finops string key is quoted", func(t *testing.T) {
		desc := domain.EntityDescriptor{
			LogicalName:   "Vendor",
			EntitySetName: "Vendors",
			KeyFields:     []string{"VendorAccountNumber"},
			Fields:        []domain.Field{{Name: "VendorAccountNumber", Type: domain.EDMString}},
		}
		client := newMockClient(desc)
		client.product = domain.ProductFinOps
		client.records["Vendors('V-0001')"] = map[string]any{"VendorAccountNumber": "V-0001"}
		svc := newTestEnvironment(client)

		res, err := svc.GetRecord(context.Background(), "Vendors", "V-0001")
		require.NoError(t, err)
		assert.Equal(t, "V-0001", res.Record.Key)
	})

	t.Run("composite key passes through", func(t *testing.T) {
		client := newMockClient(customersDesc)
		client.product = domain.ProductFinOps
		key := "dataAreaId='usmf',CustomerAccount='C1'"
		client.records["CustomersV3("+key+")"] = customer("C1", "2026-01-01T00:00:00Z")
		svc := newTestEnvironment(client)

		res, err := svc.GetRecord(context.Background(), "CustomersV3", key)
		require.NoError(t, err)
		assert.Equal(t, key, res.Record.Key)
	})

	t.Run("entity outside metadata", func(t *testing.T) {
		client := newMockClient()
		client.records["msdyn_widgets(42)"] = map[string]any{"msdyn_qty": json.Number("4")}
		svc := newTestEnvironment(client)

		res, err := svc.GetRecord(context.Background(), "msdyn_widgets", "42")
		require.NoError(t, err)
		assert.Equal(t, "42", res.Record.Key)
		assert.Equal(t, json.Number("4"), res.Record.Fields["msdyn_qty"])
	})

	t.Run("not found", func(t *testing.T) {
		svc := newTestEnvironment(newMockClient(accountsDesc))

		_, err := svc.GetRecord(context.Background(), "accounts", "00000000-0000-0000-0000-000000000009")
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("missing id", func(t *testing.T) {
		svc := newTestEnvironment(newMockClient(accountsDesc))

		_, err := svc.GetRecord(context.Background(), "accounts", "")
		require.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestEnvironmentService_GetRecords(t *testing.T) {
	client := newMockClient(accountsDesc)
	client.batch = func(requests []domain.BatchRequest) ([]domain.BatchResponse, error) {
		out := make([]domain.BatchResponse, len(requests))
		for i, r := range requests {
			id := strings.TrimSuffix(strings.TrimPrefix(r.Path, "accounts("), ")")
			if id == accountKey(2) {
				out[i] = domain.BatchResponse{
					Status: http.StatusNotFound,
					Err:    &domain.QueryError{Kind: domain.QueryNotFound, Status: http.StatusNotFound},
				}
				continue
			}
			body, err := json.Marshal(map[string]any{"accountid": id, "name": "n"})
			if err != nil {
				return nil, err
			}
			out[i] = domain.BatchResponse{Status: http.StatusOK, Body: body}
		}
		return out, nil
	}
	svc := newTestEnvironment(client)

	ids := make([]string, 0, 150)
	for i := range 150 {
		ids = append(ids, accountKey(i+1))
	}

	results, err := svc.GetRecords(context.Background(), "accounts", ids)
	require.NoError(t, err)
	require.Len(t, results, 150)

	require.Len(t, client.batches, 2)
	assert.Len(t, client.batches[0], 100)
	assert.Len(t, client.batches[1], 50)
	assert.Equal(t, http.MethodGet, client.batches[0][0].Method)
	assert.Equal(t, "accounts("+accountKey(1)+")", client.batches[0][0].Path)

	assert.Equal(t, accountKey(1), results[0].Record.Key)
	assert.Nil(t, results[1].Record)
	assert.Equal(t, "query_not_found", results[1].Error.Kind)
	assert.Equal(t, accountKey(101), results[100].Record.Key)
	assert.Equal(t, accountKey(150), results[149].Record.Key)
}

func TestEnvironmentService_GetRecordsEmpty(t *testing.T) {
	client := newMockClient(accountsDesc)
	svc := newTestEnvironment(client)

	results, err := svc.GetRecords(context.Background(), "accounts", nil)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, client.batches)
}

func TestEnvironmentService_GetRecordsCrossCompany(t *testing.T) {
	client := newMockClient(customersDesc)
	client.product = domain.ProductFinOps
	svc := newTestEnvironment(client)

	_, err := svc.GetRecords(context.Background(), "CustomersV3", []string{"dataAreaId='usmf',CustomerAccount='C1'"})
	require.NoError(t, err)
	require.Len(t, client.batches, 1)
	assert.Equal(t, "CustomersV3(dataAreaId='usmf',CustomerAccount='C1')?cross-company=true", client.batches[0][0].Path)
}

func TestEnvironmentService_GetEnvironmentInfo(t *testing.T) {
	client := newMockClient(accountsDesc)
	svc := newTestEnvironment(client, "accounts")

	info, err := svc.GetEnvironmentInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testEnv, info.Environment)
	assert.Equal(t, client.Endpoint(), info.Endpoint)
	assert.Equal(t, domain.ProductDataverse, info.Product)
	assert.Equal(t, domain.MaxTop, info.MaxTop)
	assert.Equal(t, []string{"accounts"}, info.ConfiguredEntities)
	assert.True(t, info.MetadataCached)
	assert.Equal(t, 2048, info.MetadataBytes)

	client.metaSize = 0
	info, err = svc.GetEnvironmentInfo(context.Background())
	require.NoError(t, err)
	assert.False(t, info.MetadataCached)

	nilLister := NewEnvironmentService(client, normalisers.NewRegistry(), nil, EnvironmentConfig{})
	info, err = nilLister.GetEnvironmentInfo(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, info.ConfiguredEntities)
}

func TestEnvironmentService_RefreshMetadata(t *testing.T) {
	client := newMockClient(accountsDesc, customersDesc)
	svc := newTestEnvironment(client)

	status, err := svc.RefreshMetadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, status.Entities)
	assert.Equal(t, 2048, status.Bytes)
	assert.Equal(t, 1, client.refreshes)
}
