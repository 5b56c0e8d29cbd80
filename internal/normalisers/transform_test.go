package normalisers

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
)

var accountsDescriptor = domain.EntityDescriptor{
	LogicalName:   "account",
	EntitySetName: "accounts",
	KeyFields:     []string{"accountid"},
	Fields: []domain.Field{
		{Name: "accountid", Type: domain.EDMGuid},
		{Name: "name", Type: domain.EDMString, Nullable: true},
		{Name: "revenue", Type: domain.EDMDecimal, Nullable: true},
		{Name: "numberofemployees", Type: domain.EDMInt32, Nullable: true},
		{Name: "modifiedon", Type: domain.EDMDateTimeOffset, Nullable: true},
	},
	NavigationProperties: []domain.NavigationProperty{
		{Name: "primarycontactid", Target: "contact"},
	},
	SupportsChangeTracking: true,
	ModifiedField:          "modifiedon",
}

var customersDescriptor = domain.EntityDescriptor{
	LogicalName:   "CustomerV3",
	EntitySetName: "CustomersV3",
	KeyFields:     []string{"dataAreaId", "CustomerAccount"},
	Fields: []domain.Field{
		{Name: "dataAreaId", Type: domain.EDMString},
		{Name: "CustomerAccount", Type: domain.EDMString},
		{Name: "OrganizationName", Type: domain.EDMString, Nullable: true},
		{Name: "CreditLimit", Type: domain.EDMDecimal},
		{Name: "OnHoldStatus", Type: "Microsoft.Dynamics.DataEntities.CustVendorBlocked"},
		{Name: "ModifiedDateTime1", Type: domain.EDMDateTimeOffset},
	},
	ModifiedField: "ModifiedDateTime1",
}

// decode mirrors the OData client, which decodes numbers as json.Number.
func decode(t *testing.T, payload string) map[string]any {
	t.Helper()
	dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
	dec.UseNumber()
	var raw map[string]any
	require.NoError(t, dec.Decode(&raw))
	return raw
}

type transformOutput struct {
	Record   domain.CanonicalRecord `json:"record"`
	Warnings []domain.FieldWarning  `json:"warnings"`
}

func TestTransform_Golden(t *testing.T) {
	tests := []struct {
		name    string
		desc    domain.EntityDescriptor
		payload string
	}{
		{
			name: "dataverse_account",
			desc: accountsDescriptor,
			payload: `{
				"@odata.etag": "W/\"4711\"",
				"accountid": "9A1B2C3D-0000-0000-0000-000000000001",
				"name": "Contoso Ltd",
				"revenue": 1500000.25,
				"numberofemployees": "many",
				"modifiedon": "2024-03-01T11:15:00+01:00",
				"_primarycontactid_value": "00000000-0000-0000-0000-0000000000c1",
				"_primarycontactid_value@OData.Community.Display.V1.FormattedValue": "Jane Doe"
			}`,
		},
		{
			name: "finops_customer",
			desc: customersDescriptor,
			payload: `{
				"@odata.context": "https://contoso.operations.dynamics.com/data/$metadata#CustomersV3/$entity",
				"@odata.etag": "W/\"JzEsNTYzNzE0NDU3Nic=\"",
				"dataAreaId": "usmf",
				"CustomerAccount": "US-001",
				"OrganizationName": "Contoso Retail San Diego",
				"CreditLimit": 25000.50,
				"OnHoldStatus": "No",
				"ModifiedDateTime1": "2024-02-28T08:00:00Z"
			}`,
		},
		{
			name: "dataverse_deleted",
			desc: accountsDescriptor,
			payload: `{
				"@odata.context": "https://org.crm.dynamics.com/api/data/v9.2/$metadata#accounts/$deletedEntity",
				"id": "9a1b2c3d-0000-0000-0000-000000000001",
				"reason": "deleted"
			}`,
		},
	}

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, warnings := Transform(tt.desc, decode(t, tt.payload))
			out, err := json.MarshalIndent(transformOutput{Record: rec, Warnings: warnings}, "", "  ")
			require.NoError(t, err)
			g.Assert(t, tt.name, out)
		})
	}
}

func TestTransform_MismatchKeepsRecord(t *testing.T) {
	raw := decode(t, `{
		"accountid": "00000000-0000-0000-0000-000000000001",
		"name": 42,
		"revenue": "lots",
		"modifiedon": "yesterday"
	}`)

	rec, warnings := Transform(accountsDescriptor, raw)

	assert.Equal(t, "00000000-0000-0000-0000-000000000001", rec.Key)
	assert.Contains(t, rec.Fields, "name")
	assert.Nil(t, rec.Fields["name"])
	assert.Nil(t, rec.Fields["revenue"])
	assert.Nil(t, rec.Fields["modifiedon"])
	assert.NotContains(t, rec.Fields, "numberofemployees", "absent fields stay absent")

	require.Len(t, warnings, 3)
	assert.Equal(t, "modifiedon", warnings[0].Field)
	assert.Equal(t, "name", warnings[1].Field)
	assert.Equal(t, "unexpected number value", warnings[1].Reason)
	assert.Equal(t, "revenue", warnings[2].Field)
	for _, w := range warnings {
		assert.Equal(t, "accounts", w.Entity)
		assert.Equal(t, rec.Key, w.Key)

		var sm *domain.SchemaMismatch
		require.ErrorAs(t, w.AsError(), &sm)
		assert.Equal(t, w.Field, sm.Field)
	}
}

func TestTransform_MissingKey(t *testing.T) {
	rec, warnings := Transform(customersDescriptor, decode(t, `{"dataAreaId": "usmf", "CustomerAccount": null}`))

	assert.Empty(t, rec.Key)
	require.Len(t, warnings, 1)
	assert.Equal(t, "CustomerAccount", warnings[0].Field)
	assert.Equal(t, reasonMissingKey, warnings[0].Reason)
}

func TestTransform_CompositeKeyQuoting(t *testing.T) {
	rec, _ := Transform(customersDescriptor, decode(t, `{"dataAreaId": "usmf", "CustomerAccount": "O'Neil"}`))
	assert.Equal(t, "dataAreaId='usmf',CustomerAccount='O''Neil'", rec.Key)
}

func TestTransform_RemovedAnnotation(t *testing.T) {
	rec, warnings := Transform(accountsDescriptor, decode(t, `{
		"@removed": {"reason": "deleted"},
		"@id": "accounts(00000000-0000-0000-0000-000000000009)"
	}`))

	assert.True(t, rec.Deleted)
	assert.Equal(t, "00000000-0000-0000-0000-000000000009", rec.Key)
	assert.Empty(t, rec.Fields)
	assert.Nil(t, warnings)
}

func TestTransform_Deterministic(t *testing.T) {
	payload := `{"accountid": "00000000-0000-0000-0000-000000000001", "name": "A", "revenue": 1.10, "numberofemployees": 12, "x": [1, 2]}`

	first, _ := Transform(accountsDescriptor, decode(t, payload))
	second, _ := Transform(accountsDescriptor, decode(t, payload))

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, `{"entity":"accounts","key":"00000000-0000-0000-0000-000000000001","fields":{"accountid":"00000000-0000-0000-0000-000000000001","name":"A","numberofemployees":12,"revenue":1.10,"x":[1,2]}}`, string(a))
}
