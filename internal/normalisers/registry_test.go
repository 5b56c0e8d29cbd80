package normalisers

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
)

func TestNewRegistry(t *testing.T) {
	registry := NewRegistry()
	require.NotNil(t, registry)

	types := registry.SupportedTypes()
	assert.Len(t, types, 16)
	for _, typ := range []string{
		domain.EDMString, domain.EDMGuid, domain.EDMBoolean, domain.EDMInt32,
		domain.EDMInt64, domain.EDMDecimal, domain.EDMDouble, domain.EDMDateTimeOffset,
	} {
		assert.Contains(t, types, typ)
	}
}

func TestRegistry_Convert(t *testing.T) {
	registry := NewRegistry()

	tests := []struct {
		name     string
		edmType  string
		raw      any
		expected any
		wantErr  bool
	}{
		{name: "string", edmType: domain.EDMString, raw: "Contoso", expected: "Contoso"},
		{name: "string from number", edmType: domain.EDMString, raw: json.Number("1"), wantErr: true},
		{name: "guid canonical", edmType: domain.EDMGuid, raw: "9A1B2C3D-0000-0000-0000-000000000001", expected: "9a1b2c3d-0000-0000-0000-000000000001"},
		{name: "guid braces", edmType: domain.EDMGuid, raw: "{9a1b2c3d-0000-0000-0000-000000000001}", wantErr: true},
		{name: "guid garbage", edmType: domain.EDMGuid, raw: "not-a-guid", wantErr: true},
		{name: "boolean", edmType: domain.EDMBoolean, raw: true, expected: true},
		{name: "boolean from string", edmType: domain.EDMBoolean, raw: "true", wantErr: true},
		{name: "int32", edmType: domain.EDMInt32, raw: json.Number("42"), expected: int64(42)},
		{name: "int32 overflow", edmType: domain.EDMInt32, raw: json.Number("2147483648"), wantErr: true},
		{name: "int32 fraction", edmType: domain.EDMInt32, raw: json.Number("1.5"), wantErr: true},
		{name: "byte range", edmType: domain.EDMByte, raw: json.Number("256"), wantErr: true},
		{name: "sbyte negative", edmType: domain.EDMSByte, raw: json.Number("-128"), expected: int64(-128)},
		{name: "int64 as string", edmType: domain.EDMInt64, raw: "9007199254740993", expected: int64(9007199254740993)},
		{name: "int from float64", edmType: domain.EDMInt16, raw: float64(7), expected: int64(7)},
		{name: "decimal keeps digits", edmType: domain.EDMDecimal, raw: json.Number("0.10"), expected: json.Number("0.10")},
		{name: "decimal as string", edmType: domain.EDMDecimal, raw: "12.3400", expected: json.Number("12.3400")},
		{name: "decimal NaN string", edmType: domain.EDMDecimal, raw: "NaN", wantErr: true},
		{name: "decimal from bool", edmType: domain.EDMDecimal, raw: false, wantErr: true},
		{name: "double", edmType: domain.EDMDouble, raw: json.Number("1.25e2"), expected: 125.0},
		{name: "double INF", edmType: domain.EDMDouble, raw: "INF", wantErr: true},
		{name: "date", edmType: domain.EDMDate, raw: "2024-02-29", expected: "2024-02-29"},
		{name: "date invalid", edmType: domain.EDMDate, raw: "2023-02-29", wantErr: true},
		{
			name:     "datetimeoffset to utc",
			edmType:  domain.EDMDateTimeOffset,
			raw:      "2024-03-01T11:15:00.5+01:00",
			expected: time.Date(2024, 3, 1, 10, 15, 0, 500_000_000, time.UTC),
		},
		{name: "datetimeoffset invalid", edmType: domain.EDMDateTimeOffset, raw: "03/01/2024", wantErr: true},
		{name: "time of day", edmType: domain.EDMTimeOfDay, raw: "13:45:00.0000000", expected: "13:45:00.0000000"},
		{name: "duration", edmType: domain.EDMDuration, raw: "P1DT2H", expected: "P1DT2H"},
		{name: "duration invalid", edmType: domain.EDMDuration, raw: "1 day", wantErr: true},
		{name: "binary", edmType: domain.EDMBinary, raw: "aGVsbG8=", expected: "aGVsbG8="},
		{name: "binary invalid", edmType: domain.EDMBinary, raw: "%%%", wantErr: true},
		{name: "enum passes through", edmType: "Microsoft.Dynamics.DataEntities.NoYes", raw: "Yes", expected: "Yes"},
		{name: "null", edmType: domain.EDMInt32, raw: nil, expected: nil},
		{
			name:     "collection",
			edmType:  "Collection(Edm.Int32)",
			raw:      []any{json.Number("1"), json.Number("2")},
			expected: []any{int64(1), int64(2)},
		},
		{name: "collection element mismatch", edmType: "Collection(Edm.Int32)", raw: []any{"x"}, wantErr: true},
		{name: "collection not array", edmType: "Collection(Edm.String)", raw: "x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := registry.Convert(tt.edmType, tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestRegistry_Register(t *testing.T) {
	registry := NewRegistry()
	errBlocked := errors.New("blocked")
	registry.Register("Microsoft.Dynamics.DataEntities.CustVendorBlocked", func(raw any) (any, error) {
		if raw == "All" {
			return nil, errBlocked
		}
		return raw, nil
	})

	_, err := registry.Convert("Microsoft.Dynamics.DataEntities.CustVendorBlocked", "All")
	assert.ErrorIs(t, err, errBlocked)

	got, err := registry.Convert("Microsoft.Dynamics.DataEntities.CustVendorBlocked", "No")
	require.NoError(t, err)
	assert.Equal(t, "No", got)
	assert.Contains(t, registry.SupportedTypes(), "Microsoft.Dynamics.DataEntities.CustVendorBlocked")
}
