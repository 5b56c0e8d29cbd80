package normalisers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	errOutOfRange = errors.New("value out of range")
	errNotFinite  = errors.New("value is not finite")
)

// mismatch describes a value of the wrong JSON kind.
func mismatch(raw any) error {
	return fmt.Errorf("unexpected %s value", jsonKind(raw))
}

func jsonKind(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number, float64, int, int64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func convertString(raw any) (any, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, mismatch(raw)
	}
	return s, nil
}

// convertGUID normalises a GUID to its lower-case canonical form.
func convertGUID(raw any) (any, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, mismatch(raw)
	}
	if len(s) != 36 {
		return nil, fmt.Errorf("invalid guid %q", s)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid guid %q", s)
	}
	return id.String(), nil
}

func convertBoolean(raw any) (any, error) {
	b, ok := raw.(bool)
	if !ok {
		return nil, mismatch(raw)
	}
	return b, nil
}

// integer returns a converter for an integral type bounded by [lo, hi].
// Int64 values may arrive as strings when the service runs with
// IEEE754Compatible=true.
func integer(lo, hi int64) Converter {
	return func(raw any) (any, error) {
		var (
			n   int64
			err error
		)
		switch v := raw.(type) {
		case json.Number:
			n, err = v.Int64()
		case string:
			n, err = strconv.ParseInt(v, 10, 64)
		case float64:
			if v != math.Trunc(v) || v < math.MinInt64 || v > math.MaxInt64 {
				return nil, fmt.Errorf("%v is not an integer", v)
			}
			n = int64(v)
		default:
			return nil, mismatch(raw)
		}
		if err != nil {
			return nil, fmt.Errorf("%v is not an integer", raw)
		}
		if n < lo || n > hi {
			return nil, errOutOfRange
		}
		return n, nil
	}
}

// convertDecimal keeps the literal digits so no precision is lost.
func convertDecimal(raw any) (any, error) {
	switch v := raw.(type) {
	case json.Number:
		if _, err := v.Float64(); err != nil {
			return nil, fmt.Errorf("%v is not a decimal", raw)
		}
		return v, nil
	case string:
		if _, err := strconv.ParseFloat(v, 64); err != nil || strings.ContainsAny(v, "xXnN") {
			return nil, fmt.Errorf("%q is not a decimal", v)
		}
		return json.Number(v), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errNotFinite
		}
		return json.Number(strconv.FormatFloat(v, 'f', -1, 64)), nil
	default:
		return nil, mismatch(raw)
	}
}

// convertFloat handles Edm.Double and Edm.Single. The special values
// INF, -INF and NaN have no JSON encoding and are rejected.
func convertFloat(raw any) (any, error) {
	var f float64
	switch v := raw.(type) {
	case json.Number:
		var err error
		if f, err = v.Float64(); err != nil {
			return nil, fmt.Errorf("%v is not a number", raw)
		}
	case float64:
		f = v
	case string:
		return nil, errNotFinite
	default:
		return nil, mismatch(raw)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, errNotFinite
	}
	return f, nil
}

func convertDate(raw any) (any, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, mismatch(raw)
	}
	if _, err := time.Parse(time.DateOnly, s); err != nil {
		return nil, fmt.Errorf("invalid date %q", s)
	}
	return s, nil
}

// convertDateTimeOffset parses an RFC 3339 timestamp and returns it in UTC.
func convertDateTimeOffset(raw any) (any, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, mismatch(raw)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp %q", s)
	}
	return t.UTC(), nil
}

func convertTimeOfDay(raw any) (any, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, mismatch(raw)
	}
	if _, err := time.Parse("15:04:05.999999999", s); err != nil {
		if _, err := time.Parse("15:04", s); err != nil {
			return nil, fmt.Errorf("invalid time of day %q", s)
		}
	}
	return s, nil
}

// convertDuration accepts an ISO 8601 duration such as P1DT2H.
func convertDuration(raw any) (any, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, mismatch(raw)
	}
	body := strings.TrimPrefix(s, "-")
	if len(body) < 2 || body[0] != 'P' {
		return nil, fmt.Errorf("invalid duration %q", s)
	}
	return s, nil
}

func convertBinary(raw any) (any, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, mismatch(raw)
	}
	if _, err := base64.StdEncoding.DecodeString(s); err != nil {
		if _, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "=")); err != nil {
			return nil, errors.New("invalid base64")
		}
	}
	return s, nil
}
