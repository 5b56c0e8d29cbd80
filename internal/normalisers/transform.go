package normalisers

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
)

// Reasons recorded on field warnings that are not conversion errors.
const (
	reasonMissingKey = "missing key field"
)

// Transform maps a raw entity payload to a canonical record using the
// default converters.
func Transform(desc domain.EntityDescriptor, raw map[string]any) (domain.CanonicalRecord, []domain.FieldWarning) {
	return defaultRegistry.Transform(desc, raw)
}

// Transform maps a raw entity payload to a canonical record.
//
// Declared fields are converted according to their EDM type. A value that
// does not fit its type is replaced with null and reported as a warning;
// the record is always emitted. Undeclared properties (lookup values,
// expanded navigations, formatted-value annotations) pass through as
// decoded. OData control annotations are dropped, except the ETag.
func (r *Registry) Transform(desc domain.EntityDescriptor, raw map[string]any) (domain.CanonicalRecord, []domain.FieldWarning) {
	rec := domain.CanonicalRecord{
		Entity: desc.EntitySetName,
		Fields: make(map[string]any, len(raw)),
	}

	if id, ok := deletedID(raw); ok {
		rec.Key = id
		rec.Deleted = true
		return rec, nil
	}

	if etag, ok := raw["@odata.etag"].(string); ok {
		rec.ETag = etag
	}

	types := make(map[string]string, len(desc.Fields))
	for _, f := range desc.Fields {
		types[f.Name] = f.Type
	}

	var warnings []domain.FieldWarning
	for name, value := range raw {
		if strings.HasPrefix(name, "@odata.") || strings.HasPrefix(name, "@removed") {
			continue
		}
		typ, declared := types[name]
		if !declared {
			rec.Fields[name] = value
			continue
		}
		v, err := r.Convert(typ, value)
		if err != nil {
			rec.Fields[name] = nil
			warnings = append(warnings, domain.FieldWarning{
				Entity:  desc.EntitySetName,
				Field:   name,
				EDMType: typ,
				Reason:  err.Error(),
			})
			continue
		}
		rec.Fields[name] = v
	}

	key, missing := recordKey(desc, types, rec.Fields)
	rec.Key = key
	for _, name := range missing {
		warnings = append(warnings, domain.FieldWarning{
			Entity:  desc.EntitySetName,
			Field:   name,
			EDMType: types[name],
			Reason:  reasonMissingKey,
		})
	}

	for i := range warnings {
		warnings[i].Key = key
	}
	sort.Slice(warnings, func(i, j int) bool {
		if warnings[i].Field != warnings[j].Field {
			return warnings[i].Field < warnings[j].Field
		}
		return warnings[i].Reason < warnings[j].Reason
	})
	return rec, warnings
}

// recordKey renders the record key. A single key is its plain value; a
// composite key is a predicate such as dataAreaId='usmf',CustomerAccount='C1'.
// It also returns the key fields that were absent or null.
func recordKey(desc domain.EntityDescriptor, types map[string]string, fields map[string]any) (string, []string) {
	var missing []string
	for _, name := range desc.KeyFields {
		if fields[name] == nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 || len(desc.KeyFields) == 0 {
		return "", missing
	}

	if len(desc.KeyFields) == 1 {
		return literal(fields[desc.KeyFields[0]]), nil
	}

	parts := make([]string, len(desc.KeyFields))
	for i, name := range desc.KeyFields {
		v := literal(fields[name])
		if _, isString := fields[name].(string); isString && types[name] != domain.EDMGuid {
			v = "'" + strings.ReplaceAll(v, "'", "''") + "'"
		}
		parts[i] = name + "=" + v
	}
	return strings.Join(parts, ","), nil
}

func literal(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}

// deletedID recognises a tombstone in a change-tracking response. Dataverse
// emits rows under a $deletedEntity context; OData 4.01 services use
// @removed with an @id such as accounts(<guid>).
func deletedID(raw map[string]any) (string, bool) {
	if ctx, _ := raw["@odata.context"].(string); strings.Contains(ctx, "$deletedEntity") {
		id, _ := raw["id"].(string)
		return id, true
	}
	if _, ok := raw["@removed"]; ok {
		id, _ := raw["@id"].(string)
		if open := strings.Index(id, "("); open >= 0 && strings.HasSuffix(id, ")") {
			id = id[open+1 : len(id)-1]
		}
		return id, true
	}
	return "", false
}
