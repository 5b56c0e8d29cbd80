package domain

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// FormatKey renders a record id as an OData key predicate body.
//
// Composite keys (containing "=") and pre-quoted keys pass through. A key
// whose declared type is Edm.Guid, or any GUID on Dataverse, is left bare.
// Numeric keys are left bare. Anything else is a string literal and is
// quoted with embedded quotes doubled.
func FormatKey(id, keyType string, product ProductType) string {
	id = strings.TrimSpace(id)
	switch {
	case id == "":
		return id
	case strings.Contains(id, "=") || strings.HasPrefix(id, "'"):
		return id
	case keyType == EDMGuid:
		return id
	case keyType == EDMString:
		return quoteKey(id)
	case product == ProductDataverse && IsGUID(id):
		return id
	case isInteger(id):
		return id
	default:
		return quoteKey(id)
	}
}

// IsGUID reports whether s is a GUID in 8-4-4-4-12 form.
func IsGUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

func quoteKey(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func isInteger(s string) bool {
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}
