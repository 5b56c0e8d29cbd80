package normalisers

import (
	"sort"
	"strings"
	"sync"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
	"github.com/custodia-labs/d365-sync/internal/core/ports/driven"
)

// Converter turns a decoded JSON value into its canonical Go value.
// Values arrive from a decoder with UseNumber set, so numbers are
// json.Number.
type Converter func(raw any) (any, error)

// Ensure Registry implements the interface.
var _ driven.Transformer = (*Registry)(nil)

// Registry maps EDM type names to converters.
type Registry struct {
	mu     sync.RWMutex
	byType map[string]Converter
}

// defaultRegistry backs the package level Transform.
var defaultRegistry = NewRegistry()

// NewRegistry creates a registry with converters for the EDM primitives.
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[string]Converter)}

	r.Register(domain.EDMString, convertString)
	r.Register(domain.EDMGuid, convertGUID)
	r.Register(domain.EDMBoolean, convertBoolean)
	r.Register(domain.EDMByte, integer(0, 255))
	r.Register(domain.EDMSByte, integer(-128, 127))
	r.Register(domain.EDMInt16, integer(-1<<15, 1<<15-1))
	r.Register(domain.EDMInt32, integer(-1<<31, 1<<31-1))
	r.Register(domain.EDMInt64, integer(-1<<63, 1<<63-1))
	r.Register(domain.EDMDecimal, convertDecimal)
	r.Register(domain.EDMDouble, convertFloat)
	r.Register(domain.EDMSingle, convertFloat)
	r.Register(domain.EDMDate, convertDate)
	r.Register(domain.EDMDateTimeOffset, convertDateTimeOffset)
	r.Register(domain.EDMTimeOfDay, convertTimeOfDay)
	r.Register(domain.EDMDuration, convertDuration)
	r.Register(domain.EDMBinary, convertBinary)

	return r
}

// Register adds or replaces the converter for an EDM type.
func (r *Registry) Register(edmType string, c Converter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[edmType] = c
}

// Convert converts raw according to edmType. Collection(T) converts each
// element with T's converter. Types without a converter, such as enums
// and complex types, pass through unchanged.
func (r *Registry) Convert(edmType string, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}

	if inner, ok := collectionOf(edmType); ok {
		items, ok := raw.([]any)
		if !ok {
			return nil, mismatch(raw)
		}
		out := make([]any, len(items))
		for i, item := range items {
			v, err := r.Convert(inner, item)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}

	r.mu.RLock()
	c, ok := r.byType[edmType]
	r.mu.RUnlock()
	if !ok {
		return raw, nil
	}
	return c(raw)
}

// SupportedTypes returns the EDM types with a registered converter.
func (r *Registry) SupportedTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func collectionOf(edmType string) (string, bool) {
	if strings.HasPrefix(edmType, "Collection(") && strings.HasSuffix(edmType, ")") {
		return edmType[len("Collection(") : len(edmType)-1], true
	}
	return "", false
}
