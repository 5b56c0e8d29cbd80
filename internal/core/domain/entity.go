package domain

import (
	"sort"
	"strings"
)

// EDM primitive type names as they appear in $metadata.
const (
	EDMString         = "Edm.String"
	EDMGuid           = "Edm.Guid"
	EDMBoolean        = "Edm.Boolean"
	EDMByte           = "Edm.Byte"
	EDMSByte          = "Edm.SByte"
	EDMInt16          = "Edm.Int16"
	EDMInt32          = "Edm.Int32"
	EDMInt64          = "Edm.Int64"
	EDMDecimal        = "Edm.Decimal"
	EDMDouble         = "Edm.Double"
	EDMSingle         = "Edm.Single"
	EDMDate           = "Edm.Date"
	EDMDateTimeOffset = "Edm.DateTimeOffset"
	EDMTimeOfDay      = "Edm.TimeOfDay"
	EDMDuration       = "Edm.Duration"
	EDMBinary         = "Edm.Binary"
)

// Field is a single structural property of an entity.
type Field struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// NavigationProperty links an entity to another entity type.
type NavigationProperty struct {
	Name       string `json:"name"`
	Target     string `json:"target"`
	Collection bool   `json:"collection"`
}

// EntityDescriptor describes one entity set as parsed from $metadata.
// Descriptors are immutable once built.
type EntityDescriptor struct {
	LogicalName   string `json:"logical_name"`
	EntitySetName string `json:"entity_set_name"`
	// KeyFields holds the key properties in declaration order. Finance &
	// Operations entities commonly have composite keys (dataAreaId + id).
	KeyFields              []string             `json:"key_fields"`
	Fields                 []Field              `json:"fields"`
	NavigationProperties   []NavigationProperty `json:"navigation_properties,omitempty"`
	SupportsChangeTracking bool                 `json:"supports_change_tracking"`
	// ModifiedField is the last-modified property used for timestamp deltas.
	// Empty when the entity exposes none.
	ModifiedField string `json:"modified_field,omitempty"`
}

// PrimaryKeyField returns the first key property.
func (d EntityDescriptor) PrimaryKeyField() string {
	if len(d.KeyFields) == 0 {
		return ""
	}
	return d.KeyFields[0]
}

// Field returns the named field.
func (d EntityDescriptor) Field(name string) (Field, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Navigation returns the named navigation property.
func (d EntityDescriptor) Navigation(name string) (NavigationProperty, bool) {
	for _, n := range d.NavigationProperties {
		if n.Name == name {
			return n, true
		}
	}
	return NavigationProperty{}, false
}

// Catalog is the set of entity descriptors of one environment keyed by
// entity set name.
type Catalog map[string]EntityDescriptor

// Names returns the entity set names in sorted order.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup resolves an entity by set name, logical name, or prefix, in that
// order. Prefix matching lets "CustomersV3" find "CustomersV3Type".
func (c Catalog) Lookup(name string) (EntityDescriptor, bool) {
	if name == "" {
		return EntityDescriptor{}, false
	}
	if d, ok := c[name]; ok {
		return d, true
	}
	for _, setName := range c.Names() {
		d := c[setName]
		if strings.EqualFold(setName, name) || strings.EqualFold(d.LogicalName, name) {
			return d, true
		}
	}
	for _, setName := range c.Names() {
		d := c[setName]
		if strings.HasPrefix(d.LogicalName, name) {
			return d, true
		}
	}
	return EntityDescriptor{}, false
}
