package dynamics

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
)

const changeTrackingTerm = "Org.OData.Capabilities.V1.ChangeTracking"

// modifiedFieldCandidates are last-modified properties in preference order.
var modifiedFieldCandidates = []string{
	"modifiedon",
	"ModifiedDateTime",
	"ModifiedDateTime1",
	"ModifiedOn",
	"LastModifiedDateTime",
}

type edmx struct {
	XMLName      xml.Name `xml:"Edmx"`
	DataServices struct {
		Schemas []edmSchema `xml:"Schema"`
	} `xml:"DataServices"`
}

type edmSchema struct {
	Namespace   string             `xml:"Namespace,attr"`
	Alias       string             `xml:"Alias,attr"`
	EntityTypes []edmEntityType    `xml:"EntityType"`
	Containers  []edmContainer     `xml:"EntityContainer"`
	Annotations []edmAnnotationSet `xml:"Annotations"`
}

type edmEntityType struct {
	Name     string `xml:"Name,attr"`
	BaseType string `xml:"BaseType,attr"`
	Abstract bool   `xml:"Abstract,attr"`
	Key      struct {
		PropertyRefs []struct {
			Name string `xml:"Name,attr"`
		} `xml:"PropertyRef"`
	} `xml:"Key"`
	Properties []struct {
		Name     string `xml:"Name,attr"`
		Type     string `xml:"Type,attr"`
		Nullable string `xml:"Nullable,attr"`
	} `xml:"Property"`
	NavigationProperties []struct {
		Name string `xml:"Name,attr"`
		Type string `xml:"Type,attr"`
	} `xml:"NavigationProperty"`
}

type edmContainer struct {
	Name       string         `xml:"Name,attr"`
	EntitySets []edmEntitySet `xml:"EntitySet"`
}

type edmEntitySet struct {
	Name        string          `xml:"Name,attr"`
	EntityType  string          `xml:"EntityType,attr"`
	Annotations []edmAnnotation `xml:"Annotation"`
}

type edmAnnotationSet struct {
	Target      string          `xml:"Target,attr"`
	Annotations []edmAnnotation `xml:"Annotation"`
}

type edmAnnotation struct {
	Term   string `xml:"Term,attr"`
	Bool   string `xml:"Bool,attr"`
	Record struct {
		PropertyValues []struct {
			Property string `xml:"Property,attr"`
			Bool     string `xml:"Bool,attr"`
		} `xml:"PropertyValue"`
	} `xml:"Record"`
}

// supportsChangeTracking reads a Capabilities.ChangeTracking annotation.
func (a edmAnnotation) supportsChangeTracking() (supported, ok bool) {
	if a.Term != changeTrackingTerm {
		return false, false
	}
	if a.Bool != "" {
		return a.Bool == "true", true
	}
	for _, pv := range a.Record.PropertyValues {
		if pv.Property == "Supported" {
			return pv.Bool == "true", true
		}
	}
	return false, true
}

// ParseMetadata parses an EDMX document into a catalog keyed by entity set.
// Change tracking is only reported for Dataverse, the one product whose
// Web API issues delta links.
func ParseMetadata(data []byte, product domain.ProductType) (domain.Catalog, error) {
	var doc edmx
	dec := xml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		return nil, &domain.MetadataError{Kind: domain.MetadataUnparseable, Err: err}
	}

	types := make(map[string]*edmEntityType)
	for si := range doc.DataServices.Schemas {
		s := &doc.DataServices.Schemas[si]
		for ti := range s.EntityTypes {
			t := &s.EntityTypes[ti]
			types[s.Namespace+"."+t.Name] = t
			if s.Alias != "" {
				types[s.Alias+"."+t.Name] = t
			}
		}
	}

	tracked := make(map[string]bool)
	for _, s := range doc.DataServices.Schemas {
		for _, set := range s.Annotations {
			for _, a := range set.Annotations {
				if supported, ok := a.supportsChangeTracking(); ok {
					tracked[containerMember(set.Target)] = supported
				}
			}
		}
	}

	catalog := make(domain.Catalog)
	for _, s := range doc.DataServices.Schemas {
		for _, c := range s.Containers {
			for _, es := range c.EntitySets {
				t, ok := types[es.EntityType]
				if !ok {
					continue
				}
				desc, err := describe(es, t, types)
				if err != nil {
					return nil, &domain.MetadataError{Kind: domain.MetadataUnparseable, Err: err}
				}
				supported := tracked[es.Name]
				for _, a := range es.Annotations {
					if v, ok := a.supportsChangeTracking(); ok {
						supported = v
					}
				}
				desc.SupportsChangeTracking = supported && product == domain.ProductDataverse
				catalog[es.Name] = desc
			}
		}
	}

	if len(catalog) == 0 {
		return nil, &domain.MetadataError{
			Kind: domain.MetadataUnparseable,
			Err:  errors.New("no entity sets found"),
		}
	}
	return catalog, nil
}

// describe flattens an entity type and its base types into a descriptor.
func describe(es edmEntitySet, t *edmEntityType, types map[string]*edmEntityType) (domain.EntityDescriptor, error) {
	chain := []*edmEntityType{t}
	seen := map[*edmEntityType]bool{t: true}
	for cur := t; cur.BaseType != ""; {
		base, ok := types[cur.BaseType]
		if !ok {
			break
		}
		if seen[base] {
			return domain.EntityDescriptor{}, fmt.Errorf("entity type %s has a cyclic base type", t.Name)
		}
		seen[base] = true
		chain = append(chain, base)
		cur = base
	}

	desc := domain.EntityDescriptor{
		LogicalName:   t.Name,
		EntitySetName: es.Name,
	}
	// Base types first so declared order matches the service's.
	for i := len(chain) - 1; i >= 0; i-- {
		et := chain[i]
		if len(et.Key.PropertyRefs) > 0 {
			desc.KeyFields = desc.KeyFields[:0]
			for _, ref := range et.Key.PropertyRefs {
				desc.KeyFields = append(desc.KeyFields, ref.Name)
			}
		}
		for _, p := range et.Properties {
			desc.Fields = append(desc.Fields, domain.Field{
				Name:     p.Name,
				Type:     p.Type,
				Nullable: p.Nullable != "false",
			})
		}
		for _, n := range et.NavigationProperties {
			target, collection := navigationTarget(n.Type)
			desc.NavigationProperties = append(desc.NavigationProperties, domain.NavigationProperty{
				Name:       n.Name,
				Target:     target,
				Collection: collection,
			})
		}
	}

	desc.ModifiedField = modifiedField(desc)
	return desc, nil
}

func modifiedField(desc domain.EntityDescriptor) string {
	for _, name := range modifiedFieldCandidates {
		if f, ok := desc.Field(name); ok && f.Type == domain.EDMDateTimeOffset {
			return name
		}
	}
	return ""
}

// navigationTarget strips the namespace and Collection() wrapper.
func navigationTarget(typ string) (string, bool) {
	collection := false
	if strings.HasPrefix(typ, "Collection(") && strings.HasSuffix(typ, ")") {
		typ = strings.TrimSuffix(strings.TrimPrefix(typ, "Collection("), ")")
		collection = true
	}
	if i := strings.LastIndex(typ, "."); i >= 0 {
		typ = typ[i+1:]
	}
	return typ, collection
}

// containerMember returns the entity set part of an annotation target
// such as "Microsoft.Dynamics.CRM.System/accounts".
func containerMember(target string) string {
	if i := strings.LastIndex(target, "/"); i >= 0 {
		return target[i+1:]
	}
	return target
}
