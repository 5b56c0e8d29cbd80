package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
)

type noArgs struct{}

type entityArgs struct {
	Entity string `json:"entity" jsonschema:"entity set name, entity type name, or a prefix of either"`
}

type queryArgs struct {
	Entity       string `json:"entity" jsonschema:"entity set name"`
	Select       string `json:"select,omitempty" jsonschema:"comma separated fields to return"`
	Filter       string `json:"filter,omitempty" jsonschema:"OData $filter expression"`
	OrderBy      string `json:"orderby,omitempty" jsonschema:"OData $orderby expression"`
	Top          int    `json:"top,omitempty" jsonschema:"maximum records, default 50, at most 1000"`
	Skip         int    `json:"skip,omitempty" jsonschema:"records to skip"`
	Expand       string `json:"expand,omitempty" jsonschema:"comma separated navigation properties to expand"`
	Count        bool   `json:"count,omitempty" jsonschema:"include the total record count"`
	CrossCompany *bool  `json:"cross_company,omitempty" jsonschema:"query all legal entities (Finance and Operations only), default true"`
}

type recordArgs struct {
	Entity string `json:"entity" jsonschema:"entity set name"`
	ID     string `json:"id" jsonschema:"record key; GUID, string, or a composite key predicate"`
}

// metadataSummary is the get_metadata answer.
type metadataSummary struct {
	Entity                 string   `json:"entity"`
	EntityType             string   `json:"entity_type"`
	Keys                   []string `json:"keys"`
	Properties             []string `json:"properties"`
	Navigation             []string `json:"navigation,omitempty"`
	SupportsChangeTracking bool     `json:"supports_change_tracking"`
}

func (s *Server) listEntities(ctx context.Context, _ *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, any, error) {
	entities, err := s.env.ListEntities(ctx)
	return respond("list_entities", map[string]any{"count": len(entities), "entities": entities}, err)
}

func (s *Server) queryEntity(ctx context.Context, _ *mcp.CallToolRequest, in queryArgs) (*mcp.CallToolResult, any, error) {
	opts := domain.QueryOptions{
		Select:       domain.SplitList(in.Select),
		Filter:       in.Filter,
		OrderBy:      in.OrderBy,
		Top:          in.Top,
		Skip:         in.Skip,
		Expand:       domain.SplitList(in.Expand),
		Count:        in.Count,
		CrossCompany: in.CrossCompany == nil || *in.CrossCompany,
	}
	res, err := s.env.Query(ctx, strings.TrimSpace(in.Entity), opts)
	return respond("query_entity", res, err)
}

func (s *Server) getEntitySchema(ctx context.Context, _ *mcp.CallToolRequest, in entityArgs) (*mcp.CallToolResult, any, error) {
	res, err := s.env.GetSchema(ctx, strings.TrimSpace(in.Entity))
	return respond("get_entity_schema", res, err)
}

func (s *Server) getMetadata(ctx context.Context, _ *mcp.CallToolRequest, in entityArgs) (*mcp.CallToolResult, any, error) {
	res, err := s.env.GetSchema(ctx, strings.TrimSpace(in.Entity))
	if err != nil {
		return respond("get_metadata", nil, err)
	}
	return respond("get_metadata", summarise(res.Entity), nil)
}

func summarise(desc domain.EntityDescriptor) metadataSummary {
	out := metadataSummary{
		Entity:                 desc.EntitySetName,
		EntityType:             desc.LogicalName,
		Keys:                   desc.KeyFields,
		Properties:             make([]string, 0, len(desc.Fields)),
		SupportsChangeTracking: desc.SupportsChangeTracking,
	}
	if out.Keys == nil {
		out.Keys = []string{}
	}
	for _, f := range desc.Fields {
		p := fmt.Sprintf("%s: %s", f.Name, f.Type)
		if !f.Nullable {
			p += " (required)"
		}
		out.Properties = append(out.Properties, p)
	}
	for _, n := range desc.NavigationProperties {
		if n.Collection {
			out.Navigation = append(out.Navigation, fmt.Sprintf("%s -> [%s]", n.Name, n.Target))
		} else {
			out.Navigation = append(out.Navigation, fmt.Sprintf("%s -> %s", n.Name, n.Target))
		}
	}
	return out
}

func (s *Server) getRecord(ctx context.Context, _ *mcp.CallToolRequest, in recordArgs) (*mcp.CallToolResult, any, error) {
	res, err := s.env.GetRecord(ctx, strings.TrimSpace(in.Entity), in.ID)
	return respond("get_record", res, err)
}

func (s *Server) getEnvironmentInfo(ctx context.Context, _ *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, any, error) {
	res, err := s.env.GetEnvironmentInfo(ctx)
	return respond("get_environment_info", res, err)
}

func (s *Server) refreshMetadata(ctx context.Context, _ *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, any, error) {
	res, err := s.env.RefreshMetadata(ctx)
	return respond("refresh_metadata", res, err)
}

func (s *Server) getSyncState(ctx context.Context, _ *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, any, error) {
	states, err := s.sync.Status(ctx)
	if states == nil {
		states = []domain.SyncState{}
	}
	return respond("get_sync_state", map[string]any{"states": states}, err)
}
