// Package mcpserver exposes the environment read operations as MCP tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
	"github.com/custodia-labs/d365-sync/internal/core/ports/driving"
	"github.com/custodia-labs/d365-sync/internal/logger"
)

// ServerName is the implementation name announced to clients.
const ServerName = "d365sync"

// Server is an MCP server backed by an EnvironmentService.
type Server struct {
	env    driving.EnvironmentService
	sync   driving.SyncOrchestrator
	server *mcp.Server
}

// New creates a server and registers its tools. sync may be nil, in
// which case get_sync_state is not offered.
func New(env driving.EnvironmentService, sync driving.SyncOrchestrator, version string) *Server {
	s := &Server{
		env:    env,
		sync:   sync,
		server: mcp.NewServer(&mcp.Implementation{Name: ServerName, Version: version}, nil),
	}
	s.registerTools()
	return s
}

// MCP returns the underlying SDK server.
func (s *Server) MCP() *mcp.Server {
	return s.server
}

// Run serves over stdin and stdout until ctx is done or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	logger.Info("mcp: serving on stdio")
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_entities",
		Description: "List every entity set published in the environment's $metadata.",
	}, s.listEntities)

	mcp.AddTool(s.server, &mcp.Tool{
		Name: "query_entity",
		Description: "Query an entity set with OData options. Returns one page; " +
			"top defaults to 50 and is capped at 1000. Use next_link with skip to page.",
	}, s.queryEntity)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_entity_schema",
		Description: "Describe an entity: key fields, typed fields and change tracking support.",
	}, s.getEntitySchema)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_metadata",
		Description: "Summarise an entity's $metadata: keys, properties and navigation properties.",
	}, s.getMetadata)

	mcp.AddTool(s.server, &mcp.Tool{
		Name: "get_record",
		Description: "Fetch one record by key and return it in canonical form. " +
			"Composite keys are passed as dataAreaId='usmf',CustomerAccount='C1'.",
	}, s.getRecord)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_environment_info",
		Description: "Describe the connected environment and engine settings.",
	}, s.getEnvironmentInfo)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "refresh_metadata",
		Description: "Drop the cached $metadata document and fetch it again.",
	}, s.refreshMetadata)

	if s.sync != nil {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        "get_sync_state",
			Description: "Show the persisted sync position of every entity.",
		}, s.getSyncState)
	}
}

// jsonResult renders v as indented JSON text content.
func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Errorf("encode result: %w", err))
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(data)}}}
}

// errorResult reports err to the client as a tool error carrying the
// structured error object.
func errorResult(err error) *mcp.CallToolResult {
	data, merr := json.Marshal(map[string]*domain.ErrorInfo{"error": domain.ErrorInfoOf(err)})
	if merr != nil {
		data = []byte(err.Error())
	}
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}

func respond(tool string, v any, err error) (*mcp.CallToolResult, any, error) {
	if err != nil {
		logger.Warn("mcp: %s: %v", tool, err)
		return errorResult(err), nil, nil
	}
	return jsonResult(v), nil, nil
}
