package mcpadapter

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/db-agent/internal/core/domain"
	"github.com/kirillkom/db-agent/internal/core/ports"
	"github.com/kirillkom/db-agent/internal/core/usecase"
)

const serverName = "db-agent"

// Tools exposes the agent's closed action set as MCP tools. Every call goes
// through the same dispatcher the agent loop uses, so mutations without a
// filter are refused here too.
type Tools struct {
	dispatcher  ports.ActionDispatcher
	collections ports.CollectionLister
	toolTimeout time.Duration
}

func NewTools(dispatcher ports.ActionDispatcher, collections ports.CollectionLister, toolTimeout time.Duration) *Tools {
	if toolTimeout <= 0 {
		toolTimeout = 30 * time.Second
	}
	return &Tools{
		dispatcher:  dispatcher,
		collections: collections,
		toolTimeout: toolTimeout,
	}
}

// NewServer builds an MCP server with every tool registered.
func (t *Tools) NewServer(version string) *server.MCPServer {
	s := server.NewMCPServer(serverName, version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	s.AddTool(mcp.NewTool("list_collections",
		mcp.WithDescription("List the collections of the configured database."),
	), t.listCollections)

	s.AddTool(mcp.NewTool("get_schema",
		mcp.WithDescription("Infer field names and types of collections from sampled documents."),
		mcp.WithArray("collections",
			mcp.Required(),
			mcp.Description("Collection names to describe."),
			mcp.Items(map[string]any{"type": "string"}),
		),
	), t.dispatchTool(string(domain.ActionSchemaProbe)))

	s.AddTool(mcp.NewTool("query",
		mcp.WithDescription("Read documents with find, count or aggregate."),
		mcp.WithString("collection", mcp.Required(), mcp.Description("Collection name.")),
		mcp.WithString("type",
			mcp.Description("Query type."),
			mcp.Enum(string(domain.QueryFind), string(domain.QueryCount), string(domain.QueryAggregate)),
		),
		mcp.WithObject("filter", mcp.Description("Query filter document.")),
		mcp.WithObject("projection", mcp.Description("Projection for find.")),
		mcp.WithArray("pipeline", mcp.Description("Aggregation pipeline stages.")),
	), t.dispatchTool(string(domain.ActionQuery)))

	s.AddTool(mcp.NewTool("insert",
		mcp.WithDescription("Insert one document."),
		mcp.WithString("collection", mcp.Required(), mcp.Description("Collection name.")),
		mcp.WithObject("document", mcp.Required(), mcp.Description("Document to insert.")),
	), t.dispatchTool(string(domain.ActionInsert)))

	s.AddTool(mcp.NewTool("update",
		mcp.WithDescription("Update every document matching a non-empty filter."),
		mcp.WithString("collection", mcp.Required(), mcp.Description("Collection name.")),
		mcp.WithObject("filter", mcp.Required(), mcp.Description("Non-empty filter selecting documents.")),
		mcp.WithObject("update", mcp.Required(), mcp.Description("Update document, for example {\"$set\": {...}}.")),
	), t.dispatchTool(string(domain.ActionUpdate)))

	s.AddTool(mcp.NewTool("delete",
		mcp.WithDescription("Delete every document matching a non-empty filter."),
		mcp.WithString("collection", mcp.Required(), mcp.Description("Collection name.")),
		mcp.WithObject("filter", mcp.Required(), mcp.Description("Non-empty filter selecting documents.")),
	), t.dispatchTool(string(domain.ActionDelete)))

	return s
}

func (t *Tools) listCollections(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	names, err := t.collections.ListCollectionNames(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if names == nil {
		names = []string{}
	}
	raw, err := json.Marshal(names)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(raw)), nil
}

func (t *Tools) dispatchTool(tag string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		action, err := usecase.ActionFromArguments(tag, request.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		toolCtx, cancel := context.WithTimeout(ctx, t.toolTimeout)
		defer cancel()
		result := t.dispatcher.Dispatch(toolCtx, action)

		status := "ok"
		if !result.OK() {
			status = "error"
		}
		slog.Info("mcp_tool_call",
			"tool", request.Params.Name,
			"action", tag,
			"collection", result.Collection,
			"status", status,
		)

		if !result.OK() {
			return mcp.NewToolResultError(strings.TrimPrefix(result.Summary(), "Error: ")), nil
		}
		return mcp.NewToolResultText(result.Summary()), nil
	}
}

// ServeStdio blocks serving MCP over stdin/stdout.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}
