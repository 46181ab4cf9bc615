package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/insightline/internal/assistant"
	"github.com/kalambet/insightline/internal/learning"
)

const (
	defaultExemplarLimit = 5
	maxExemplarLimit     = 50
)

// MCPLearning is the part of the learning store the MCP tools use.
type MCPLearning interface {
	Classify(question string) string
	WorkingQueries(ctx context.Context, tenantID, datasetID, intent string, limit int) ([]string, error)
}

// MCPQueueStats reports queue item counts by status.
type MCPQueueStats interface {
	CountQueueItems(ctx context.Context) (map[string]int, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Executor assistant.Executor
	Learning MCPLearning
	Buckets  []learning.Bucket
	Queue    MCPQueueStats // optional; the queue resource is omitted when nil
	MaxRows  int
	Version  string
}

// NewMCPServer creates an MCP server exposing the DAX tools to operators.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.MaxRows <= 0 {
		deps.MaxRows = assistant.DefaultMaxRows
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}

	s := server.NewMCPServer(
		"insightline",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("insightline: run DAX against configured Power BI datasets and inspect the learned query exemplars."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("execute_query",
			mcp.WithDescription("Run a DAX query against a dataset and return the rows as JSON."),
			mcp.WithString("connection_id", mcp.Description("Power BI connection id"), mcp.Required()),
			mcp.WithString("dataset_id", mcp.Description("Dataset id"), mcp.Required()),
			mcp.WithString("query", mcp.Description("DAX query, usually starting with EVALUATE"), mcp.Required()),
		),
		mcpExecuteQuery(deps),
	)

	s.AddTool(
		mcp.NewTool("working_queries",
			mcp.WithDescription("List DAX queries that previously succeeded for a dataset and intent, most used first."),
			mcp.WithString("tenant_id", mcp.Description("Tenant that owns the dataset"), mcp.Required()),
			mcp.WithString("dataset_id", mcp.Description("Dataset id"), mcp.Required()),
			mcp.WithString("intent", mcp.Description("Intent bucket; classified from question when omitted")),
			mcp.WithString("question", mcp.Description("Natural-language question used to pick the intent")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of queries (default 5)")),
		),
		mcpWorkingQueries(deps),
	)

	s.AddTool(
		mcp.NewTool("classify_intent",
			mcp.WithDescription("Return the intent bucket a question falls into."),
			mcp.WithString("question", mcp.Description("Natural-language question"), mcp.Required()),
		),
		mcpClassifyIntent(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"insightline://intents",
			"Intent Buckets",
			mcp.WithResourceDescription("Intent buckets and their keywords"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceIntents(deps),
	)

	if deps.Queue != nil {
		s.AddResource(
			mcp.NewResource(
				"insightline://queue",
				"Queue Status",
				mcp.WithResourceDescription("Queue item counts by status"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceQueue(deps),
		)
	}

	return s
}

func mcpExecuteQuery(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		connID, err := req.RequireString("connection_id")
		if err != nil {
			return mcpError("connection_id is required"), nil
		}
		datasetID, err := req.RequireString("dataset_id")
		if err != nil {
			return mcpError("dataset_id is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil || query == "" {
			return mcpError("query is required"), nil
		}

		res, err := deps.Executor.Execute(ctx, connID, datasetID, query)
		if err != nil {
			return mcpError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return mcpText(assistant.FormatRows(res, deps.MaxRows)), nil
	}
}

func mcpWorkingQueries(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tenantID, err := req.RequireString("tenant_id")
		if err != nil {
			return mcpError("tenant_id is required"), nil
		}
		datasetID, err := req.RequireString("dataset_id")
		if err != nil {
			return mcpError("dataset_id is required"), nil
		}

		intent := req.GetString("intent", "")
		if intent == "" {
			question := req.GetString("question", "")
			if question == "" {
				return mcpError("either intent or question is required"), nil
			}
			intent = deps.Learning.Classify(question)
		}

		limit := req.GetInt("limit", defaultExemplarLimit)
		if limit <= 0 {
			limit = defaultExemplarLimit
		}
		if limit > maxExemplarLimit {
			limit = maxExemplarLimit
		}

		queries, err := deps.Learning.WorkingQueries(ctx, tenantID, datasetID, intent, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("lookup failed: %v", err)), nil
		}
		if queries == nil {
			queries = []string{}
		}

		b, err := json.Marshal(map[string]any{
			"intent":  intent,
			"queries": queries,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpClassifyIntent(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		return mcpText(deps.Learning.Classify(question)), nil
	}
}

func mcpResourceIntents(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		type bucket struct {
			Name     string   `json:"name"`
			Keywords []string `json:"keywords"`
		}
		out := make([]bucket, len(deps.Buckets))
		for i, b := range deps.Buckets {
			out[i] = bucket{Name: b.Name, Keywords: b.Keywords}
		}
		return jsonResource(req.Params.URI, out)
	}
}

func mcpResourceQueue(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		counts, err := deps.Queue.CountQueueItems(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count queue items: %w", err)
		}
		return jsonResource(req.Params.URI, counts)
	}
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
