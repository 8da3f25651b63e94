package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/searchpulse/internal/actions"
	"github.com/kalambet/searchpulse/internal/insights"
	"github.com/kalambet/searchpulse/internal/storage"
)

// MCPDeps holds dependencies for the MCP server. Every tool is read-only.
type MCPDeps struct {
	Store    *storage.Store
	Insights *insights.Store
	Actions  *actions.Generator
	Version  string
}

// NewMCPServer creates an MCP server with the review tools and resources
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"searchpulse",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("searchpulse: search performance insights, prioritized actions and ingestion status."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_insights",
			mcp.WithDescription("List detected search performance insights, newest first."),
			mcp.WithString("property", mcp.Description("Property to filter by, e.g. sc-domain:example.com")),
			mcp.WithString("status", mcp.Description("NEW, DIAGNOSED, RESOLVED or DISMISSED")),
			mcp.WithString("category", mcp.Description("anomaly, opportunity or diagnosis")),
			mcp.WithString("from", mcp.Description("Earliest creation date, YYYY-MM-DD")),
			mcp.WithString("to", mcp.Description("Latest creation date, YYYY-MM-DD")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpListInsights(deps),
	)

	s.AddTool(
		mcp.NewTool("get_insight",
			mcp.WithDescription("Get one insight with its evidence and status history."),
			mcp.WithString("id", mcp.Description("Insight id"), mcp.Required()),
		),
		mcpGetInsight(deps),
	)

	s.AddTool(
		mcp.NewTool("list_actions",
			mcp.WithDescription("List action items in priority order."),
			mcp.WithString("property", mcp.Description("Property to filter by")),
			mcp.WithString("status", mcp.Description("pending, in_progress, completed or cancelled")),
			mcp.WithString("from", mcp.Description("Earliest creation date, YYYY-MM-DD")),
			mcp.WithString("to", mcp.Description("Latest creation date, YYYY-MM-DD")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpListActions(deps),
	)

	s.AddTool(
		mcp.NewTool("watermark_status",
			mcp.WithDescription("Show the ingestion watermark of every (property, source)."),
			mcp.WithString("property", mcp.Description("Property to filter by")),
		),
		mcpWatermarkStatus(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"searchpulse://actions/open",
			"Open Actions",
			mcp.WithResourceDescription("Open actions: in-progress first, then pending, each in priority order"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceOpenActions(deps),
	)

	return s
}

func toolLimit(req mcp.CallToolRequest) int {
	limit := req.GetInt("limit", 20)
	if limit <= 0 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}
	return limit
}

func mcpListInsights(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		f := storage.InsightFilter{
			Property: req.GetString("property", ""),
			Limit:    toolLimit(req),
		}
		if s := req.GetString("status", ""); s != "" {
			st, err := insights.ParseStatus(s)
			if err != nil {
				return mcpError(err.Error()), nil
			}
			f.Status = st
		}
		if c := req.GetString("category", ""); c != "" {
			f.Category = storage.Category(c)
		}
		var err error
		if f.From, err = storage.ParseDay(req.GetString("from", "")); err != nil {
			return mcpError("from must be YYYY-MM-DD"), nil
		}
		if f.To, err = storage.ParseDay(req.GetString("to", "")); err != nil {
			return mcpError("to must be YYYY-MM-DD"), nil
		}
		f.To = endOfDay(f.To)

		list, err := deps.Insights.List(ctx, f)
		if err != nil {
			return mcpError(fmt.Sprintf("listing insights failed: %v", err)), nil
		}
		return mcpJSON(orEmpty(list))
	}
}

func mcpGetInsight(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		in, err := deps.Insights.Get(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("insight %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("loading insight failed: %v", err)), nil
		}
		history, err := deps.Insights.History(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("loading history failed: %v", err)), nil
		}
		return mcpJSON(insightDetail{Insight: in, Transitions: orEmpty(history)})
	}
}

func mcpListActions(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		f := storage.ActionFilter{
			Property: req.GetString("property", ""),
			Limit:    toolLimit(req),
		}
		if s := req.GetString("status", ""); s != "" {
			st, err := actions.ParseStatus(s)
			if err != nil {
				return mcpError(err.Error()), nil
			}
			f.Status = st
		}
		var err error
		if f.From, err = storage.ParseDay(req.GetString("from", "")); err != nil {
			return mcpError("from must be YYYY-MM-DD"), nil
		}
		if f.To, err = storage.ParseDay(req.GetString("to", "")); err != nil {
			return mcpError("to must be YYYY-MM-DD"), nil
		}
		f.To = endOfDay(f.To)

		list, err := deps.Actions.List(ctx, f)
		if err != nil {
			return mcpError(fmt.Sprintf("listing actions failed: %v", err)), nil
		}
		return mcpJSON(orEmpty(list))
	}
}

func mcpWatermarkStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		list, err := deps.Store.ListWatermarks(ctx, req.GetString("property", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("listing watermarks failed: %v", err)), nil
		}
		return mcpJSON(orEmpty(list))
	}
}

func mcpResourceOpenActions(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		var open []storage.Action
		for _, st := range []storage.ActionStatus{storage.ActionInProgress, storage.ActionPending} {
			list, err := deps.Actions.List(ctx, storage.ActionFilter{Status: st, Limit: 100})
			if err != nil {
				return nil, fmt.Errorf("failed to list actions: %w", err)
			}
			open = append(open, list...)
		}

		b, err := json.Marshal(orEmpty(open))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal actions: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
