package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/idlephase/prospector/internal/task"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Tasks  *task.Registry
	Runner Runner
	Search SyncSearcher
}

// NewMCPServer creates an MCP server exposing the analysis engine as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"prospector",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("prospector mines subreddits for market problems and ranks posts by semantic similarity."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_posts",
			mcp.WithDescription("Semantically search stored subreddit posts and analyze the best matches."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("subreddit", mcp.Description("Subreddit to search in"), mcp.Required()),
			mcp.WithNumber("threshold", mcp.Description("Minimum similarity (default 0.7)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearchPosts(deps),
	)

	s.AddTool(
		mcp.NewTool("start_analysis",
			mcp.WithDescription("Start an asynchronous problem-post analysis of a subreddit. Returns a task id to poll with task_status."),
			mcp.WithString("subreddit", mcp.Description("Subreddit to analyze"), mcp.Required()),
			mcp.WithString("timeframe", mcp.Description("One of week, month, year (default week)")),
			mcp.WithNumber("min_score", mcp.Description("Minimum post score (default 0)")),
		),
		mcpStartAnalysis(deps),
	)

	s.AddTool(
		mcp.NewTool("task_status",
			mcp.WithDescription("Read the current status (and results, when finished) of an analysis task."),
			mcp.WithString("task_id", mcp.Description("Task id returned by start_analysis"), mcp.Required()),
		),
		mcpTaskStatus(deps),
	)

	return s
}

func mcpSearchPosts(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		subreddit, err := req.RequireString("subreddit")
		if err != nil {
			return mcpError("subreddit is required"), nil
		}

		threshold := float32(req.GetFloat("threshold", 0.7))
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 100 {
			limit = 100
		}

		results, err := deps.Search.SearchAndAnalyze(ctx, task.Params{
			Subreddit: subreddit,
			Query:     query,
			Threshold: threshold,
			Limit:     limit,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(results) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpStartAnalysis(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		subreddit, err := req.RequireString("subreddit")
		if err != nil {
			return mcpError("subreddit is required"), nil
		}

		params := task.Params{
			Subreddit: subreddit,
			Timeframe: req.GetString("timeframe", "week"),
			MinScore:  req.GetInt("min_score", 0),
		}

		id, token := deps.Tasks.Create(params)
		go deps.Runner.Run(context.WithoutCancel(ctx), id, params, token)

		return mcpText(fmt.Sprintf("Started analysis task %s", id)), nil
	}
}

func mcpTaskStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("task_id")
		if err != nil {
			return mcpError("task_id is required"), nil
		}

		snap, err := deps.Tasks.Get(id)
		if err != nil {
			return mcpError(fmt.Sprintf("task %s not found", id)), nil
		}

		b, err := json.MarshalIndent(toPayload(snap), "", "  ")
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
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
