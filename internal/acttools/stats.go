package acttools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/activitylog/internal/retrieval"
)

// StatsTool handles the activity_stats MCP tool.
type StatsTool struct {
	retriever Retriever
}

// NewStatsTool creates a StatsTool.
func NewStatsTool(r Retriever) *StatsTool {
	return &StatsTool{retriever: r}
}

// Definition returns the MCP tool definition for activity_stats.
func (t *StatsTool) Definition() mcp.Tool {
	return mcp.NewTool("activity_stats",
		mcp.WithDescription(
			"Show time spent per activity type: session count, total and average minutes, "+
				"first and last occurrence. Sessions still in progress count with zero minutes.",
		),
		mcp.WithString("query",
			mcp.Description("Optional time phrase selecting the window, e.g. \"今天\" or \"yesterday\" (default: last 24 hours)"),
		),
		mcp.WithNumber("minutes_ago",
			mcp.Description("Override the window: look back this many minutes from now"),
		),
		mcp.WithString("activity_type",
			mcp.Description("Only this activity type"),
		),
	)
}

// Handle processes the activity_stats tool call.
func (t *StatsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ans, err := t.retriever.Stats(ctx, retrieval.StatsRequest{
		Text:         req.GetString("query", ""),
		MinutesAgo:   intArg(req, "minutes_ago", 0),
		ActivityType: req.GetString("activity_type", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get stats: %v", err)), nil
	}
	return mcp.NewToolResultText(t.retriever.FormatStats(ans)), nil
}
