package acttools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/activitylog/internal/retrieval"
)

// QueryTool handles the activity_query MCP tool.
type QueryTool struct {
	retriever Retriever
}

// NewQueryTool creates a QueryTool.
func NewQueryTool(r Retriever) *QueryTool {
	return &QueryTool{retriever: r}
}

// Definition returns the MCP tool definition for activity_query.
func (t *QueryTool) Definition() mcp.Tool {
	return mcp.NewTool("activity_query",
		mcp.WithDescription(
			"Answer a question about what the user did on their computer. "+
				"Time phrases in the question (\"过去30分钟\", \"yesterday afternoon\", \"last 2 hours\") "+
				"select the window; records in that window are ranked by relevance.",
		),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Natural-language question, in any language"),
		),
		mcp.WithNumber("minutes_ago",
			mcp.Description("Override the window: look back this many minutes from now"),
		),
	)
}

// Handle processes the activity_query tool call.
func (t *QueryTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := req.GetString("query", "")
	if strings.TrimSpace(query) == "" {
		return mcp.NewToolResultError("'query' is required"), nil
	}
	ans, err := t.retriever.Query(ctx, retrieval.Request{
		Text:       query,
		MinutesAgo: intArg(req, "minutes_ago", 0),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if ans.Empty {
		return mcp.NewToolResultText(ans.Text), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Window: %s\n", formatWindow(ans.Window))
	fmt.Fprintf(&b, "Matches: %d\n\n", len(ans.Matches))
	if ans.LLMError != "" || ans.Text == ans.Context {
		b.WriteString(ans.Context)
	} else {
		b.WriteString(ans.Text)
		b.WriteString("\n\n")
		b.WriteString(ans.Context)
	}
	return mcp.NewToolResultText(b.String()), nil
}
