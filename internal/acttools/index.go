package acttools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// IndexTool handles the activity_index MCP tool.
type IndexTool struct {
	indexer IndexControl
}

// NewIndexTool creates an IndexTool.
func NewIndexTool(ix IndexControl) *IndexTool {
	return &IndexTool{indexer: ix}
}

// Definition returns the MCP tool definition for activity_index.
func (t *IndexTool) Definition() mcp.Tool {
	return mcp.NewTool("activity_index",
		mcp.WithDescription(
			"Maintain the semantic index of activity sessions. "+
				"'status' shows the watermark and last sweep, 'sweep' indexes new sessions, "+
				"'reindex' rebuilds from the first session (set reset to empty a corrupted index first).",
		),
		mcp.WithString("action",
			mcp.Description("status (default), sweep or reindex"),
			mcp.Enum("status", "sweep", "reindex"),
		),
		mcp.WithBoolean("reset",
			mcp.Description("With reindex: empty the index before rebuilding"),
		),
	)
}

// Handle processes the activity_index tool call.
func (t *IndexTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action := req.GetString("action", "status")
	var (
		n   int
		err error
	)
	switch action {
	case "status":
	case "sweep":
		n, err = t.indexer.Sweep(ctx)
	case "reindex":
		n, err = t.indexer.Reindex(ctx, boolArg(req, "reset", false))
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action %q: use status, sweep or reindex", action)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed after %d records: %v", action, n, err)), nil
	}

	st := t.indexer.Status()
	var b strings.Builder
	b.WriteString("## Activity Index\n\n")
	if action != "status" {
		fmt.Fprintf(&b, "- **Indexed now**: %d\n", n)
	}
	fmt.Fprintf(&b, "- **Watermark**: %d\n", st.Watermark)
	if !st.LastSweepAt.IsZero() {
		fmt.Fprintf(&b, "- **Last sweep**: %s (%d records)\n", st.LastSweepAt.Format("2006-01-02 15:04:05"), st.LastIndexed)
	}
	if st.LastError != "" {
		fmt.Fprintf(&b, "- **Last error**: %s\n", st.LastError)
	}
	if st.Corrupt {
		b.WriteString("- **Corrupted**: run activity_index with action=reindex and reset=true\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}
