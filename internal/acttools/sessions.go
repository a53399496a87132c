package acttools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/activitylog/internal/retrieval"
)

// maxSessionsShown caps the listing; the header still reports the total.
const maxSessionsShown = 50

// SessionsTool handles the activity_sessions MCP tool.
type SessionsTool struct {
	retriever Retriever
}

// NewSessionsTool creates a SessionsTool.
func NewSessionsTool(r Retriever) *SessionsTool {
	return &SessionsTool{retriever: r}
}

// Definition returns the MCP tool definition for activity_sessions.
func (t *SessionsTool) Definition() mcp.Tool {
	return mcp.NewTool("activity_sessions",
		mcp.WithDescription(
			"List activity sessions in a time window, newest first. "+
				"Closed sessions shorter than their type's minimum duration are hidden unless include_short is set.",
		),
		mcp.WithString("query",
			mcp.Description("Optional time phrase selecting the window (default: last 24 hours)"),
		),
		mcp.WithNumber("minutes_ago",
			mcp.Description("Override the window: look back this many minutes from now"),
		),
		mcp.WithString("activity_type",
			mcp.Description("Only this activity type"),
		),
		mcp.WithBoolean("include_short",
			mcp.Description("Also list sessions below the minimum duration (default: false)"),
		),
	)
}

// Handle processes the activity_sessions tool call.
func (t *SessionsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ans, err := t.retriever.Sessions(ctx, retrieval.SessionsRequest{
		Text:         req.GetString("query", ""),
		MinutesAgo:   intArg(req, "minutes_ago", 0),
		ActivityType: req.GetString("activity_type", ""),
		IncludeShort: boolArg(req, "include_short", false),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}
	if len(ans.Sessions) == 0 {
		msg := fmt.Sprintf("No sessions in %s.", formatWindow(ans.Window))
		if ans.Hidden > 0 {
			msg += fmt.Sprintf(" %d short sessions hidden; set include_short to list them.", ans.Hidden)
		}
		return mcp.NewToolResultText(msg), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Sessions %s\n\n", formatWindow(ans.Window))
	for i, s := range ans.Sessions {
		if i == maxSessionsShown {
			fmt.Fprintf(&b, "\n... and %d more\n", len(ans.Sessions)-maxSessionsShown)
			break
		}
		state := fmt.Sprintf("%s-%s, %.1f min", formatClock(s.StartTime), formatClock(s.End()), s.DurationMinutes)
		if s.Open() {
			state = fmt.Sprintf("%s-now, ongoing", formatClock(s.StartTime))
		}
		app := ""
		if s.Metadata.App != "" {
			app = " [" + s.Metadata.App + "]"
		}
		content := strings.Join(strings.Fields(s.Content), " ")
		if r := []rune(content); len(r) > 120 {
			content = string(r[:120]) + "..."
		}
		fmt.Fprintf(&b, "- #%d **%s**%s (%s): %s\n", s.ID, s.ActivityType, app, state, content)
	}
	if ans.Hidden > 0 {
		fmt.Fprintf(&b, "\n%d short sessions hidden.\n", ans.Hidden)
	}
	return mcp.NewToolResultText(b.String()), nil
}
