package acttools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/activitylog/internal/activity"
	"github.com/HendryAvila/activitylog/internal/tracker"
)

// RecordTool handles the activity_record MCP tool: a manual event, e.g.
// "I'm in a meeting now", fed through the same session rules as detector
// events.
type RecordTool struct {
	events Submitter
	now    func() time.Time
}

// NewRecordTool creates a RecordTool.
func NewRecordTool(events Submitter) *RecordTool {
	return &RecordTool{events: events, now: time.Now}
}

// Definition returns the MCP tool definition for activity_record.
func (t *RecordTool) Definition() mcp.Tool {
	return mcp.NewTool("activity_record",
		mcp.WithDescription(
			"Record a manual activity event. Consecutive events of the same type extend one session.",
		),
		mcp.WithString("activity_type",
			mcp.Required(),
			mcp.Description("Activity type, e.g. meeting, reading, 喝水"),
		),
		mcp.WithString("content",
			mcp.Description("What is happening"),
		),
		mcp.WithString("app",
			mcp.Description("Application involved, if any"),
		),
	)
}

// Handle processes the activity_record tool call.
func (t *RecordTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	typ := strings.TrimSpace(req.GetString("activity_type", ""))
	if typ == "" {
		return mcp.NewToolResultError("'activity_type' is required"), nil
	}
	ev := tracker.Event{
		ActivityType: typ,
		Content:      req.GetString("content", ""),
		Timestamp:    t.now(),
		Source:       tracker.SourceManual,
		Metadata:     activity.Metadata{App: req.GetString("app", "")},
	}
	if err := t.events.Submit(ctx, ev); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to record event: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Recorded %q at %s.", typ, ev.Timestamp.Format("15:04:05"))), nil
}
