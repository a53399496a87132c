// Package acttools provides MCP tool handlers over recorded activity.
//
// Each tool handler follows the same pattern:
// - A struct with its dependencies injected via constructor
// - Definition() returns the mcp.Tool schema
// - Handle() processes the request and returns a result
//
// Failures are reported as tool errors, never as protocol errors, so the
// host can show them to the user.
package acttools

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/activitylog/internal/indexer"
	"github.com/HendryAvila/activitylog/internal/retrieval"
	"github.com/HendryAvila/activitylog/internal/timeparse"
	"github.com/HendryAvila/activitylog/internal/tracker"
)

// Retriever answers questions about recorded activity.
type Retriever interface {
	Query(ctx context.Context, req retrieval.Request) (*retrieval.Answer, error)
	Stats(ctx context.Context, req retrieval.StatsRequest) (*retrieval.StatsAnswer, error)
	Sessions(ctx context.Context, req retrieval.SessionsRequest) (*retrieval.SessionsAnswer, error)
	FormatStats(ans *retrieval.StatsAnswer) string
}

// IndexControl runs and inspects the indexer.
type IndexControl interface {
	Sweep(ctx context.Context) (int, error)
	Reindex(ctx context.Context, reset bool) (int, error)
	Status() indexer.Status
}

// Submitter queues detector events.
type Submitter interface {
	Submit(ctx context.Context, ev tracker.Event) error
}

// intArg extracts an integer argument from a tool request, returning
// defaultVal if the key is missing or not a number (JSON numbers are float64).
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

// boolArg extracts a boolean argument from a tool request.
func boolArg(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}

func formatWindow(w timeparse.Window) string {
	return fmt.Sprintf("%s to %s (%s)",
		w.Start.Format(retrieval.DisplayLayout), w.End.Format(retrieval.DisplayLayout), w.Kind)
}

func formatClock(t time.Time) string {
	return t.Format("15:04:05")
}
