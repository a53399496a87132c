// Package resources implements MCP resource handlers for recorded activity.
//
// Resources provide read-only data that the host can consume for context.
// They use URI-based addressing (activity://...) following MCP conventions.
package resources

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/activitylog/internal/retrieval"
)

const (
	TodayURI  = "activity://stats/today"
	StatusURI = "activity://engine/status"
)

// StatsSource aggregates session durations for a window phrase.
type StatsSource interface {
	Stats(ctx context.Context, req retrieval.StatsRequest) (*retrieval.StatsAnswer, error)
}

// Handler manages activity resource endpoints.
type Handler struct {
	stats  StatsSource
	health func(ctx context.Context) map[string]any
}

// NewHandler creates a resource Handler. health may be nil.
func NewHandler(stats StatsSource, health func(ctx context.Context) map[string]any) *Handler {
	return &Handler{stats: stats, health: health}
}

// TodayResource returns the MCP resource definition for today's totals.
func (h *Handler) TodayResource() mcp.Resource {
	return mcp.NewResource(
		TodayURI,
		"Today's Activity",
		mcp.WithResourceDescription("Per-type session count and minutes since local midnight"),
		mcp.WithMIMEType("application/json"),
	)
}

// HandleToday returns today's statistics as JSON.
func (h *Handler) HandleToday(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	ans, err := h.stats.Stats(ctx, retrieval.StatsRequest{Text: "today"})
	if err != nil {
		return errorResource(req.Params.URI, err.Error()), nil
	}
	return jsonResource(req.Params.URI, ans)
}

// StatusResource returns the MCP resource definition for engine health.
func (h *Handler) StatusResource() mcp.Resource {
	return mcp.NewResource(
		StatusURI,
		"Activity Engine Status",
		mcp.WithResourceDescription("Stored and open session counts, open tracker slots, index watermark and last sweep"),
		mcp.WithMIMEType("application/json"),
	)
}

// HandleStatus returns the engine health report as JSON.
func (h *Handler) HandleStatus(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	if h.health == nil {
		return errorResource(req.Params.URI, "status is not available"), nil
	}
	return jsonResource(req.Params.URI, h.health(ctx))
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// errorResource returns a resource with an error message.
func errorResource(uri, message string) []mcp.ResourceContents {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "text/plain",
			Text:     fmt.Sprintf("Error: %s", message),
		},
	}
}
