package prompts

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

// StatusPrompt handles the activity-status MCP prompt.
// It instructs the AI to check recording and index health.
type StatusPrompt struct{}

// NewStatusPrompt creates a StatusPrompt.
func NewStatusPrompt() *StatusPrompt {
	return &StatusPrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *StatusPrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("activity-status",
		mcp.WithPromptDescription(
			"Check whether activity is being recorded and indexed, "+
				"and what to do if the index is behind or corrupted.",
		),
	)
}

// Handle processes the activity-status prompt request.
func (p *StatusPrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{
		Description: "Activity Engine Status",
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(
					"Please run `activity_index` with action='status' and read the `activity://engine/status` resource.\n\n" +
						"Then:\n" +
						"1. Tell me whether events are arriving (open sessions, last session time)\n" +
						"2. Compare the index watermark with the stored session count\n" +
						"3. If the index reports corruption, offer to run `activity_index` with action='reindex' and reset=true\n" +
						"4. If the last sweep failed, show the error and suggest a fix",
				),
			},
		},
	}, nil
}
