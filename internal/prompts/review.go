// Package prompts implements MCP prompt handlers for activity review.
//
// MCP prompts are user-triggered workflows (like slash commands) that
// instruct the AI to execute a specific sequence. Unlike tools (which
// the AI calls), prompts are initiated by the user.
package prompts

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// ReviewPrompt handles the activity-review MCP prompt.
// It guides the AI through summarizing a period of recorded activity.
type ReviewPrompt struct{}

// NewReviewPrompt creates a ReviewPrompt.
func NewReviewPrompt() *ReviewPrompt {
	return &ReviewPrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *ReviewPrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("activity-review",
		mcp.WithPromptDescription(
			"Review what you did over a period: where the time went, "+
				"the longest stretches, and anything worth changing.",
		),
		mcp.WithArgument("period",
			mcp.ArgumentDescription("Time phrase such as 今天, 昨天下午, last 3 hours. Default: today"),
		),
		mcp.WithArgument("focus",
			mcp.ArgumentDescription("Optional activity type to focus on, e.g. 玩手机 or coding"),
		),
	)
}

// Handle processes the activity-review prompt request.
func (p *ReviewPrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	period := "today"
	focus := ""
	if args := req.Params.Arguments; args != nil {
		if v, ok := args["period"]; ok && v != "" {
			period = v
		}
		focus = args["focus"]
	}

	typeArg := ""
	focusLine := ""
	if focus != "" {
		typeArg = fmt.Sprintf(" and activity_type='%s'", focus)
		focusLine = fmt.Sprintf("\nPay special attention to **%s**: when it started, how long each session lasted, and what interrupted it.\n", focus)
	}

	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Activity review: %s", period),
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(fmt.Sprintf(
					"Please review my computer activity for '%s'.\n\n"+
						"1. Run `activity_stats` with query='%s'%s to see where the time went\n"+
						"2. Run `activity_sessions` with query='%s'%s to see the timeline\n"+
						"3. Use `activity_query` for anything that needs detail, e.g. what I was reading or watching\n"+
						"4. Summarize in a few bullet points: biggest time sinks, longest focused stretch, context switches\n"+
						"%s\n"+
						"Only report what the records show. If a window has no records, say so instead of guessing.",
					period, period, typeArg, period, typeArg, focusLine,
				)),
			},
		},
	}, nil
}
