package prompts

import (
	"context"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

func promptText(t *testing.T, r *mcp.GetPromptResult) string {
	t.Helper()
	if len(r.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(r.Messages))
	}
	tc, ok := r.Messages[0].Content.(mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T, want TextContent", r.Messages[0].Content)
	}
	return tc.Text
}

func TestReviewPrompt_Defaults(t *testing.T) {
	p := NewReviewPrompt()
	if p.Definition().Name != "activity-review" {
		t.Errorf("name = %q", p.Definition().Name)
	}

	r, err := p.Handle(context.Background(), mcp.GetPromptRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := promptText(t, r)
	if !strings.Contains(text, "activity_stats` with query='today'") {
		t.Errorf("default period missing:\n%s", text)
	}
	if strings.Contains(text, "activity_type") {
		t.Errorf("no focus should mean no type filter:\n%s", text)
	}
}

func TestReviewPrompt_Focus(t *testing.T) {
	req := mcp.GetPromptRequest{}
	req.Params.Arguments = map[string]string{"period": "昨天下午", "focus": "玩手机"}

	r, err := NewReviewPrompt().Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Description != "Activity review: 昨天下午" {
		t.Errorf("description = %q", r.Description)
	}
	text := promptText(t, r)
	for _, want := range []string{"query='昨天下午' and activity_type='玩手机'", "**玩手机**"} {
		if !strings.Contains(text, want) {
			t.Errorf("missing %q:\n%s", want, text)
		}
	}
}

func TestStatusPrompt(t *testing.T) {
	p := NewStatusPrompt()
	if p.Definition().Name != "activity-status" {
		t.Errorf("name = %q", p.Definition().Name)
	}
	r, err := p.Handle(context.Background(), mcp.GetPromptRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(promptText(t, r), "activity://engine/status") {
		t.Error("status prompt should point at the status resource")
	}
}
