package acttools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/activitylog/internal/activity"
	"github.com/HendryAvila/activitylog/internal/indexer"
	"github.com/HendryAvila/activitylog/internal/retrieval"
	"github.com/HendryAvila/activitylog/internal/tracker"
	"github.com/HendryAvila/activitylog/internal/vector"
)

// ─── Test helpers ────────────────────────────────────────────────────────────

// makeReq builds a mcp.CallToolRequest with the given arguments.
func makeReq(args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

// resultText extracts the text content from a tool result.
func resultText(r *mcp.CallToolResult) string {
	if r == nil || len(r.Content) == 0 {
		return ""
	}
	for _, c := range r.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

type fakeSearcher struct {
	matches []vector.Match
	err     error
	where   *vector.TimeRange
}

func (f *fakeSearcher) Query(_ context.Context, _ string, _ int, where *vector.TimeRange) ([]vector.Match, error) {
	f.where = where
	return f.matches, f.err
}

type fakeStore struct {
	stats    map[string]activity.TypeStats
	sessions []activity.Session
	err      error
}

func (f *fakeStore) QueryStatistics(context.Context, time.Time, time.Time, string) (map[string]activity.TypeStats, error) {
	return f.stats, f.err
}

func (f *fakeStore) QueryByTimeRange(context.Context, time.Time, time.Time, string) ([]activity.Session, error) {
	return f.sessions, f.err
}

type staticRules tracker.Rules

func (r staticRules) Rules() tracker.Rules { return tracker.Rules(r) }

func newCoordinator(t *testing.T, s *fakeSearcher, st *fakeStore) *retrieval.Coordinator {
	t.Helper()
	c, err := retrieval.New(retrieval.Deps{
		Searcher: s,
		Store:    st,
		Rules: staticRules{Types: map[string]tracker.Rule{
			"玩手机": {MaxGap: time.Minute, MinDuration: 2 * time.Minute},
		}},
	}, retrieval.Config{Location: time.UTC}, nil)
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}
	return c
}

func closedSession(id int64, typ, content string, start time.Time, minutes float64) activity.Session {
	end := start.Add(time.Duration(minutes * float64(time.Minute)))
	return activity.Session{
		ID: id, ActivityType: typ, Content: content,
		StartTime: start, EndTime: &end, LastEventAt: end, DurationMinutes: minutes,
	}
}

// ─── QueryTool Tests ─────────────────────────────────────────────────────────

func TestQueryTool_Definition(t *testing.T) {
	tool := NewQueryTool(newCoordinator(t, &fakeSearcher{}, &fakeStore{}))
	def := tool.Definition()

	if def.Name != "activity_query" {
		t.Errorf("tool name = %q, want %q", def.Name, "activity_query")
	}
	if _, ok := def.InputSchema.Properties["minutes_ago"]; !ok {
		t.Error("missing 'minutes_ago' parameter")
	}
	if len(def.InputSchema.Required) != 1 || def.InputSchema.Required[0] != "query" {
		t.Errorf("required = %v, want [query]", def.InputSchema.Required)
	}
}

func TestQueryTool_RendersContext(t *testing.T) {
	s := &fakeSearcher{matches: []vector.Match{{
		Record: vector.Record{
			ID:       vector.RecordID(1),
			Document: "App: vim\nediting main.go",
			Metadata: vector.Metadata{TimestampUnix: 1000, EndUnix: 1600, ActivityType: "coding", App: "vim"},
		},
		Score: 0.8,
	}}}
	tool := NewQueryTool(newCoordinator(t, s, &fakeStore{}))

	result, err := tool.Handle(context.Background(), makeReq(map[string]interface{}{
		"query":       "what was I editing",
		"minutes_ago": float64(30),
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(result))
	}
	text := resultText(result)
	for _, want := range []string{"Matches: 1", "## Activity Records", "**coding**", "minutes_ago"} {
		if !strings.Contains(text, want) {
			t.Errorf("result missing %q:\n%s", want, text)
		}
	}
	if s.where == nil || s.where.End-s.where.Start != 30*60 {
		t.Errorf("where = %+v, want a 30 minute range", s.where)
	}
}

func TestQueryTool_EmptyWindow(t *testing.T) {
	tool := NewQueryTool(newCoordinator(t, &fakeSearcher{}, &fakeStore{}))
	result, _ := tool.Handle(context.Background(), makeReq(map[string]interface{}{"query": "过去30分钟"}))
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(result))
	}
	if !strings.HasPrefix(resultText(result), "No activity records between") {
		t.Errorf("result = %q", resultText(result))
	}
}

func TestQueryTool_Errors(t *testing.T) {
	tool := NewQueryTool(newCoordinator(t, &fakeSearcher{err: errors.New("index offline")}, &fakeStore{}))

	result, _ := tool.Handle(context.Background(), makeReq(map[string]interface{}{"query": "  "}))
	if !result.IsError {
		t.Error("blank query should be a tool error")
	}

	result, _ = tool.Handle(context.Background(), makeReq(map[string]interface{}{"query": "today"}))
	if !result.IsError || !strings.Contains(resultText(result), "index offline") {
		t.Errorf("search failure should surface, got %q", resultText(result))
	}
}

// ─── StatsTool Tests ─────────────────────────────────────────────────────────

func TestStatsTool_Handle(t *testing.T) {
	day := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	st := &fakeStore{stats: map[string]activity.TypeStats{
		"玩手机":    {EventCount: 2, TotalDuration: 1.5, AvgDuration: 0.75, FirstOccurrence: day, LastOccurrence: day.Add(5 * time.Minute)},
		"coding": {EventCount: 1, TotalDuration: 40, AvgDuration: 40, FirstOccurrence: day, LastOccurrence: day},
	}}
	tool := NewStatsTool(newCoordinator(t, &fakeSearcher{}, st))

	result, err := tool.Handle(context.Background(), makeReq(map[string]interface{}{"query": "今天"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := resultText(result)
	if !strings.Contains(text, "**玩手机**: 2 sessions, 1.5 min total") {
		t.Errorf("missing phone line:\n%s", text)
	}
	if strings.Index(text, "coding") > strings.Index(text, "玩手机") {
		t.Errorf("longest total should come first:\n%s", text)
	}
	if !strings.Contains(text, "Total: 41.5 min") {
		t.Errorf("missing total:\n%s", text)
	}
}

func TestStatsTool_StoreFailure(t *testing.T) {
	tool := NewStatsTool(newCoordinator(t, &fakeSearcher{}, &fakeStore{err: errors.New("disk I/O error")}))
	result, _ := tool.Handle(context.Background(), makeReq(nil))
	if !result.IsError {
		t.Error("store failure should be a tool error")
	}
}

// ─── SessionsTool Tests ──────────────────────────────────────────────────────

func TestSessionsTool_HidesShortSessions(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	open := activity.Session{ID: 3, ActivityType: "coding", Content: "vim", StartTime: start.Add(10 * time.Minute), LastEventAt: start.Add(12 * time.Minute)}
	st := &fakeStore{sessions: []activity.Session{
		open,
		closedSession(2, "玩手机", "看直播", start.Add(5*time.Minute), 0.5),
		closedSession(1, "玩手机", "刷短视频", start, 3),
	}}
	tool := NewSessionsTool(newCoordinator(t, &fakeSearcher{}, st))

	result, _ := tool.Handle(context.Background(), makeReq(map[string]interface{}{"minutes_ago": float64(60)}))
	text := resultText(result)
	if !strings.Contains(text, "#3 **coding**") || !strings.Contains(text, "ongoing") {
		t.Errorf("open session missing:\n%s", text)
	}
	if strings.Contains(text, "看直播") {
		t.Errorf("short session should be hidden:\n%s", text)
	}
	if !strings.Contains(text, "1 short sessions hidden") {
		t.Errorf("hidden count missing:\n%s", text)
	}

	result, _ = tool.Handle(context.Background(), makeReq(map[string]interface{}{
		"minutes_ago":   float64(60),
		"include_short": true,
	}))
	if !strings.Contains(resultText(result), "看直播") {
		t.Errorf("include_short should list the short session:\n%s", resultText(result))
	}
}

func TestSessionsTool_Empty(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	st := &fakeStore{sessions: []activity.Session{closedSession(1, "玩手机", "x", start, 0.2)}}
	tool := NewSessionsTool(newCoordinator(t, &fakeSearcher{}, st))

	text := resultText(mustHandle(t, tool.Handle, nil))
	if !strings.HasPrefix(text, "No sessions in") || !strings.Contains(text, "include_short") {
		t.Errorf("result = %q", text)
	}
}

func mustHandle(t *testing.T, h func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	result, err := h(context.Background(), makeReq(args))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return result
}

// ─── IndexTool Tests ─────────────────────────────────────────────────────────

func newTestIndexer(t *testing.T) (*indexer.Indexer, *activity.Store) {
	t.Helper()
	store, err := activity.New(activity.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	backend, err := vector.NewSQLiteBackend(vector.SQLiteConfig{Embedder: vector.NewHashEmbedder(64)})
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	return indexer.New(store, backend, indexer.Config{}, nil), store
}

func TestIndexTool_Actions(t *testing.T) {
	ix, store := newTestIndexer(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if _, err := store.InsertSession(ctx, closedSession(0, "coding", "editing", start.Add(time.Duration(i)*time.Hour), 5)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	tool := NewIndexTool(ix)

	text := resultText(mustHandle(t, tool.Handle, nil))
	if !strings.Contains(text, "**Watermark**: 0") {
		t.Errorf("status before sweep:\n%s", text)
	}

	text = resultText(mustHandle(t, tool.Handle, map[string]interface{}{"action": "sweep"}))
	if !strings.Contains(text, "**Indexed now**: 3") || !strings.Contains(text, "**Watermark**: 3") {
		t.Errorf("sweep result:\n%s", text)
	}

	text = resultText(mustHandle(t, tool.Handle, map[string]interface{}{"action": "reindex", "reset": true}))
	if !strings.Contains(text, "**Indexed now**: 3") {
		t.Errorf("reindex result:\n%s", text)
	}

	result := mustHandle(t, tool.Handle, map[string]interface{}{"action": "compact"})
	if !result.IsError {
		t.Error("unknown action should be a tool error")
	}
}

// ─── RecordTool Tests ────────────────────────────────────────────────────────

type recordingSubmitter struct {
	events []tracker.Event
	err    error
}

func (r *recordingSubmitter) Submit(_ context.Context, ev tracker.Event) error {
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func TestRecordTool_Handle(t *testing.T) {
	sub := &recordingSubmitter{}
	tool := NewRecordTool(sub)
	tool.now = func() time.Time { return time.Date(2024, 1, 1, 15, 4, 5, 0, time.UTC) }

	result := mustHandle(t, tool.Handle, map[string]interface{}{
		"activity_type": "meeting",
		"content":       "weekly sync",
		"app":           "zoom",
	})
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(result))
	}
	if len(sub.events) != 1 {
		t.Fatalf("submitted %d events, want 1", len(sub.events))
	}
	ev := sub.events[0]
	if ev.Source != tracker.SourceManual || ev.Metadata.App != "zoom" || ev.Content != "weekly sync" {
		t.Errorf("event = %+v", ev)
	}
	if !strings.Contains(resultText(result), "15:04:05") {
		t.Errorf("result = %q", resultText(result))
	}

	if r := mustHandle(t, tool.Handle, map[string]interface{}{"activity_type": " "}); !r.IsError {
		t.Error("blank activity_type should be a tool error")
	}

	sub.err = errors.New("ingest: worker stopped")
	if r := mustHandle(t, tool.Handle, map[string]interface{}{"activity_type": "meeting"}); !r.IsError {
		t.Error("submit failure should be a tool error")
	}
}
