package server_test

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HendryAvila/activitylog/internal/activity"
	"github.com/HendryAvila/activitylog/internal/config"
	"github.com/HendryAvila/activitylog/internal/retrieval"
	"github.com/HendryAvila/activitylog/internal/server"
	"github.com/HendryAvila/activitylog/internal/tracker"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.LLM.Enabled = false
	return cfg
}

func openEngine(t *testing.T, cfg *config.Config) *server.Engine {
	t.Helper()
	e, err := server.Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func phoneEvents(t0 time.Time) []tracker.Event {
	return []tracker.Event{
		{ActivityType: "玩手机", Content: "刷短视频", Timestamp: t0},
		{ActivityType: "玩手机", Content: "看直播", Timestamp: t0.Add(40 * time.Second)},
		{ActivityType: "coding", Content: "editing engine.go", Timestamp: t0.Add(3 * time.Minute),
			Metadata: activity.Metadata{App: "vim"}},
	}
}

func TestOpen_QueryAfterIngest(t *testing.T) {
	e := openEngine(t, testConfig(t))
	ctx := context.Background()

	for _, ev := range phoneEvents(time.Now().Add(-10 * time.Minute)) {
		_, err := e.Worker.Process(ctx, ev)
		require.NoError(t, err)
	}

	ans, err := e.Retrieval.Query(ctx, retrieval.Request{Text: "刷短视频", MinutesAgo: 60})
	require.NoError(t, err)
	assert.False(t, ans.Empty)
	assert.Len(t, ans.Matches, 2, "one phone session and one coding session")
	assert.Equal(t, ans.Context, ans.Text, "no LLM configured")

	health := e.Health(ctx)
	assert.Equal(t, activity.Counts{Total: 2, Open: 2}, health["sessions"])
	assert.Equal(t, 2, health["indexed"])
	assert.Equal(t, false, health["llm"])
	assert.NotContains(t, health, "store_error")
}

func TestOpen_RestoresAfterRestart(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	first, err := server.Open(ctx, cfg, nil)
	require.NoError(t, err)
	_, err = first.Worker.Process(ctx, tracker.Event{ActivityType: "coding", Content: "vim", Timestamp: time.Now()})
	require.NoError(t, err)
	require.NoError(t, first.Close(), "close without finalizing, as a crash would")

	second := openEngine(t, cfg)
	open := second.Tracker.Snapshot()
	require.Len(t, open, 1)
	assert.Equal(t, "coding", open[0].ActivityType)
	assert.Equal(t, int64(1), second.Indexer.Watermark(), "watermark recovered from the index")

	// The next event extends the restored session instead of opening one.
	res, err := second.Worker.Process(ctx, tracker.Event{ActivityType: "coding", Content: "go test", Timestamp: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, open[0].ID, res.Session.ID)
}

func TestPrune_RemovesOldSessionsAndRecords(t *testing.T) {
	e := openEngine(t, testConfig(t))
	ctx := context.Background()

	old := time.Now().AddDate(0, 0, -40)
	end := old.Add(10 * time.Minute)
	id, err := e.Store.InsertSession(ctx, activity.Session{
		ActivityType: "coding", Content: "old work", StartTime: old, EndTime: &end, LastEventAt: end, DurationMinutes: 10,
	})
	require.NoError(t, err)
	sess, err := e.Store.QueryByID(ctx, id)
	require.NoError(t, err)
	require.NoError(t, e.Indexer.IndexOne(ctx, *sess))

	_, err = e.Worker.Process(ctx, tracker.Event{ActivityType: "coding", Content: "new work", Timestamp: time.Now()})
	require.NoError(t, err)

	sessions, records, err := e.Prune(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sessions)
	assert.Equal(t, 1, records)

	n, err := e.Backend.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, _, err = e.Prune(ctx, 0)
	assert.Error(t, err)
}

func TestApplyConfig_ReloadsRules(t *testing.T) {
	e := openEngine(t, testConfig(t))

	next := config.Default()
	next.Activities.Types = map[string]config.Rule{"reading": {MaxGap: time.Minute}}
	next.Activities.Default = nil
	e.ApplyConfig(next)

	_, ok := e.Tracker.Rules().For("reading")
	assert.True(t, ok)
	_, ok = e.Tracker.Rules().For("coding")
	assert.False(t, ok, "types missing from the new file are unconfigured")
}

func TestNewMCP_RegistersEverything(t *testing.T) {
	e := openEngine(t, testConfig(t))
	s := server.NewMCP(e)
	ctx := context.Background()

	list := func(method string) string {
		msg := s.HandleMessage(ctx, json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"`+method+`"}`))
		data, err := json.Marshal(msg)
		require.NoError(t, err)
		return string(data)
	}

	tools := list("tools/list")
	for _, name := range []string{"activity_query", "activity_stats", "activity_sessions", "activity_index", "activity_record"} {
		assert.Contains(t, tools, `"`+name+`"`)
	}
	prompts := list("prompts/list")
	assert.Contains(t, prompts, "activity-review")
	assert.Contains(t, prompts, "activity-status")
	resources := list("resources/list")
	assert.Contains(t, resources, "activity://stats/today")
	assert.Contains(t, resources, "activity://engine/status")
}

func TestRun_StopsWhenMCPStreamCloses(t *testing.T) {
	e := openEngine(t, testConfig(t))
	ctx := context.Background()
	_, err := e.Worker.Process(ctx, tracker.Event{ActivityType: "coding", Content: "vim", Timestamp: time.Now()})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- e.Run(ctx, server.RunOptions{MCPIn: strings.NewReader(""), MCPOut: io.Discard})
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after the MCP stream closed")
	}

	assert.Empty(t, e.Tracker.Snapshot(), "open sessions finalized on shutdown")
	counts, err := e.Store.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Open)
}

func TestOpen_BleveBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Indexer.Backend = config.BackendBleve
	e := openEngine(t, cfg)
	ctx := context.Background()

	for _, ev := range phoneEvents(time.Now().Add(-10 * time.Minute)) {
		_, err := e.Worker.Process(ctx, ev)
		require.NoError(t, err)
	}
	ans, err := e.Retrieval.Query(ctx, retrieval.Request{Text: "engine.go", MinutesAgo: 60})
	require.NoError(t, err)
	require.NotEmpty(t, ans.Matches)
	assert.Equal(t, "coding", ans.Matches[0].Metadata.ActivityType)
}
