package activity_test

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/HendryAvila/activitylog/internal/activity"
	"github.com/HendryAvila/activitylog/internal/faults"

	_ "modernc.org/sqlite"
)

// newTestStore creates a Store backed by a temp directory for isolation.
func newTestStore(t *testing.T) *activity.Store {
	t.Helper()
	s, err := activity.New(activity.Config{DataDir: t.TempDir(), OpTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func at(hh, mm, ss int) time.Time {
	return time.Date(2024, 1, 1, hh, mm, ss, 0, time.UTC)
}

func ptr(t time.Time) *time.Time { return &t }

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

// ─── New / Migrations ───────────────────────────────────────────────────────

func TestNew_IdempotentReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := activity.New(activity.Config{DataDir: dir})
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	id, err := s1.InsertSession(ctx, activity.Session{ActivityType: "coding", Content: "vim", StartTime: at(9, 0, 0)})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	s1.Close()

	s2, err := activity.New(activity.Config{DataDir: dir})
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()

	got, err := s2.QueryByID(ctx, id)
	if err != nil {
		t.Fatalf("query by id after reopen: %v", err)
	}
	if got.Content != "vim" {
		t.Errorf("content = %q, want vim", got.Content)
	}
}

func TestNew_MigratesLegacyTable(t *testing.T) {
	dir := t.TempDir()
	db, err := sql.Open("sqlite", filepath.Join(dir, "activity.db"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = db.Exec(`
		CREATE TABLE sessions (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			activity_type    TEXT NOT NULL,
			content          TEXT NOT NULL DEFAULT '',
			start_time       TEXT NOT NULL,
			end_time         TEXT,
			duration_minutes REAL NOT NULL DEFAULT 0,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		);
		INSERT INTO sessions (activity_type, content, start_time, end_time, duration_minutes, created_at, updated_at)
		VALUES ('reading', 'old row', '2024-01-01 08:00:00', '2024-01-01 08:30:00', 30, '2024-01-01 08:00:00', '2024-01-01 08:30:00');
	`)
	if err != nil {
		t.Fatalf("seed legacy table: %v", err)
	}
	db.Close()

	s, err := activity.New(activity.Config{DataDir: dir})
	if err != nil {
		t.Fatalf("open legacy db: %v", err)
	}
	defer s.Close()

	rows, err := s.DB().Query("PRAGMA table_info(sessions)")
	if err != nil {
		t.Fatal(err)
	}
	cols := map[string]bool{}
	for rows.Next() {
		var cid, notNull, pk int
		var name, typ string
		var def any
		if err := rows.Scan(&cid, &name, &typ, &notNull, &def, &pk); err != nil {
			t.Fatal(err)
		}
		cols[name] = true
	}
	rows.Close()
	for _, c := range []string{"last_event_at", "confidence_score", "metadata_json", "source_type"} {
		if !cols[c] {
			t.Errorf("column %q was not added", c)
		}
	}

	got, err := s.QueryByID(context.Background(), 1)
	if err != nil {
		t.Fatalf("legacy row lost: %v", err)
	}
	if got.Content != "old row" || got.EndTime == nil || !got.LastEventAt.Equal(*got.EndTime) {
		t.Errorf("legacy row = %+v", got)
	}
}

// ─── Writes ─────────────────────────────────────────────────────────────────

func TestInsertAndProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertSession(ctx, activity.Session{
		ActivityType:    "browsing",
		Content:         "docs",
		StartTime:       at(10, 0, 0),
		ConfidenceScore: 0.7,
		Metadata:        activity.Metadata{App: "firefox", URL: "https://go.dev"},
		SourceType:      "screen",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	err = s.UpdateSessionProgress(ctx, id, activity.Progress{
		Content:         "docs\nblog",
		StartTime:       at(10, 0, 0),
		LastEventAt:     at(10, 3, 0),
		DurationMinutes: 3,
		ConfidenceScore: 0.9,
		Metadata:        activity.Metadata{App: "firefox", Extra: map[string]string{"tab": "2"}},
	})
	if err != nil {
		t.Fatalf("progress: %v", err)
	}

	got, err := s.QueryByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Open() {
		t.Error("session should still be open")
	}
	if !got.LastEventAt.Equal(at(10, 3, 0)) || got.DurationMinutes != 3 {
		t.Errorf("progress not stored: %+v", got)
	}
	if got.Metadata.Extra["tab"] != "2" || got.SourceType != "screen" {
		t.Errorf("metadata/source = %+v / %q", got.Metadata, got.SourceType)
	}
}

func TestUpdateSessionEnd_IdempotentLastWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.InsertSession(ctx, activity.Session{ActivityType: "video", StartTime: at(10, 0, 0)})
	for i := 0; i < 2; i++ {
		if err := s.UpdateSessionEnd(ctx, id, at(10, 1, 30), 1.5); err != nil {
			t.Fatalf("end #%d: %v", i, err)
		}
	}
	if err := s.UpdateSessionEnd(ctx, id, at(10, 2, 0), 2); err != nil {
		t.Fatal(err)
	}
	got, _ := s.QueryByID(ctx, id)
	if got.EndTime == nil || !got.EndTime.Equal(at(10, 2, 0)) || got.DurationMinutes != 2 {
		t.Errorf("end = %v duration = %v", got.EndTime, got.DurationMinutes)
	}
}

func TestUpdateMissingSession_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateSessionEnd(context.Background(), 999, at(10, 0, 0), 0)
	if !errors.Is(err, activity.ErrNotFound) || !faults.Is(err, faults.KindNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestInsert_TransientFailureIsClassified(t *testing.T) {
	s := newTestStore(t)
	restore := s.FailExec("INSERT INTO sessions", errors.New("database is locked"))
	defer restore()

	_, err := s.InsertSession(context.Background(), activity.Session{ActivityType: "x", StartTime: at(1, 0, 0)})
	if !faults.Is(err, faults.KindTransient) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestDeleteOlderThan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	restore := activity.SetTimeNow(func() time.Time { return time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC) })
	defer restore()

	oldClosed, _ := s.InsertSession(ctx, activity.Session{ActivityType: "a", StartTime: at(1, 0, 0), EndTime: ptr(at(1, 5, 0))})
	oldOpen, _ := s.InsertSession(ctx, activity.Session{ActivityType: "a", StartTime: at(2, 0, 0)})
	recent, _ := s.InsertSession(ctx, activity.Session{ActivityType: "a", StartTime: time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC), EndTime: ptr(time.Date(2024, 1, 9, 1, 0, 0, 0, time.UTC))})

	n, err := s.DeleteOlderThan(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("deleted %d, want 1", n)
	}
	if _, err := s.QueryByID(ctx, oldClosed); !errors.Is(err, activity.ErrNotFound) {
		t.Errorf("old closed session should be gone, err = %v", err)
	}
	for _, id := range []int64{oldOpen, recent} {
		if _, err := s.QueryByID(ctx, id); err != nil {
			t.Errorf("session %d should remain: %v", id, err)
		}
	}
	if _, err := s.DeleteOlderThan(ctx, 0); err == nil {
		t.Error("expected error for non-positive days")
	}
}

// ─── Reads ──────────────────────────────────────────────────────────────────

func TestQueryByTimeRange_DescAndFiltered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _ = s.InsertSession(ctx, activity.Session{ActivityType: "a", StartTime: at(9, 0, 0)})
	_, _ = s.InsertSession(ctx, activity.Session{ActivityType: "b", StartTime: at(10, 0, 0)})
	_, _ = s.InsertSession(ctx, activity.Session{ActivityType: "a", StartTime: at(10, 30, 0)})
	_, _ = s.InsertSession(ctx, activity.Session{ActivityType: "a", StartTime: at(11, 0, 0)})

	all, err := s.QueryByTimeRange(ctx, at(10, 0, 0), at(11, 0, 0), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || !all[0].StartTime.Equal(at(10, 30, 0)) || !all[1].StartTime.Equal(at(10, 0, 0)) {
		t.Fatalf("unexpected range result: %+v", all)
	}

	onlyA, err := s.QueryByTimeRange(ctx, at(0, 0, 0), at(23, 0, 0), "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(onlyA) != 3 {
		t.Errorf("type filter returned %d rows, want 3", len(onlyA))
	}
}

func TestQueryStatistics_OpenSessionCountsZero(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _ = s.InsertSession(ctx, activity.Session{
		ActivityType: "玩手机", StartTime: at(10, 0, 0), EndTime: ptr(at(10, 1, 30)), DurationMinutes: 1.5,
	})
	_, _ = s.InsertSession(ctx, activity.Session{ActivityType: "玩手机", StartTime: at(10, 5, 0)})

	stats, err := s.QueryStatistics(ctx, at(10, 0, 0), at(11, 0, 0), "")
	if err != nil {
		t.Fatal(err)
	}
	st, ok := stats["玩手机"]
	if !ok {
		t.Fatalf("missing type in %v", stats)
	}
	if st.EventCount != 2 || !approx(st.TotalDuration, 1.5) || !approx(st.AvgDuration, 0.75) {
		t.Errorf("stats = %+v", st)
	}
	if !st.FirstOccurrence.Equal(at(10, 0, 0)) || !st.LastOccurrence.Equal(at(10, 5, 0)) {
		t.Errorf("occurrences = %v .. %v", st.FirstOccurrence, st.LastOccurrence)
	}
}

func TestDailyStatistics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _ = s.InsertSession(ctx, activity.Session{ActivityType: "a", StartTime: at(8, 0, 0), EndTime: ptr(at(8, 10, 0)), DurationMinutes: 10})
	_, _ = s.InsertSession(ctx, activity.Session{ActivityType: "a", StartTime: at(8, 0, 0).AddDate(0, 0, 1), EndTime: ptr(at(8, 10, 0).AddDate(0, 0, 1)), DurationMinutes: 10})

	stats, err := s.DailyStatistics(ctx, at(15, 0, 0), "a")
	if err != nil {
		t.Fatal(err)
	}
	if stats["a"].EventCount != 1 || stats["a"].TotalDuration != 10 {
		t.Errorf("daily stats = %+v", stats)
	}
}

func TestRowsAfterOpenAndLatestClosed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, _ := s.InsertSession(ctx, activity.Session{ActivityType: "a", StartTime: at(8, 0, 0), EndTime: ptr(at(8, 5, 0))})
	id2, _ := s.InsertSession(ctx, activity.Session{ActivityType: "a", StartTime: at(9, 0, 0), EndTime: ptr(at(9, 5, 0))})
	id3, _ := s.InsertSession(ctx, activity.Session{ActivityType: "a", StartTime: at(10, 0, 0)})

	rows, err := s.RowsAfter(ctx, id1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].ID != id2 || rows[1].ID != id3 {
		t.Fatalf("rows after = %+v", rows)
	}

	open, err := s.OpenSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].ID != id3 {
		t.Errorf("open = %+v", open)
	}

	latest, err := s.LatestClosed(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || latest.ID != id2 {
		t.Errorf("latest closed = %+v", latest)
	}
	none, err := s.LatestClosed(ctx, "missing")
	if err != nil || none != nil {
		t.Errorf("latest closed for unknown type = %+v, %v", none, err)
	}

	c, err := s.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c.Total != 3 || c.Open != 1 {
		t.Errorf("counts = %+v", c)
	}
}

func TestMetadataMerge(t *testing.T) {
	a := activity.Metadata{App: "code", Extra: map[string]string{"k": "1"}}
	b := activity.Metadata{App: "other", Window: "main.go", Extra: map[string]string{"k": "2", "j": "3"}}
	got := a.Merge(b)
	if got.App != "code" || got.Window != "main.go" || got.Extra["k"] != "1" || got.Extra["j"] != "3" {
		t.Errorf("merge = %+v", got)
	}
	if !(activity.Metadata{}).IsZero() {
		t.Error("zero metadata should report IsZero")
	}
}
