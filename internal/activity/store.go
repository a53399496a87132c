// Package activity implements the durable session store.
//
// Sessions live in a single SQLite table keyed by a monotonic id and indexed
// by (activity_type, start_time). The store is the source of truth for
// durations and statistics; the semantic index is only a mirror of it.
package activity

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/HendryAvila/activitylog/internal/faults"

	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// timeNow is swapped in tests.
var timeNow = time.Now

// TimeLayout is the on-disk timestamp format. Fixed width UTC so that text
// comparison is chronological.
const TimeLayout = "2006-01-02 15:04:05.000"

// ErrNotFound is returned when a session id does not exist.
var ErrNotFound = errors.New("activity: session not found")

// ─── Types ───────────────────────────────────────────────────────────────────

// Metadata is the known set of source attributes plus a free-form Extra map.
type Metadata struct {
	App    string            `json:"app,omitempty"`
	Window string            `json:"window,omitempty"`
	Page   string            `json:"page,omitempty"`
	URL    string            `json:"url,omitempty"`
	Extra  map[string]string `json:"extra,omitempty"`
}

// IsZero reports whether no field is set.
func (m Metadata) IsZero() bool {
	return m.App == "" && m.Window == "" && m.Page == "" && m.URL == "" && len(m.Extra) == 0
}

// Merge returns m with empty fields filled from other and Extra keys unioned.
// Fields already set on m win.
func (m Metadata) Merge(other Metadata) Metadata {
	out := m
	if out.App == "" {
		out.App = other.App
	}
	if out.Window == "" {
		out.Window = other.Window
	}
	if out.Page == "" {
		out.Page = other.Page
	}
	if out.URL == "" {
		out.URL = other.URL
	}
	if len(other.Extra) > 0 {
		extra := make(map[string]string, len(m.Extra)+len(other.Extra))
		for k, v := range other.Extra {
			extra[k] = v
		}
		for k, v := range m.Extra {
			extra[k] = v
		}
		out.Extra = extra
	}
	return out
}

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if m.IsZero() {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("activity: cannot scan %T into Metadata", src)
	}
	if len(raw) == 0 {
		*m = Metadata{}
		return nil
	}
	return json.Unmarshal(raw, m)
}

// Session is one continuous occurrence of an activity type.
// EndTime is nil while the session is open.
type Session struct {
	ID              int64      `json:"id"`
	ActivityType    string     `json:"activity_type"`
	Content         string     `json:"content"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	LastEventAt     time.Time  `json:"last_event_at"`
	DurationMinutes float64    `json:"duration_minutes"`
	ConfidenceScore float64    `json:"confidence_score"`
	Metadata        Metadata   `json:"metadata"`
	SourceType      string     `json:"source_type"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Open reports whether the session has not been finalized.
func (s Session) Open() bool { return s.EndTime == nil }

// End returns EndTime for closed sessions and LastEventAt for open ones.
func (s Session) End() time.Time {
	if s.EndTime != nil {
		return *s.EndTime
	}
	return s.LastEventAt
}

// Progress is the mutable part of an open session.
type Progress struct {
	Content         string
	StartTime       time.Time
	LastEventAt     time.Time
	DurationMinutes float64
	ConfidenceScore float64
	Metadata        Metadata
}

// TypeStats aggregates sessions of one activity type.
type TypeStats struct {
	EventCount      int       `json:"event_count"`
	TotalDuration   float64   `json:"total_duration"`
	AvgDuration     float64   `json:"avg_duration"`
	FirstOccurrence time.Time `json:"first_occurrence"`
	LastOccurrence  time.Time `json:"last_occurrence"`
}

// Counts is a cheap summary for health output.
type Counts struct {
	Total int `json:"total"`
	Open  int `json:"open"`
}

// ─── Config ──────────────────────────────────────────────────────────────────

// Config holds store configuration.
type Config struct {
	DataDir   string
	OpTimeout time.Duration
}

// DefaultConfig returns the default configuration for the store.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DataDir:   filepath.Join(home, ".activitylog"),
		OpTimeout: 5 * time.Second,
	}
}

// ─── Store ───────────────────────────────────────────────────────────────────

// Store is the SQLite-backed session store.
type Store struct {
	db    *sql.DB
	cfg   Config
	hooks storeHooks
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

type storeHooks struct {
	exec    func(ctx context.Context, db execer, query string, args ...any) (sql.Result, error)
	queryIt func(ctx context.Context, db queryer, query string, args ...any) (rowScanner, error)
}

func (s *Store) execHook(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if s.hooks.exec != nil {
		return s.hooks.exec(ctx, s.db, query, args...)
	}
	return s.db.ExecContext(ctx, query, args...)
}

func (s *Store) queryItHook(ctx context.Context, query string, args ...any) (rowScanner, error) {
	if s.hooks.queryIt != nil {
		return s.hooks.queryIt(ctx, s.db, query, args...)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// New creates a Store. It creates the data directory if needed, opens
// SQLite with WAL mode and runs migrations.
func New(cfg Config) (*Store, error) {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultConfig().OpTimeout
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("activity: create data dir: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "activity.db")
	db, err := openDB("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("activity: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("activity: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, cfg: cfg}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("activity: migration: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.OpTimeout)
}

// ─── Migrations ──────────────────────────────────────────────────────────────

func (s *Store) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			activity_type    TEXT NOT NULL,
			content          TEXT NOT NULL DEFAULT '',
			start_time       TEXT NOT NULL,
			end_time         TEXT,
			duration_minutes REAL NOT NULL DEFAULT 0,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		);
	`
	if _, err := s.execHook(ctx, schema); err != nil {
		return err
	}

	// Columns added after the first release. Older databases gain them in place.
	columns := []struct {
		name       string
		definition string
	}{
		{name: "last_event_at", definition: "TEXT"},
		{name: "confidence_score", definition: "REAL"},
		{name: "metadata_json", definition: "TEXT"},
		{name: "source_type", definition: "TEXT"},
	}
	for _, c := range columns {
		if err := s.addColumnIfNotExists(ctx, "sessions", c.name, c.definition); err != nil {
			return err
		}
	}

	indexes := `
		CREATE INDEX IF NOT EXISTS idx_sessions_type_start ON sessions(activity_type, start_time);
		CREATE INDEX IF NOT EXISTS idx_sessions_start ON sessions(start_time);
		CREATE INDEX IF NOT EXISTS idx_sessions_open ON sessions(end_time) WHERE end_time IS NULL;
	`
	_, err := s.execHook(ctx, indexes)
	return err
}

func (s *Store) addColumnIfNotExists(ctx context.Context, tableName, columnName, definition string) error {
	rows, err := s.queryItHook(ctx, fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var cid int
		var name, typ string
		var notNull int
		var defaultValue any
		var pk int
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_ = rows.Close()

	_, err = s.execHook(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", tableName, columnName, definition))
	return err
}

// ─── Writes ──────────────────────────────────────────────────────────────────

// InsertSession stores a new session and returns its id. The id field of
// sess is ignored.
func (s *Store) InsertSession(ctx context.Context, sess Session) (int64, error) {
	if strings.TrimSpace(sess.ActivityType) == "" {
		return 0, fmt.Errorf("activity: insert session: empty activity type")
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now := formatTime(timeNow())
	last := sess.LastEventAt
	if last.IsZero() {
		last = sess.StartTime
	}
	res, err := s.execHook(ctx,
		`INSERT INTO sessions (activity_type, content, start_time, end_time, last_event_at,
			duration_minutes, confidence_score, metadata_json, source_type, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ActivityType, sess.Content, formatTime(sess.StartTime), nullableTime(sess.EndTime),
		formatTime(last), sess.DurationMinutes, sess.ConfidenceScore, sess.Metadata,
		nullableString(sess.SourceType), now, now,
	)
	if err != nil {
		return 0, wrapErr("insert session", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapErr("insert session", err)
	}
	return id, nil
}

// UpdateSessionProgress rewrites the mutable fields of a session and marks
// it open. Reopening a closed session for a merge goes through here too.
func (s *Store) UpdateSessionProgress(ctx context.Context, id int64, p Progress) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.execHook(ctx,
		`UPDATE sessions
		 SET content = ?, start_time = ?, last_event_at = ?, end_time = NULL,
		     duration_minutes = ?, confidence_score = ?, metadata_json = ?, updated_at = ?
		 WHERE id = ?`,
		p.Content, formatTime(p.StartTime), formatTime(p.LastEventAt),
		p.DurationMinutes, p.ConfidenceScore, p.Metadata, formatTime(timeNow()), id,
	)
	if err != nil {
		return wrapErr("update session progress", err)
	}
	return expectRow(res, id)
}

// UpdateSessionEnd closes a session. Repeating the call with the same or a
// later end time is safe; the last write wins.
func (s *Store) UpdateSessionEnd(ctx context.Context, id int64, end time.Time, durationMinutes float64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.execHook(ctx,
		`UPDATE sessions
		 SET end_time = ?, last_event_at = ?, duration_minutes = ?, updated_at = ?
		 WHERE id = ?`,
		formatTime(end), formatTime(end), durationMinutes, formatTime(timeNow()), id,
	)
	if err != nil {
		return wrapErr("update session end", err)
	}
	return expectRow(res, id)
}

// DeleteOlderThan removes closed sessions that started more than days ago.
// Open sessions are never removed.
func (s *Store) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("activity: delete older than: days must be positive, got %d", days)
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	cutoff := timeNow().AddDate(0, 0, -days)
	res, err := s.execHook(ctx,
		`DELETE FROM sessions WHERE end_time IS NOT NULL AND start_time < ?`,
		formatTime(cutoff),
	)
	if err != nil {
		return 0, wrapErr("delete older than", err)
	}
	return res.RowsAffected()
}

// ─── Reads ───────────────────────────────────────────────────────────────────

const sessionColumns = `id, activity_type, content, start_time, end_time, last_event_at,
	duration_minutes, confidence_score, metadata_json, source_type, created_at, updated_at`

// QueryByID returns one session or ErrNotFound.
func (s *Store) QueryByID(ctx context.Context, id int64) (*Session, error) {
	sessions, err := s.querySessions(ctx, "query by id",
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, faults.Wrap(faults.KindNotFound, "activity: query by id", fmt.Errorf("%w: %d", ErrNotFound, id))
	}
	return &sessions[0], nil
}

// QueryByTimeRange returns sessions whose start lies in [start, end), newest
// first. An empty activityType matches every type.
func (s *Store) QueryByTimeRange(ctx context.Context, start, end time.Time, activityType string) ([]Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE start_time >= ? AND start_time < ?`
	args := []any{formatTime(start), formatTime(end)}
	if activityType != "" {
		q += ` AND activity_type = ?`
		args = append(args, activityType)
	}
	q += ` ORDER BY start_time DESC, id DESC`
	return s.querySessions(ctx, "query by time range", q, args...)
}

// QueryStatistics aggregates sessions starting in [start, end) per type.
// Open sessions are counted with zero duration.
func (s *Store) QueryStatistics(ctx context.Context, start, end time.Time, activityType string) (map[string]TypeStats, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	q := `SELECT activity_type,
			COUNT(*),
			COALESCE(SUM(CASE WHEN end_time IS NULL THEN 0 ELSE duration_minutes END), 0),
			MIN(start_time),
			MAX(COALESCE(end_time, last_event_at, start_time))
		FROM sessions WHERE start_time >= ? AND start_time < ?`
	args := []any{formatTime(start), formatTime(end)}
	if activityType != "" {
		q += ` AND activity_type = ?`
		args = append(args, activityType)
	}
	q += ` GROUP BY activity_type`

	rows, err := s.queryItHook(ctx, q, args...)
	if err != nil {
		return nil, wrapErr("query statistics", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]TypeStats)
	for rows.Next() {
		var (
			typ         string
			st          TypeStats
			first, last string
		)
		if err := rows.Scan(&typ, &st.EventCount, &st.TotalDuration, &first, &last); err != nil {
			return nil, wrapErr("query statistics", err)
		}
		if st.EventCount > 0 {
			st.AvgDuration = st.TotalDuration / float64(st.EventCount)
		}
		if st.FirstOccurrence, err = parseTime(first); err != nil {
			return nil, wrapErr("query statistics", err)
		}
		if st.LastOccurrence, err = parseTime(last); err != nil {
			return nil, wrapErr("query statistics", err)
		}
		out[typ] = st
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("query statistics", err)
	}
	return out, nil
}

// DailyStatistics aggregates the calendar day containing date, in date's
// location.
func (s *Store) DailyStatistics(ctx context.Context, date time.Time, activityType string) (map[string]TypeStats, error) {
	start := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	return s.QueryStatistics(ctx, start, start.AddDate(0, 0, 1), activityType)
}

// RowsAfter returns up to limit sessions with id > afterID in id order.
func (s *Store) RowsAfter(ctx context.Context, afterID int64, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.querySessions(ctx, "rows after",
		`SELECT `+sessionColumns+` FROM sessions WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
}

// OpenSessions returns every session whose end time is still unset.
func (s *Store) OpenSessions(ctx context.Context) ([]Session, error) {
	return s.querySessions(ctx, "open sessions",
		`SELECT `+sessionColumns+` FROM sessions WHERE end_time IS NULL ORDER BY id ASC`)
}

// LatestClosed returns the closed session of activityType with the latest
// end time, or nil when there is none.
func (s *Store) LatestClosed(ctx context.Context, activityType string) (*Session, error) {
	sessions, err := s.querySessions(ctx, "latest closed",
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE activity_type = ? AND end_time IS NOT NULL
		 ORDER BY end_time DESC, id DESC LIMIT 1`, activityType)
	if err != nil || len(sessions) == 0 {
		return nil, err
	}
	return &sessions[0], nil
}

// Counts returns the total and open session counts.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var c Counts
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN end_time IS NULL THEN 1 ELSE 0 END), 0) FROM sessions`,
	).Scan(&c.Total, &c.Open)
	if err != nil {
		return Counts{}, wrapErr("counts", err)
	}
	return c, nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (s *Store) querySessions(ctx context.Context, op, query string, args ...any) ([]Session, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.queryItHook(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	defer func() { _ = rows.Close() }()

	var results []Session
	for rows.Next() {
		var (
			sess                       Session
			start, created, updated    string
			end, lastEvent, sourceType sql.NullString
			confidence                 sql.NullFloat64
		)
		if err := rows.Scan(
			&sess.ID, &sess.ActivityType, &sess.Content, &start, &end, &lastEvent,
			&sess.DurationMinutes, &confidence, &sess.Metadata, &sourceType, &created, &updated,
		); err != nil {
			return nil, wrapErr(op, err)
		}
		if err := sess.fillTimes(start, end, lastEvent, created, updated); err != nil {
			return nil, wrapErr(op, err)
		}
		sess.ConfidenceScore = confidence.Float64
		sess.SourceType = sourceType.String
		results = append(results, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(op, err)
	}
	return results, nil
}

func (sess *Session) fillTimes(start string, end, lastEvent sql.NullString, created, updated string) error {
	var err error
	if sess.StartTime, err = parseTime(start); err != nil {
		return err
	}
	if end.Valid {
		t, err := parseTime(end.String)
		if err != nil {
			return err
		}
		sess.EndTime = &t
	}
	switch {
	case lastEvent.Valid:
		if sess.LastEventAt, err = parseTime(lastEvent.String); err != nil {
			return err
		}
	case sess.EndTime != nil:
		sess.LastEventAt = *sess.EndTime
	default:
		sess.LastEventAt = sess.StartTime
	}
	if sess.CreatedAt, err = parseTime(created); err != nil {
		return err
	}
	sess.UpdatedAt, err = parseTime(updated)
	return err
}

func expectRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("rows affected", err)
	}
	if n == 0 {
		return faults.Wrap(faults.KindNotFound, "activity: update", fmt.Errorf("%w: %d", ErrNotFound, id))
	}
	return nil
}

func wrapErr(op string, err error) error {
	return faults.WrapClassified("activity: "+op, err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.ParseInLocation(TimeLayout, v, time.UTC)
	if err != nil {
		// Rows written by SQLite defaults use second precision.
		return time.ParseInLocation(time.DateTime, v, time.UTC)
	}
	return t, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// DurationMinutes returns the minutes between start and end, never negative.
func DurationMinutes(start, end time.Time) float64 {
	d := end.Sub(start).Minutes()
	if d < 0 {
		return 0
	}
	return d
}
