// Package retrieval is the query surface over recorded activity.
//
// A query sweeps the indexer first so fresh sessions are searchable,
// resolves a time window from the question, runs a similarity search
// restricted to that window and turns the matches into grounding context
// for a language model. Statistics and session listings read the store
// directly.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/HendryAvila/activitylog/internal/activity"
	"github.com/HendryAvila/activitylog/internal/faults"
	"github.com/HendryAvila/activitylog/internal/timeparse"
	"github.com/HendryAvila/activitylog/internal/tracker"
	"github.com/HendryAvila/activitylog/internal/vector"
)

var tracer = otel.Tracer("github.com/HendryAvila/activitylog/internal/retrieval")

// timeNow is swapped in tests.
var timeNow = time.Now

// KindOverride marks a window taken from an explicit minutes_ago value.
const KindOverride timeparse.Kind = "minutes_ago"

// DisplayLayout formats window bounds and match times.
const DisplayLayout = "2006-01-02 15:04:05"

// ErrEmptyQuery is returned when the question text is blank.
var ErrEmptyQuery = errors.New("retrieval: query text is required")

// ─── Collaborators ───────────────────────────────────────────────────────────

// Sweeper brings the index up to date before a search.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Searcher runs a time-filtered similarity search.
type Searcher interface {
	Query(ctx context.Context, text string, k int, where *vector.TimeRange) ([]vector.Match, error)
}

// Store reads sessions and statistics.
type Store interface {
	QueryStatistics(ctx context.Context, start, end time.Time, activityType string) (map[string]activity.TypeStats, error)
	QueryByTimeRange(ctx context.Context, start, end time.Time, activityType string) ([]activity.Session, error)
}

// Answerer turns a grounded prompt into natural-language text.
type Answerer interface {
	Answer(ctx context.Context, prompt string) (string, error)
}

// RulesSource provides the current per-type rules for visibility filtering.
type RulesSource interface {
	Rules() tracker.Rules
}

// Deps are the coordinator's collaborators. Sweeper, Answerer and Rules
// are optional.
type Deps struct {
	Sweeper  Sweeper
	Searcher Searcher
	Store    Store
	Answerer Answerer
	Rules    RulesSource
}

// Config tunes retrieval.
type Config struct {
	TopK         int
	SweepTimeout time.Duration
	Parser       timeparse.Parser
	// Location is used for display. Defaults to time.Local.
	Location *time.Location
}

// DefaultConfig returns the default retrieval settings.
func DefaultConfig() Config {
	return Config{TopK: 30, SweepTimeout: 10 * time.Second}
}

// Coordinator answers questions about recorded activity.
type Coordinator struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
}

// New creates a Coordinator. Searcher and Store are required.
func New(deps Deps, cfg Config, logger *slog.Logger) (*Coordinator, error) {
	if deps.Searcher == nil || deps.Store == nil {
		return nil, errors.New("retrieval: searcher and store are required")
	}
	def := DefaultConfig()
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = def.SweepTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{deps: deps, cfg: cfg, logger: logger.With("component", "retrieval")}, nil
}

// ─── Query ───────────────────────────────────────────────────────────────────

// Request is a natural-language question. MinutesAgo > 0 overrides the
// window parsed from Text.
type Request struct {
	Text       string `json:"text"`
	MinutesAgo int    `json:"minutes_ago,omitempty"`
}

// Answer is the outcome of a query. When Empty is set, Text holds the
// no-records message. Otherwise Context holds the grounding context and
// Text the model's answer, or the context itself when no model answered.
type Answer struct {
	Query    string           `json:"query"`
	Window   timeparse.Window `json:"window"`
	Matches  []vector.Match   `json:"matches"`
	Context  string           `json:"context,omitempty"`
	Prompt   string           `json:"-"`
	Text     string           `json:"text"`
	Empty    bool             `json:"empty"`
	Indexed  int              `json:"indexed"`
	LLMError string           `json:"llm_error,omitempty"`
}

// Query answers req.
func (c *Coordinator) Query(ctx context.Context, req Request) (*Answer, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ErrEmptyQuery
	}
	ctx, span := tracer.Start(ctx, "retrieval.query", trace.WithAttributes(
		attribute.Int("retrieval.minutes_ago", req.MinutesAgo),
	))
	defer span.End()

	indexed := c.sweep(ctx)
	window := c.Window(text, req.MinutesAgo)
	span.SetAttributes(
		attribute.String("retrieval.window_kind", string(window.Kind)),
		attribute.Int("retrieval.indexed", indexed),
	)

	matches, err := c.deps.Searcher.Query(ctx, text, c.cfg.TopK, &vector.TimeRange{
		Start: window.Start.Unix(),
		End:   window.End.Unix(),
	})
	if err != nil {
		err = faults.WrapClassified("retrieval: search", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("retrieval.matches", len(matches)))

	ans := &Answer{Query: text, Window: window, Matches: matches, Indexed: indexed}
	if len(matches) == 0 {
		ans.Empty = true
		ans.Text = c.EmptyMessage(window)
		return ans, nil
	}

	ans.Context = c.FormatContext(matches)
	ans.Prompt = c.BuildPrompt(text, window, ans.Context)
	ans.Text = ans.Context
	if c.deps.Answerer == nil {
		return ans, nil
	}
	reply, err := c.deps.Answerer.Answer(ctx, ans.Prompt)
	if err != nil {
		c.logger.Warn("llm hand-off failed, returning grounding context", "error", err)
		span.RecordError(err)
		ans.LLMError = err.Error()
		return ans, nil
	}
	ans.Text = reply
	return ans, nil
}

// sweep runs a best-effort index sweep. A sweep already in progress makes
// this return 0 at once.
func (c *Coordinator) sweep(ctx context.Context) int {
	if c.deps.Sweeper == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SweepTimeout)
	defer cancel()
	n, err := c.deps.Sweeper.Sweep(ctx)
	if err != nil {
		c.logger.Warn("pre-query sweep failed, searching existing index", "indexed", n, "error", err)
	}
	return n
}

// maxOverrideMinutes is the largest lookback a time.Duration can hold.
const maxOverrideMinutes = math.MaxInt64 / int64(time.Minute)

// Window resolves the time window for text. minutesAgo > 0 wins.
func (c *Coordinator) Window(text string, minutesAgo int) timeparse.Window {
	now := timeNow().In(c.cfg.Location)
	if minutesAgo > 0 {
		back := min(int64(minutesAgo), maxOverrideMinutes)
		return timeparse.Window{
			Start: now.Add(-time.Duration(back) * time.Minute),
			End:   now,
			Kind:  KindOverride,
		}
	}
	return c.cfg.Parser.Resolve(text, now)
}

// ─── Statistics ──────────────────────────────────────────────────────────────

// StatsRequest selects a window and optionally one activity type.
type StatsRequest struct {
	Text         string `json:"text,omitempty"`
	MinutesAgo   int    `json:"minutes_ago,omitempty"`
	ActivityType string `json:"activity_type,omitempty"`
}

// StatsAnswer holds per-type aggregates over a window.
type StatsAnswer struct {
	Window       timeparse.Window              `json:"window"`
	Types        map[string]activity.TypeStats `json:"types"`
	TotalMinutes float64                       `json:"total_minutes"`
}

// Stats aggregates session durations per type straight from the store.
func (c *Coordinator) Stats(ctx context.Context, req StatsRequest) (*StatsAnswer, error) {
	ctx, span := tracer.Start(ctx, "retrieval.stats")
	defer span.End()

	window := c.Window(req.Text, req.MinutesAgo)
	types, err := c.deps.Store.QueryStatistics(ctx, window.Start, window.End, req.ActivityType)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("retrieval: stats: %w", err)
	}
	ans := &StatsAnswer{Window: window, Types: types}
	for _, st := range types {
		ans.TotalMinutes += st.TotalDuration
	}
	span.SetAttributes(attribute.Int("retrieval.types", len(types)))
	return ans, nil
}

// ─── Sessions ────────────────────────────────────────────────────────────────

// SessionsRequest selects sessions in a window. IncludeShort disables the
// min_duration visibility filter.
type SessionsRequest struct {
	Text         string `json:"text,omitempty"`
	MinutesAgo   int    `json:"minutes_ago,omitempty"`
	ActivityType string `json:"activity_type,omitempty"`
	IncludeShort bool   `json:"include_short,omitempty"`
}

// SessionsAnswer lists the visible sessions of a window, newest first.
type SessionsAnswer struct {
	Window   timeparse.Window   `json:"window"`
	Sessions []activity.Session `json:"sessions"`
	Hidden   int                `json:"hidden"`
}

// Sessions lists sessions that started in the window. Closed sessions
// shorter than their type's min_duration are counted in Hidden instead.
func (c *Coordinator) Sessions(ctx context.Context, req SessionsRequest) (*SessionsAnswer, error) {
	ctx, span := tracer.Start(ctx, "retrieval.sessions")
	defer span.End()

	window := c.Window(req.Text, req.MinutesAgo)
	rows, err := c.deps.Store.QueryByTimeRange(ctx, window.Start, window.End, req.ActivityType)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("retrieval: sessions: %w", err)
	}
	ans := &SessionsAnswer{Window: window, Sessions: make([]activity.Session, 0, len(rows))}
	if req.IncludeShort || c.deps.Rules == nil {
		ans.Sessions = append(ans.Sessions, rows...)
		return ans, nil
	}
	rules := c.deps.Rules.Rules()
	for _, s := range rows {
		if rules.Visible(s) {
			ans.Sessions = append(ans.Sessions, s)
		} else {
			ans.Hidden++
		}
	}
	return ans, nil
}

// ─── Formatting ──────────────────────────────────────────────────────────────

// EmptyMessage is the deterministic reply for a window without records.
func (c *Coordinator) EmptyMessage(w timeparse.Window) string {
	return fmt.Sprintf("No activity records between %s and %s.",
		w.Start.In(c.cfg.Location).Format(DisplayLayout),
		w.End.In(c.cfg.Location).Format(DisplayLayout))
}

// FormatContext renders matches as a markdown list, one line per match with
// its time span, type, app and relevance score.
func (c *Coordinator) FormatContext(matches []vector.Match) string {
	var b strings.Builder
	b.WriteString("## Activity Records\n\n")
	for _, m := range matches {
		start := time.Unix(m.Metadata.TimestampUnix, 0).In(c.cfg.Location)
		end := time.Unix(m.Metadata.EndUnix, 0).In(c.cfg.Location)
		span := start.Format(DisplayLayout)
		if m.Metadata.EndUnix > m.Metadata.TimestampUnix {
			span += " to " + end.Format("15:04:05")
		}
		app := m.Metadata.App
		if app == "" {
			app = "unknown"
		}
		fmt.Fprintf(&b, "- [%s] **%s** (app: %s, score: %.2f): %s\n",
			span, m.Metadata.ActivityType, app, m.Score, truncate(oneLine(m.Document), 300))
	}
	return b.String()
}

// BuildPrompt combines the grounding context with the user question.
func (c *Coordinator) BuildPrompt(question string, w timeparse.Window, grounding string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Time window: %s to %s\n\n",
		w.Start.In(c.cfg.Location).Format(DisplayLayout),
		w.End.In(c.cfg.Location).Format(DisplayLayout))
	b.WriteString(grounding)
	b.WriteString("\n## Question\n\n")
	b.WriteString(question)
	b.WriteString("\n")
	return b.String()
}

// FormatStats renders a stats answer as markdown, longest total first.
func (c *Coordinator) FormatStats(ans *StatsAnswer) string {
	if len(ans.Types) == 0 {
		return c.EmptyMessage(ans.Window)
	}
	types := make([]string, 0, len(ans.Types))
	for t := range ans.Types {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool {
		a, b := ans.Types[types[i]], ans.Types[types[j]]
		if a.TotalDuration != b.TotalDuration {
			return a.TotalDuration > b.TotalDuration
		}
		return types[i] < types[j]
	})

	var b strings.Builder
	fmt.Fprintf(&b, "## Activity %s to %s\n\n",
		ans.Window.Start.In(c.cfg.Location).Format(DisplayLayout),
		ans.Window.End.In(c.cfg.Location).Format(DisplayLayout))
	for _, t := range types {
		st := ans.Types[t]
		fmt.Fprintf(&b, "- **%s**: %d sessions, %.1f min total, %.1f min avg (first %s, last %s)\n",
			t, st.EventCount, st.TotalDuration, st.AvgDuration,
			st.FirstOccurrence.In(c.cfg.Location).Format("15:04"),
			st.LastOccurrence.In(c.cfg.Location).Format("15:04"))
	}
	fmt.Fprintf(&b, "\nTotal: %.1f min\n", ans.TotalMinutes)
	return b.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
