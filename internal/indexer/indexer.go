// Package indexer mirrors session rows into a vector backend.
//
// Progress is a watermark: the highest session id known to be in the index.
// A sweep reads rows above the watermark in id order and upserts them in
// batches; the watermark only moves past a batch after the backend accepted
// it. Record ids derive from session ids, so replaying rows is an overwrite.
//
// Sessions at or below the watermark still change when they are extended
// or closed. Those are written one at a time by IndexOne; an id whose write
// failed, or arrived while a sweep held the backend, is kept in a stale set
// and re-read from the source at the end of the next sweep.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/HendryAvila/activitylog/internal/activity"
	"github.com/HendryAvila/activitylog/internal/faults"
	"github.com/HendryAvila/activitylog/internal/vector"
)

var tracer = otel.Tracer("github.com/HendryAvila/activitylog/internal/indexer")

// timeNow is swapped in tests.
var timeNow = time.Now

// Source reads session rows.
type Source interface {
	RowsAfter(ctx context.Context, afterID int64, limit int) ([]activity.Session, error)
	QueryByID(ctx context.Context, id int64) (*activity.Session, error)
}

// Config tunes sweeps.
type Config struct {
	// BatchSize is clamped to the backend's MaxBatch.
	BatchSize int
	// BatchTimeout bounds one backend write. A timed out batch is a failed batch.
	BatchTimeout time.Duration
}

// DefaultConfig returns the default sweep settings.
func DefaultConfig() Config {
	return Config{BatchSize: 200, BatchTimeout: 30 * time.Second}
}

// Status is a point-in-time view for health output.
type Status struct {
	Watermark   int64     `json:"watermark"`
	LastSweepAt time.Time `json:"last_sweep_at,omitzero"`
	LastIndexed int       `json:"last_indexed"`
	LastError   string    `json:"last_error,omitempty"`
	Corrupt     bool      `json:"corrupt"`
	Stale       int       `json:"stale"`
}

// Indexer owns the watermark and the sweep lock.
type Indexer struct {
	source  Source
	backend vector.Backend
	cfg     Config
	logger  *slog.Logger

	// sweepMu admits one sweep at a time. Callers that lose the race return at once.
	sweepMu sync.Mutex
	// writeMu is held by a sweep for its whole run and by IndexOne around
	// its write, so a sweep never lands an older row over a newer one.
	writeMu sync.Mutex

	mu        sync.Mutex
	watermark int64
	status    Status
	stale     map[int64]struct{}
}

// New creates an Indexer. Call Recover before the first sweep.
func New(source Source, backend vector.Backend, cfg Config, logger *slog.Logger) *Indexer {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = def.BatchTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Indexer{
		source:  source,
		backend: backend,
		cfg:     cfg,
		logger:  logger.With("component", "indexer"),
		stale:   make(map[int64]struct{}),
	}
}

// Recover raises the watermark to the highest source id already in the
// backend. On error the watermark stays where it is, which at startup is 0;
// replaying from there is safe.
func (ix *Indexer) Recover(ctx context.Context) (int64, error) {
	max, err := ix.backend.MaxSourceID(ctx)
	if err != nil {
		ix.logger.Warn("watermark recovery failed, starting from current watermark",
			"watermark", ix.Watermark(), "error", err)
		return ix.Watermark(), fmt.Errorf("indexer: recover: %w", err)
	}
	ix.advance(max)
	wm := ix.Watermark()
	ix.logger.Info("watermark recovered", "watermark", wm)
	return wm, nil
}

// Watermark returns the highest session id known to be indexed.
func (ix *Indexer) Watermark() int64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.watermark
}

// Status returns a copy of the indexer status.
func (ix *Indexer) Status() Status {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	st := ix.status
	st.Watermark = ix.watermark
	st.Stale = len(ix.stale)
	return st
}

func (ix *Indexer) advance(id int64) {
	ix.mu.Lock()
	if id > ix.watermark {
		ix.watermark = id
	}
	ix.mu.Unlock()
}

func (ix *Indexer) batchSize() int {
	size := ix.cfg.BatchSize
	if max := ix.backend.MaxBatch(); max > 0 && size > max {
		size = max
	}
	return size
}

// ─── Sweep ───────────────────────────────────────────────────────────────────

// Sweep indexes every row above the watermark and returns how many records
// it wrote. When another sweep is running it returns 0 and nil at once. On a
// failed batch it returns the records written before it together with the
// error; the failed rows stay above the watermark for the next run.
func (ix *Indexer) Sweep(ctx context.Context) (int, error) {
	if !ix.sweepMu.TryLock() {
		return 0, nil
	}
	defer ix.sweepMu.Unlock()
	return ix.sweepLocked(ctx)
}

// sweepLocked expects sweepMu held.
func (ix *Indexer) sweepLocked(ctx context.Context) (int, error) {
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	ctx, span := tracer.Start(ctx, "indexer.sweep")
	defer span.End()

	runID := uuid.NewString()
	log := ix.logger.With("run_id", runID)
	size := ix.batchSize()
	start := ix.Watermark()
	total := 0

	n, err := ix.sweepBatches(ctx, log, size, &total)
	if err == nil {
		var refreshed int
		refreshed, err = ix.refreshStale(ctx, size)
		total += refreshed
	}
	span.SetAttributes(
		attribute.Int64("indexer.from", start),
		attribute.Int64("indexer.to", ix.Watermark()),
		attribute.Int("indexer.indexed", total),
	)
	ix.record(total, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return total, err
	}
	if n > 0 {
		log.Info("sweep complete", "rows", n, "indexed", total, "from", start, "to", ix.Watermark())
	}
	return total, nil
}

// sweepBatches returns the number of rows read; *indexed counts records written.
func (ix *Indexer) sweepBatches(ctx context.Context, log *slog.Logger, size int, indexed *int) (int, error) {
	rowsRead := 0
	for {
		if err := ctx.Err(); err != nil {
			return rowsRead, err
		}
		from := ix.Watermark()
		rows, err := ix.source.RowsAfter(ctx, from, size)
		if err != nil {
			return rowsRead, faults.WrapClassified("indexer: read rows", err)
		}
		if len(rows) == 0 {
			return rowsRead, nil
		}

		records := make([]vector.Record, 0, len(rows))
		for _, row := range rows {
			if rec, ok := RecordFor(row); ok {
				records = append(records, rec)
			}
		}
		if len(records) > 0 {
			if err := ix.write(ctx, records); err != nil {
				kind := faults.Classify(err)
				attrs := []any{"from", from, "batch", len(records), "kind", kind.String(), "error", err}
				if advice := faults.Advice(kind); advice != "" {
					attrs = append(attrs, "action", advice)
				}
				log.Error("index batch failed", attrs...)
				return rowsRead, faults.Wrap(kind, fmt.Sprintf("indexer: batch after id %d", from), err)
			}
		}
		// Rows without a document advance the watermark too.
		ix.advance(rows[len(rows)-1].ID)
		rowsRead += len(rows)
		*indexed += len(records)
		if len(rows) < size {
			return rowsRead, nil
		}
	}
}

func (ix *Indexer) write(ctx context.Context, records []vector.Record) error {
	ctx, cancel := context.WithTimeout(ctx, ix.cfg.BatchTimeout)
	defer cancel()
	err := ix.backend.Upsert(ctx, records)
	if err != nil && faults.Classify(err) == faults.KindDuplicate {
		return nil
	}
	return err
}

func (ix *Indexer) record(indexed int, err error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.status.LastSweepAt = timeNow()
	ix.status.LastIndexed = indexed
	ix.status.LastError = ""
	if err != nil {
		ix.status.LastError = err.Error()
		if faults.Classify(err) == faults.KindCorruption {
			ix.status.Corrupt = true
		}
	}
}

// ─── Single record ───────────────────────────────────────────────────────────

// IndexOne writes one session right away. It uses the same document rules as
// a sweep and leaves the watermark alone. While a sweep runs, or when the
// write fails, the id is marked stale and the next sweep rewrites it from
// the source.
func (ix *Indexer) IndexOne(ctx context.Context, s activity.Session) error {
	if s.ID == 0 {
		return nil
	}
	rec, ok := RecordFor(s)
	if !ok {
		return nil
	}
	if !ix.writeMu.TryLock() {
		ix.markStale(s.ID)
		return nil
	}
	err := ix.write(ctx, []vector.Record{rec})
	ix.writeMu.Unlock()
	if err == nil {
		ix.clearStale(s.ID)
		return nil
	}
	ix.markStale(s.ID)
	kind := faults.Classify(err)
	if kind == faults.KindCorruption {
		ix.mu.Lock()
		ix.status.Corrupt = true
		ix.status.LastError = err.Error()
		ix.mu.Unlock()
		ix.logger.Error("index backend corrupted",
			"session_id", s.ID, "error", err, "action", faults.Advice(kind))
	}
	return faults.Wrap(kind, fmt.Sprintf("indexer: index session %d", s.ID), err)
}

// ─── Stale records ───────────────────────────────────────────────────────────

func (ix *Indexer) markStale(id int64) {
	ix.mu.Lock()
	ix.stale[id] = struct{}{}
	ix.mu.Unlock()
}

func (ix *Indexer) clearStale(id int64) {
	ix.mu.Lock()
	delete(ix.stale, id)
	ix.mu.Unlock()
}

func (ix *Indexer) takeStale() []int64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if len(ix.stale) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(ix.stale))
	for id := range ix.stale {
		ids = append(ids, id)
	}
	clear(ix.stale)
	slices.Sort(ids)
	return ids
}

// refreshStale rewrites stale ids from their current rows. Ids that cannot
// be read or written go back into the set; rows that no longer exist are
// forgotten. Callers hold writeMu.
func (ix *Indexer) refreshStale(ctx context.Context, size int) (int, error) {
	ids := ix.takeStale()
	if len(ids) == 0 {
		return 0, nil
	}
	written := 0
	for len(ids) > 0 {
		chunk := ids[:min(size, len(ids))]
		ids = ids[len(chunk):]

		records := make([]vector.Record, 0, len(chunk))
		for _, id := range chunk {
			s, err := ix.source.QueryByID(ctx, id)
			if err != nil {
				if faults.Classify(err) == faults.KindNotFound {
					continue
				}
				ix.requeue(chunk, ids)
				return written, faults.WrapClassified(fmt.Sprintf("indexer: reread session %d", id), err)
			}
			if rec, ok := RecordFor(*s); ok {
				records = append(records, rec)
			}
		}
		if len(records) == 0 {
			continue
		}
		if err := ix.write(ctx, records); err != nil {
			ix.requeue(chunk, ids)
			return written, faults.Wrap(faults.Classify(err), "indexer: rewrite stale records", err)
		}
		written += len(records)
	}
	return written, nil
}

func (ix *Indexer) requeue(groups ...[]int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, ids := range groups {
		for _, id := range ids {
			ix.stale[id] = struct{}{}
		}
	}
}

// ─── Maintenance ─────────────────────────────────────────────────────────────

// Reindex rebuilds the index from the first row. With reset the backend is
// emptied first. It waits for a running sweep to finish.
func (ix *Indexer) Reindex(ctx context.Context, reset bool) (int, error) {
	ix.sweepMu.Lock()
	defer ix.sweepMu.Unlock()

	if reset {
		if err := ix.backend.Reset(ctx); err != nil {
			return 0, fmt.Errorf("indexer: reset backend: %w", err)
		}
		ix.mu.Lock()
		ix.status.Corrupt = false
		ix.mu.Unlock()
	}
	ix.mu.Lock()
	ix.watermark = 0
	ix.mu.Unlock()
	ix.logger.Info("reindex started", "reset", reset)
	return ix.sweepLocked(ctx)
}

// Prune removes records whose session started before cutoff.
func (ix *Indexer) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := ix.backend.DeleteBefore(ctx, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("indexer: prune: %w", err)
	}
	return n, nil
}

// Run sweeps on every tick until ctx ends. Sweep errors are logged; the
// next tick retries from the watermark.
func (ix *Indexer) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("indexer: run interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := ix.Sweep(ctx); err != nil && ctx.Err() == nil {
			ix.logger.Warn("scheduled sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ─── Documents ───────────────────────────────────────────────────────────────

// BuildDocument concatenates the present source fields in a fixed order:
// app, window, page, url, content. An empty result means nothing to index.
func BuildDocument(s activity.Session) string {
	var parts []string
	add := func(label, v string) {
		v = strings.TrimSpace(v)
		if v == "" {
			return
		}
		if label != "" {
			v = label + ": " + v
		}
		parts = append(parts, v)
	}
	add("App", s.Metadata.App)
	add("Window", s.Metadata.Window)
	add("Page", s.Metadata.Page)
	add("URL", s.Metadata.URL)
	add("", s.Content)
	return strings.Join(parts, "\n")
}

// RecordFor converts a session to its vector record. ok is false when the
// session has no document.
func RecordFor(s activity.Session) (vector.Record, bool) {
	doc := BuildDocument(s)
	if doc == "" {
		return vector.Record{}, false
	}
	extra := make(map[string]string, len(s.Metadata.Extra)+2)
	for k, v := range s.Metadata.Extra {
		extra[k] = v
	}
	if s.Metadata.Window != "" {
		extra["window"] = s.Metadata.Window
	}
	if s.Metadata.URL != "" {
		extra["url"] = s.Metadata.URL
	}
	if len(extra) == 0 {
		extra = nil
	}
	return vector.Record{
		ID:       vector.RecordID(s.ID),
		Document: doc,
		Metadata: vector.Metadata{
			TimestampUnix: s.StartTime.Unix(),
			EndUnix:       s.End().Unix(),
			RecordType:    vector.RecordTypeSession,
			ActivityType:  s.ActivityType,
			SourceDBID:    s.ID,
			SourceType:    s.SourceType,
			App:           s.Metadata.App,
			Extra:         extra,
		},
	}, true
}
