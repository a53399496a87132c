// Package ingest moves detector events into the session tracker.
//
// A single Worker goroutine owns the event queue and is the only caller of
// the tracker during normal operation. After each event the sessions it
// touched are indexed right away so questions about the last few minutes
// do not wait for the next scheduled sweep.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HendryAvila/activitylog/internal/activity"
	"github.com/HendryAvila/activitylog/internal/tracker"
)

// ErrStopped is returned by Submit once the worker has shut down.
var ErrStopped = errors.New("ingest: worker stopped")

// ShutdownTimeout bounds the final flush after Run's context ends.
var ShutdownTimeout = 10 * time.Second

// Tracker is the session state machine the worker feeds.
type Tracker interface {
	Ingest(ctx context.Context, ev tracker.Event) (tracker.Result, error)
	FinalizeAll(ctx context.Context) ([]activity.Session, error)
}

// Indexer writes single sessions to the semantic index.
type Indexer interface {
	IndexOne(ctx context.Context, s activity.Session) error
}

// Status counts worker activity since start.
type Status struct {
	Received  int64 `json:"received"`
	Processed int64 `json:"processed"`
	Rejected  int64 `json:"rejected"`
	Dropped   int64 `json:"dropped"`
	Queued    int   `json:"queued"`
}

// Worker serializes events into the tracker.
type Worker struct {
	tracker Tracker
	indexer Indexer
	logger  *slog.Logger
	events  chan tracker.Event
	done    chan struct{}
	once    sync.Once

	// mu orders Submit's admission against shutdown; inflight tracks
	// admitted submits so the final drain sees every accepted event.
	mu       sync.Mutex
	stopped  bool
	inflight sync.WaitGroup

	received, processed, rejected, dropped atomic.Int64
}

// NewWorker creates a worker with a queue of queueSize events. indexer may
// be nil.
func NewWorker(t Tracker, indexer Indexer, queueSize int, logger *slog.Logger) *Worker {
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Worker{
		tracker: t,
		indexer: indexer,
		logger:  logger.With("component", "ingest"),
		events:  make(chan tracker.Event, queueSize),
		done:    make(chan struct{}),
	}
}

// Submit queues ev. It blocks while the queue is full and fails when ctx
// ends or the worker has stopped.
func (w *Worker) Submit(ctx context.Context, ev tracker.Event) error {
	if err := ev.Validate(); err != nil {
		w.rejected.Add(1)
		return err
	}
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return ErrStopped
	}
	w.inflight.Add(1)
	w.mu.Unlock()
	defer w.inflight.Done()

	select {
	case w.events <- ev:
		w.received.Add(1)
		return nil
	case <-w.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes queued events until ctx ends, then drains the queue and
// finalizes every open session.
func (w *Worker) Run(ctx context.Context) error {
	defer w.stop()
	for {
		select {
		case ev := <-w.events:
			_, _ = w.Process(ctx, ev)
		case <-ctx.Done():
			return w.shutdown(context.WithoutCancel(ctx))
		}
	}
}

func (w *Worker) shutdown(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, ShutdownTimeout)
	defer cancel()

	w.stop()
	w.inflight.Wait()
	for drained := false; !drained; {
		select {
		case ev := <-w.events:
			_, _ = w.Process(ctx, ev)
		default:
			drained = true
		}
	}
	_, err := w.Finalize(ctx)
	return err
}

// stop refuses new submits and releases those blocked on a full queue.
func (w *Worker) stop() {
	w.once.Do(func() {
		w.mu.Lock()
		w.stopped = true
		close(w.done)
		w.mu.Unlock()
	})
}

// Process runs one event through the tracker and indexes the sessions it
// touched. Index failures are logged, never returned: the session is
// already stored and the indexer retries it on its next sweep.
func (w *Worker) Process(ctx context.Context, ev tracker.Event) (tracker.Result, error) {
	res, err := w.tracker.Ingest(ctx, ev)
	if err != nil {
		w.rejected.Add(1)
		w.logger.Warn("event rejected", "activity_type", ev.ActivityType, "error", err)
		return res, err
	}
	if res.Action == tracker.ActionDropped {
		w.dropped.Add(1)
		return res, nil
	}
	w.processed.Add(1)
	if res.Finalized != nil {
		w.index(ctx, *res.Finalized)
	}
	w.index(ctx, res.Session)
	return res, nil
}

// Finalize closes all open sessions and indexes them.
func (w *Worker) Finalize(ctx context.Context) ([]activity.Session, error) {
	closed, err := w.tracker.FinalizeAll(ctx)
	for _, s := range closed {
		w.index(ctx, s)
	}
	if err != nil {
		w.logger.Warn("finalize left unsaved sessions", "error", err)
		return closed, fmt.Errorf("ingest: finalize: %w", err)
	}
	if len(closed) > 0 {
		w.logger.Info("finalized open sessions", "count", len(closed))
	}
	return closed, nil
}

func (w *Worker) index(ctx context.Context, s activity.Session) {
	if w.indexer == nil || s.ID == 0 {
		return
	}
	if err := w.indexer.IndexOne(ctx, s); err != nil {
		w.logger.Warn("index on ingest failed, leaving it to the sweep",
			"session_id", s.ID, "error", err)
	}
}

// Status returns the worker counters.
func (w *Worker) Status() Status {
	return Status{
		Received:  w.received.Load(),
		Processed: w.processed.Load(),
		Rejected:  w.rejected.Load(),
		Dropped:   w.dropped.Load(),
		Queued:    len(w.events),
	}
}
