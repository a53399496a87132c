// Package tracker coalesces activity events into sessions.
//
// Each activity type owns one slot holding at most one open session. An
// event either extends the open session, closes it and starts or reopens
// another, or is dropped when it arrives too late to place. Slots are
// independent: two types never wait on each other.
//
// Writes to the store are best-effort. A failed write leaves the session
// marked dirty in memory and is retried before the next event of that type
// is applied, so memory and storage converge without losing state.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/HendryAvila/activitylog/internal/activity"
	"github.com/HendryAvila/activitylog/internal/faults"
)

// ErrUnconfiguredActivity is returned for events whose type has no rule.
var ErrUnconfiguredActivity = errors.New("tracker: no rule configured for activity type")

// Store is the persistence the tracker needs.
type Store interface {
	InsertSession(ctx context.Context, s activity.Session) (int64, error)
	UpdateSessionProgress(ctx context.Context, id int64, p activity.Progress) error
	UpdateSessionEnd(ctx context.Context, id int64, end time.Time, durationMinutes float64) error
	LatestClosed(ctx context.Context, activityType string) (*activity.Session, error)
	OpenSessions(ctx context.Context) ([]activity.Session, error)
}

// Action describes what Ingest did with an event.
type Action string

const (
	ActionCreated  Action = "created"
	ActionExtended Action = "extended"
	ActionMerged   Action = "merged"
	ActionDropped  Action = "dropped"
)

// Result reports the outcome of one Ingest call.
type Result struct {
	Action Action
	// Session is a snapshot of the session the event landed in. Its ID is 0
	// when the row could not be written yet.
	Session activity.Session
	// Finalized is the session this event closed, if any.
	Finalized *activity.Session
	// Persisted is false when a store write failed and was deferred.
	Persisted bool
}

// Tracker is the per-type session state machine.
type Tracker struct {
	store  Store
	logger *slog.Logger

	rulesMu sync.RWMutex
	rules   Rules

	slotsMu sync.RWMutex
	slots   map[string]*slot
}

type slot struct {
	mu         sync.Mutex
	open       *tracked
	lastClosed *tracked
	// pending holds closed sessions whose final write has not landed.
	pending []*tracked
}

type tracked struct {
	sess      activity.Session
	lastChunk string
	dirty     bool
}

// New creates a Tracker. A nil logger discards output.
func New(store Store, rules Rules, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Tracker{
		store:  store,
		rules:  rules,
		logger: logger.With("component", "tracker"),
		slots:  make(map[string]*slot),
	}
}

// SetRules replaces the rule set. Open sessions keep their state and are
// judged by the new rules from the next event on.
func (t *Tracker) SetRules(r Rules) {
	t.rulesMu.Lock()
	t.rules = r
	t.rulesMu.Unlock()
}

// Rules returns the current rule set.
func (t *Tracker) Rules() Rules {
	t.rulesMu.RLock()
	defer t.rulesMu.RUnlock()
	return t.rules
}

func (t *Tracker) slot(activityType string) *slot {
	t.slotsMu.RLock()
	sl, ok := t.slots[activityType]
	t.slotsMu.RUnlock()
	if ok {
		return sl
	}

	t.slotsMu.Lock()
	defer t.slotsMu.Unlock()
	if sl, ok = t.slots[activityType]; !ok {
		sl = &slot{}
		t.slots[activityType] = sl
	}
	return sl
}

func (t *Tracker) allSlots() []*slot {
	t.slotsMu.RLock()
	defer t.slotsMu.RUnlock()
	out := make([]*slot, 0, len(t.slots))
	for _, sl := range t.slots {
		out = append(out, sl)
	}
	return out
}

// ─── Ingest ──────────────────────────────────────────────────────────────────

// Ingest applies one event. Store failures are logged and do not fail the
// call; only invalid or unconfigured events return an error.
func (t *Tracker) Ingest(ctx context.Context, ev Event) (Result, error) {
	if err := ev.Validate(); err != nil {
		return Result{}, err
	}
	rule, ok := t.Rules().For(ev.ActivityType)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnconfiguredActivity, ev.ActivityType)
	}

	sl := t.slot(ev.ActivityType)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	t.flush(ctx, sl)

	var finalized *activity.Session
	if tr := sl.open; tr != nil {
		gap := ev.Timestamp.Sub(tr.sess.LastEventAt)
		switch {
		case gap >= 0 && gap <= rule.MaxGap:
			tr.apply(ev)
			return t.result(ctx, ActionExtended, tr, nil), nil
		case gap < 0:
			if ev.Timestamp.Before(tr.sess.StartTime.Add(-rule.MaxGap)) {
				if prev := t.mergeCandidate(ctx, sl, ev.ActivityType); prev != nil && prev != tr &&
					prev.sess.ID != tr.sess.ID && prev.covers(ev.Timestamp, rule.MaxGap) {
					return t.foldLate(ctx, sl, prev, ev, nil), nil
				}
				t.logger.Warn("dropping late event",
					"activity_type", ev.ActivityType,
					"timestamp", ev.Timestamp,
					"session_start", tr.sess.StartTime)
				return Result{Action: ActionDropped, Session: tr.sess, Persisted: !tr.dirty}, nil
			}
			tr.apply(ev)
			return t.result(ctx, ActionExtended, tr, nil), nil
		default:
			t.finalize(ctx, sl, tr)
			snap := tr.sess
			finalized = &snap
		}
	}

	if cand := t.mergeCandidate(ctx, sl, ev.ActivityType); cand != nil {
		gap := ev.Timestamp.Sub(cand.sess.End())
		if gap >= 0 && gap <= rule.MergeThreshold {
			t.reopen(sl, cand)
			cand.apply(ev)
			if finalized != nil && finalized.ID == cand.sess.ID && cand.sess.ID != 0 {
				finalized = nil
			}
			return t.result(ctx, ActionMerged, cand, finalized), nil
		}
		if cand.covers(ev.Timestamp, rule.MaxGap) {
			return t.foldLate(ctx, sl, cand, ev, finalized), nil
		}
	}

	tr := &tracked{sess: activity.Session{
		ActivityType:    ev.ActivityType,
		StartTime:       ev.Timestamp,
		LastEventAt:     ev.Timestamp,
		ConfidenceScore: ev.confidence(),
		Metadata:        ev.Metadata,
		SourceType:      string(ev.Source),
	}}
	tr.apply(ev)
	sl.open = tr
	return t.result(ctx, ActionCreated, tr, finalized), nil
}

func (t *Tracker) result(ctx context.Context, action Action, tr *tracked, finalized *activity.Session) Result {
	ok := t.persistOpen(ctx, tr)
	return Result{Action: action, Session: tr.sess, Finalized: finalized, Persisted: ok}
}

// mergeCandidate returns the most recently closed session of the slot's
// type, asking the store when nothing is cached.
func (t *Tracker) mergeCandidate(ctx context.Context, sl *slot, activityType string) *tracked {
	if sl.lastClosed != nil {
		return sl.lastClosed
	}
	s, err := t.store.LatestClosed(ctx, activityType)
	if err != nil {
		t.logger.Warn("merge lookup failed", "activity_type", activityType, "error", err)
		return nil
	}
	if s == nil {
		return nil
	}
	tr := &tracked{sess: *s, lastChunk: lastLine(s.Content)}
	sl.lastClosed = tr
	return tr
}

// covers reports whether ts falls inside the closed session, allowing
// maxGap of slack before its start.
func (tr *tracked) covers(ts time.Time, maxGap time.Duration) bool {
	return !ts.After(tr.sess.End()) && !ts.Before(tr.sess.StartTime.Add(-maxGap))
}

// foldLate applies a late event to a closed session and keeps it closed.
func (t *Tracker) foldLate(ctx context.Context, sl *slot, tr *tracked, ev Event, finalized *activity.Session) Result {
	tr.apply(ev)
	end := tr.sess.LastEventAt
	tr.sess.EndTime = &end
	ok := t.persistClosed(ctx, tr)
	if !ok {
		sl.addPending(tr)
	}
	return Result{Action: ActionExtended, Session: tr.sess, Finalized: finalized, Persisted: ok}
}

func (t *Tracker) reopen(sl *slot, tr *tracked) {
	for i, p := range sl.pending {
		if p == tr {
			sl.pending = append(sl.pending[:i], sl.pending[i+1:]...)
			break
		}
	}
	tr.sess.EndTime = nil
	tr.dirty = true
	sl.lastClosed = nil
	sl.open = tr
}

func (t *Tracker) finalize(ctx context.Context, sl *slot, tr *tracked) {
	end := tr.sess.LastEventAt
	tr.sess.EndTime = &end
	tr.sess.DurationMinutes = activity.DurationMinutes(tr.sess.StartTime, end)
	sl.open = nil
	sl.lastClosed = tr
	if !t.persistClosed(ctx, tr) {
		sl.addPending(tr)
	}
}

func (sl *slot) addPending(tr *tracked) {
	for _, p := range sl.pending {
		if p == tr {
			return
		}
	}
	sl.pending = append(sl.pending, tr)
}

// apply folds ev into the session. Content is appended unless it repeats the
// previous chunk; the start moves back for late events and the end never
// moves back.
func (tr *tracked) apply(ev Event) {
	if c := strings.TrimSpace(ev.Content); c != "" && c != tr.lastChunk {
		if tr.sess.Content != "" {
			tr.sess.Content += "\n"
		}
		tr.sess.Content += c
		tr.lastChunk = c
	}
	if ev.Timestamp.After(tr.sess.LastEventAt) {
		tr.sess.LastEventAt = ev.Timestamp
	}
	if ev.Timestamp.Before(tr.sess.StartTime) {
		tr.sess.StartTime = ev.Timestamp
	}
	tr.sess.DurationMinutes = activity.DurationMinutes(tr.sess.StartTime, tr.sess.LastEventAt)
	if c := ev.confidence(); c > tr.sess.ConfidenceScore {
		tr.sess.ConfidenceScore = c
	}
	tr.sess.Metadata = tr.sess.Metadata.Merge(ev.Metadata)
	if tr.sess.SourceType == "" {
		tr.sess.SourceType = string(ev.Source)
	}
	tr.dirty = true
}

// ─── Persistence ─────────────────────────────────────────────────────────────

func (t *Tracker) persistOpen(ctx context.Context, tr *tracked) bool {
	if !tr.dirty && tr.sess.ID != 0 {
		return true
	}
	var err error
	if tr.sess.ID == 0 {
		var id int64
		id, err = t.store.InsertSession(ctx, tr.sess)
		if err == nil {
			tr.sess.ID = id
		}
	} else {
		err = t.store.UpdateSessionProgress(ctx, tr.sess.ID, progressOf(tr.sess))
		err = t.reinsertIfGone(ctx, tr, err)
	}
	if err != nil {
		t.logger.Warn("session write deferred",
			"activity_type", tr.sess.ActivityType, "session_id", tr.sess.ID, "error", err)
		return false
	}
	tr.dirty = false
	return true
}

func (t *Tracker) persistClosed(ctx context.Context, tr *tracked) bool {
	var err error
	switch {
	case tr.sess.ID == 0:
		var id int64
		id, err = t.store.InsertSession(ctx, tr.sess)
		if err == nil {
			tr.sess.ID = id
		}
	default:
		if tr.dirty {
			err = t.store.UpdateSessionProgress(ctx, tr.sess.ID, progressOf(tr.sess))
		}
		if err == nil {
			err = t.store.UpdateSessionEnd(ctx, tr.sess.ID, *tr.sess.EndTime, tr.sess.DurationMinutes)
		}
		err = t.reinsertIfGone(ctx, tr, err)
	}
	if err != nil {
		t.logger.Warn("session finalize deferred",
			"activity_type", tr.sess.ActivityType, "session_id", tr.sess.ID, "error", err)
		tr.dirty = true
		return false
	}
	tr.dirty = false
	return true
}

// reinsertIfGone writes tr as a new row when err says its row no longer
// exists, as happens when retention removed a session that was reopened.
func (t *Tracker) reinsertIfGone(ctx context.Context, tr *tracked, err error) error {
	if err == nil || faults.Classify(err) != faults.KindNotFound {
		return err
	}
	old := tr.sess.ID
	id, ierr := t.store.InsertSession(ctx, tr.sess)
	if ierr != nil {
		return ierr
	}
	tr.sess.ID = id
	t.logger.Warn("session row missing, inserted again",
		"activity_type", tr.sess.ActivityType, "old_id", old, "session_id", id)
	return nil
}

// flush retries writes left over from earlier failures.
func (t *Tracker) flush(ctx context.Context, sl *slot) {
	if len(sl.pending) > 0 {
		kept := sl.pending[:0]
		for _, tr := range sl.pending {
			if !t.persistClosed(ctx, tr) {
				kept = append(kept, tr)
			}
		}
		sl.pending = kept
	}
	if sl.open != nil && (sl.open.dirty || sl.open.sess.ID == 0) {
		t.persistOpen(ctx, sl.open)
	}
}

func progressOf(s activity.Session) activity.Progress {
	return activity.Progress{
		Content:         s.Content,
		StartTime:       s.StartTime,
		LastEventAt:     s.LastEventAt,
		DurationMinutes: s.DurationMinutes,
		ConfidenceScore: s.ConfidenceScore,
		Metadata:        s.Metadata,
	}
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// FinalizeAll closes every open session and retries every deferred write.
// It returns the sessions it closed; the error joins writes that still
// failed.
func (t *Tracker) FinalizeAll(ctx context.Context) ([]activity.Session, error) {
	var (
		closed []activity.Session
		errs   []error
	)
	for _, sl := range t.allSlots() {
		sl.mu.Lock()
		t.flush(ctx, sl)
		if tr := sl.open; tr != nil {
			t.finalize(ctx, sl, tr)
			closed = append(closed, tr.sess)
		}
		for _, p := range sl.pending {
			errs = append(errs, fmt.Errorf("tracker: session %q started %s not persisted",
				p.sess.ActivityType, p.sess.StartTime.Format(time.RFC3339)))
		}
		sl.mu.Unlock()
	}
	sort.Slice(closed, func(i, j int) bool { return closed[i].StartTime.Before(closed[j].StartTime) })
	return closed, errors.Join(errs...)
}

// Restore loads sessions left open by a previous process. The newest open
// row per type becomes the slot's open session; older ones are closed at
// their last event.
func (t *Tracker) Restore(ctx context.Context) (int, error) {
	open, err := t.store.OpenSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("tracker: restore: %w", err)
	}
	restored := 0
	for _, s := range open {
		sl := t.slot(s.ActivityType)
		sl.mu.Lock()
		tr := &tracked{sess: s, lastChunk: lastLine(s.Content)}
		if prev := sl.open; prev != nil {
			older, newer := prev, tr
			if tr.sess.LastEventAt.Before(prev.sess.LastEventAt) {
				older, newer = tr, prev
			}
			t.finalize(ctx, sl, older)
			sl.open = newer
		} else {
			sl.open = tr
			restored++
		}
		sl.mu.Unlock()
	}
	if restored > 0 {
		t.logger.Info("restored open sessions", "count", restored)
	}
	return restored, nil
}

// Snapshot returns copies of all open sessions, oldest first.
func (t *Tracker) Snapshot() []activity.Session {
	var out []activity.Session
	for _, sl := range t.allSlots() {
		sl.mu.Lock()
		if sl.open != nil {
			out = append(out, sl.open.sess)
		}
		sl.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// Pending returns how many sessions have writes still waiting to land.
func (t *Tracker) Pending() int {
	n := 0
	for _, sl := range t.allSlots() {
		sl.mu.Lock()
		n += len(sl.pending)
		if sl.open != nil && (sl.open.dirty || sl.open.sess.ID == 0) {
			n++
		}
		sl.mu.Unlock()
	}
	return n
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
