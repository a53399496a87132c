package tracker

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/HendryAvila/activitylog/internal/activity"
)

// Source is the detector family that produced an event.
type Source string

const (
	SourceScreen Source = "screen"
	SourceVideo  Source = "video"
	SourceManual Source = "manual"
)

// ParseSource accepts the known source names, case-insensitively.
// An empty string maps to SourceScreen.
func ParseSource(s string) (Source, error) {
	switch Source(strings.ToLower(strings.TrimSpace(s))) {
	case "", SourceScreen:
		return SourceScreen, nil
	case SourceVideo:
		return SourceVideo, nil
	case SourceManual:
		return SourceManual, nil
	}
	return "", fmt.Errorf("tracker: unknown source %q", s)
}

// Event is one activity detection. It is consumed once and never stored as-is.
type Event struct {
	ActivityType string            `json:"activity_type"`
	Content      string            `json:"content"`
	Timestamp    time.Time         `json:"timestamp"`
	Source       Source            `json:"source"`
	Confidence   *float64          `json:"confidence,omitempty"`
	Metadata     activity.Metadata `json:"metadata,omitempty"`
}

// Validate normalizes the source and checks required fields.
func (e *Event) Validate() error {
	e.ActivityType = strings.TrimSpace(e.ActivityType)
	if e.ActivityType == "" {
		return errors.New("tracker: event has no activity_type")
	}
	if e.Timestamp.IsZero() {
		return errors.New("tracker: event has no timestamp")
	}
	src, err := ParseSource(string(e.Source))
	if err != nil {
		return err
	}
	e.Source = src
	if e.Confidence != nil && (*e.Confidence < 0 || *e.Confidence > 1) {
		return fmt.Errorf("tracker: confidence %v out of range [0,1]", *e.Confidence)
	}
	return nil
}

func (e Event) confidence() float64 {
	if e.Confidence == nil {
		return 1
	}
	return *e.Confidence
}

// Rule holds the continuation and merge settings for one activity type.
type Rule struct {
	// MaxGap is the idle time after which an open session is considered ended.
	MaxGap time.Duration
	// MinDuration hides shorter closed sessions from reports. Storage is unaffected.
	MinDuration time.Duration
	// MergeThreshold is the largest gap between a closed session's end and a
	// new event for which the two are joined.
	MergeThreshold time.Duration
}

// Rules maps activity types to their Rule. Default, when set, applies to
// types without an entry.
type Rules struct {
	Types   map[string]Rule
	Default *Rule
}

// For returns the rule for activityType.
func (r Rules) For(activityType string) (Rule, bool) {
	if rule, ok := r.Types[activityType]; ok {
		return rule, true
	}
	if r.Default != nil {
		return *r.Default, true
	}
	return Rule{}, false
}

// Visible reports whether a session should appear in reports under rules.
// Open sessions are always visible.
func (r Rules) Visible(s activity.Session) bool {
	if s.Open() {
		return true
	}
	rule, ok := r.For(s.ActivityType)
	if !ok || rule.MinDuration <= 0 {
		return true
	}
	return s.DurationMinutes >= rule.MinDuration.Minutes()
}
