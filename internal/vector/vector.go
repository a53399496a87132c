// Package vector holds the semantic index that mirrors activity sessions.
//
// Two backends implement Backend: an embedding store on SQLite scored with
// cosine similarity, and a bleve index scored with BM25. Both key records
// by RecordID so writing the same session twice replaces it.
package vector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// RecordTypeSession marks records mirrored from the sessions table.
const RecordTypeSession = "activity_session"

// ErrClosed is returned by operations on a closed backend.
var ErrClosed = errors.New("vector: backend closed")

// Metadata is stored alongside each record and returned with matches.
type Metadata struct {
	TimestampUnix int64             `json:"timestamp_unix"`
	EndUnix       int64             `json:"end_unix,omitempty"`
	RecordType    string            `json:"record_type"`
	ActivityType  string            `json:"activity_type"`
	SourceDBID    int64             `json:"source_db_id"`
	SourceType    string            `json:"source_type,omitempty"`
	App           string            `json:"app,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// Record is one indexed document.
type Record struct {
	ID       string   `json:"id"`
	Document string   `json:"document"`
	Metadata Metadata `json:"metadata"`
}

// Match is a query hit.
type Match struct {
	Record
	Score float64 `json:"score"`
}

// TimeRange restricts a query to records whose TimestampUnix lies in
// [Start, End].
type TimeRange struct {
	Start int64
	End   int64
}

// Contains reports whether ts lies in the range.
func (r TimeRange) Contains(ts int64) bool {
	return ts >= r.Start && ts <= r.End
}

// Backend is the write and query surface of a semantic index.
type Backend interface {
	// Upsert adds or replaces records by ID.
	Upsert(ctx context.Context, records []Record) error
	// Query returns at most k matches for text, best first. A nil where
	// disables the time filter.
	Query(ctx context.Context, text string, k int, where *TimeRange) ([]Match, error)
	// MaxSourceID returns the highest SourceDBID stored, or 0.
	MaxSourceID(ctx context.Context) (int64, error)
	// DeleteBefore removes records whose TimestampUnix is before unix.
	DeleteBefore(ctx context.Context, unix int64) (int, error)
	Count(ctx context.Context) (int, error)
	// Reset removes every record.
	Reset(ctx context.Context) error
	// MaxBatch is the largest Upsert the backend accepts.
	MaxBatch() int
	Close() error
}

// RecordID is the deterministic vector id for a session row.
func RecordID(sourceID int64) string {
	return "record_" + strconv.FormatInt(sourceID, 10)
}

// ParseRecordID is the inverse of RecordID.
func ParseRecordID(id string) (int64, error) {
	raw, ok := strings.CutPrefix(id, "record_")
	if !ok {
		return 0, fmt.Errorf("vector: malformed record id %q", id)
	}
	return strconv.ParseInt(raw, 10, 64)
}

// runCtx runs fn and returns early when ctx ends first. fn keeps running in
// the background; every write it performs is keyed by record id, so a late
// completion is harmless.
func runCtx(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
