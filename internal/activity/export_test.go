package activity

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// DB exposes the internal *sql.DB for test helpers in activity_test.
// This file only compiles during `go test`.
func (s *Store) DB() *sql.DB {
	return s.db
}

// FailExec makes every write whose query contains match fail with err until
// the returned restore func is called.
func (s *Store) FailExec(match string, err error) (restore func()) {
	prev := s.hooks.exec
	s.hooks.exec = func(ctx context.Context, db execer, query string, args ...any) (sql.Result, error) {
		if containsFold(query, match) {
			return nil, err
		}
		return db.ExecContext(ctx, query, args...)
	}
	return func() { s.hooks.exec = prev }
}

// SetTimeNow swaps the package clock for the duration of a test.
func SetTimeNow(fn func() time.Time) (restore func()) {
	prev := timeNow
	timeNow = fn
	return func() { timeNow = prev }
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToUpper(s), strings.ToUpper(sub))
}
