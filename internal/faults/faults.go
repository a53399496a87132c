// Package faults classifies storage and index errors into a small set of
// kinds so callers can branch on behavior instead of error text.
package faults

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
)

// Kind is the behavioral class of an error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransient covers busy/locked databases and timeouts. Retry on the next tick.
	KindTransient
	// KindCorruption covers index backend states that need an operator reset.
	KindCorruption
	KindNotFound
	// KindDuplicate means the target already holds the record. Upserts treat it as success.
	KindDuplicate
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindCorruption:
		return "corruption"
	case KindNotFound:
		return "not_found"
	case KindDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Error carries a Kind alongside the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap tags err with kind. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// WrapClassified tags err with whatever Classify decides.
func WrapClassified(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: Classify(err), Op: op, Err: err}
}

var (
	transientPats = []*regexp.Regexp{
		regexp.MustCompile(`(?i)database is locked`),
		regexp.MustCompile(`(?i)\bSQLITE_BUSY\b|\bbusy\b`),
		regexp.MustCompile(`(?i)timeout|timed out`),
		regexp.MustCompile(`(?i)connection (refused|reset)`),
	}
	corruptionPats = []*regexp.Regexp{
		regexp.MustCompile(`(?i)error finding id`),
		regexp.MustCompile(`(?i)malformed`),
		regexp.MustCompile(`(?i)corrupt`),
		regexp.MustCompile(`(?i)no such table`),
	}
	duplicatePats = []*regexp.Regexp{
		regexp.MustCompile(`(?i)already exists`),
		regexp.MustCompile(`(?i)UNIQUE constraint failed`),
	}
	notFoundPats = []*regexp.Regexp{
		regexp.MustCompile(`(?i)not found`),
	}
)

// Classify maps err to a Kind. Typed errors win over text matching.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Kind != KindUnknown {
		return fe.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case errors.Is(err, sql.ErrNoRows):
		return KindNotFound
	}

	msg := err.Error()
	for _, group := range []struct {
		pats []*regexp.Regexp
		kind Kind
	}{
		{corruptionPats, KindCorruption},
		{duplicatePats, KindDuplicate},
		{transientPats, KindTransient},
		{notFoundPats, KindNotFound},
	} {
		for _, p := range group.pats {
			if p.MatchString(msg) {
				return group.kind
			}
		}
	}
	return KindUnknown
}

// Is reports whether err classifies as kind.
func Is(err error, kind Kind) bool {
	return err != nil && Classify(err) == kind
}

// Advice returns an operator-facing hint for kinds that need manual action.
func Advice(kind Kind) string {
	switch kind {
	case KindCorruption:
		return "the semantic index looks corrupted; rebuild it with `activitylog reindex --reset`"
	case KindTransient:
		return "storage is temporarily unavailable; the operation will be retried"
	default:
		return ""
	}
}

// Summary joins the messages of several errors on one line.
func Summary(errs []error) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		if e != nil {
			parts = append(parts, e.Error())
		}
	}
	return strings.Join(parts, "; ")
}
