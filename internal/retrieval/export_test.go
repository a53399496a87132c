package retrieval

import "time"

// SetTimeNow swaps the package clock for the duration of a test.
func SetTimeNow(fn func() time.Time) (restore func()) {
	prev := timeNow
	timeNow = fn
	return func() { timeNow = prev }
}
