package config

import "time"

// SetReloadDelay shortens the reload debounce for a test.
func SetReloadDelay(d time.Duration) (restore func()) {
	prev := reloadDelay
	reloadDelay = d
	return func() { reloadDelay = prev }
}
