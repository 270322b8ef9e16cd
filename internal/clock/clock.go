// Package clock provides the single process-wide monotonic clock reader
// permitted as shared state by the design (see SPEC_FULL.md §5). Every
// timestamp in the system is stamped by calling Now() at the producer
// call site; no downstream stage re-stamps.
package clock

import "time"

// Now returns the current monotonic instant. It is safe for concurrent
// use from any thread; time.Now() already reads a monotonic clock on
// every supported platform, so no additional synchronization is needed.
func Now() time.Time {
	return time.Now()
}

// NanosSince returns the number of nanoseconds elapsed since t, using
// monotonic subtraction (never wall-clock subtraction).
func NanosSince(t time.Time) int64 {
	return time.Since(t).Nanoseconds()
}
