// Package counter implements the per-machine cycle counter with
// scheduled daily resets.
//
// The counter assigns each recorded event a sequence number that
// restarts from zero at a configured hour of day. The reset boundary is
// computed in the timestamp's own location, so a machine configured for
// an 04:00 reset rolls over at local 04:00 regardless of DST shifts.
//
// Thread-safety: Counter is NOT safe for concurrent use. The recorder
// serializes access behind its own mutex.
package counter

import "time"

// DefaultResetHour is used when the configured hour is outside 0-23.
const DefaultResetHour = 4

// Counter tracks the running cycle count and the next reset instant.
//
// A zero nextReset means the counter has not been seeded yet; the first
// Record call seeds it implicitly using the event timestamp as the
// reference.
type Counter struct {
	resetHour int
	count     int
	nextReset time.Time
}

// New creates a counter that resets at the given hour of day.
// Hours outside 0-23 fall back to DefaultResetHour.
func New(resetHour int) *Counter {
	if resetHour < 0 || resetHour > 23 {
		resetHour = DefaultResetHour
	}
	return &Counter{resetHour: resetHour}
}

// nextResetAfter returns the reset boundary strictly after reference:
// today's boundary when reference precedes it, otherwise tomorrow's.
func (c *Counter) nextResetAfter(reference time.Time) time.Time {
	boundary := time.Date(
		reference.Year(), reference.Month(), reference.Day(),
		c.resetHour, 0, 0, 0, reference.Location(),
	)
	if reference.Before(boundary) {
		return boundary
	}
	return boundary.AddDate(0, 0, 1)
}

// Configure seeds the counter with a known count and computes the next
// reset instant from the reference timestamp. Used when restoring from
// persisted state or after a manual reset.
func (c *Counter) Configure(reference time.Time, count int) {
	c.count = count
	c.nextReset = c.nextResetAfter(reference)
}

// Record increments the counter for an event at ts and returns the new
// count. Callers must pass non-decreasing timestamps.
//
// Every reset boundary at or before ts rolls the count back to zero and
// advances the boundary by one day, so a monitor that was stopped over
// a weekend catches up across all missed resets before counting the
// new event.
func (c *Counter) Record(ts time.Time) int {
	if c.nextReset.IsZero() {
		c.Configure(ts, c.count)
	}

	for !ts.Before(c.nextReset) {
		c.count = 0
		c.nextReset = c.nextReset.AddDate(0, 0, 1)
	}

	c.count++
	return c.count
}

// Count returns the current cycle count without recording an event.
func (c *Counter) Count() int {
	return c.count
}

// NextReset returns the next reset instant, or the zero time when the
// counter has not been seeded.
func (c *Counter) NextReset() time.Time {
	return c.nextReset
}
