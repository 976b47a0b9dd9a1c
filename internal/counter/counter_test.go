package counter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestConfigure_BoundarySameDay(t *testing.T) {
	c := New(4)
	c.Configure(ts("2024-01-01T03:00:00Z"), 5)

	assert.Equal(t, 5, c.Count())
	assert.Equal(t, ts("2024-01-01T04:00:00Z"), c.NextReset())
}

func TestConfigure_BoundaryNextDay(t *testing.T) {
	c := New(4)
	c.Configure(ts("2024-01-01T05:00:00Z"), 5)

	assert.Equal(t, ts("2024-01-02T04:00:00Z"), c.NextReset())
}

func TestConfigure_ReferenceExactlyAtBoundary(t *testing.T) {
	// The boundary is strictly after the reference, so a reference at
	// 04:00 sharp schedules the next day's reset.
	c := New(4)
	c.Configure(ts("2024-01-01T04:00:00Z"), 0)

	assert.Equal(t, ts("2024-01-02T04:00:00Z"), c.NextReset())
}

func TestRecord_IncrementsWithinWindow(t *testing.T) {
	c := New(4)
	c.Configure(ts("2024-01-01T05:00:00Z"), 0)

	assert.Equal(t, 1, c.Record(ts("2024-01-01T06:00:00Z")))
	assert.Equal(t, 2, c.Record(ts("2024-01-01T07:00:00Z")))
	assert.Equal(t, 3, c.Record(ts("2024-01-01T08:00:00Z")))
}

func TestRecord_ImplicitSeedOnFirstUse(t *testing.T) {
	c := New(4)

	// No Configure call: the first Record seeds at count 0 using the
	// event timestamp as reference.
	assert.Equal(t, 1, c.Record(ts("2024-01-01T10:00:00Z")))
	assert.Equal(t, ts("2024-01-02T04:00:00Z"), c.NextReset())
}

func TestRecord_ResetsAfterBoundary(t *testing.T) {
	c := New(4)
	c.Configure(ts("2024-01-01T03:00:00Z"), 7)

	// Crossed the 04:00 boundary: count rolls to 0, then increments.
	assert.Equal(t, 1, c.Record(ts("2024-01-01T05:00:00Z")))
	assert.Equal(t, ts("2024-01-02T04:00:00Z"), c.NextReset())
}

func TestRecord_CatchesUpAcrossMissedDays(t *testing.T) {
	c := New(4)
	c.Configure(ts("2024-01-01T03:00:00Z"), 42)

	// Three days later: every missed boundary is consumed before the
	// event is counted.
	assert.Equal(t, 1, c.Record(ts("2024-01-04T12:00:00Z")))
	assert.Equal(t, ts("2024-01-05T04:00:00Z"), c.NextReset())
}

func TestRecord_EventExactlyAtBoundaryResets(t *testing.T) {
	c := New(4)
	c.Configure(ts("2024-01-01T03:00:00Z"), 3)

	assert.Equal(t, 1, c.Record(ts("2024-01-01T04:00:00Z")))
}

func TestNew_InvalidHourFallsBack(t *testing.T) {
	for _, hour := range []int{-1, 24, 99} {
		c := New(hour)
		c.Configure(ts("2024-01-01T03:00:00Z"), 0)
		assert.Equal(t, ts("2024-01-01T04:00:00Z"), c.NextReset(),
			"hour %d should fall back to the default reset hour", hour)
	}
}

func TestRecord_EndToEndScenario(t *testing.T) {
	// Machine M1, reset hour 4, no persisted state.
	c := New(4)

	require.Equal(t, 1, c.Record(ts("2024-01-01T03:00:00Z")))
	// Crossed 04:00: recorded as cycle 1 again.
	require.Equal(t, 1, c.Record(ts("2024-01-01T05:00:00Z")))
	require.Equal(t, 2, c.Record(ts("2024-01-01T06:00:00Z")))
}

func TestRecord_LocalZoneBoundary(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	c := New(4)

	ref := time.Date(2024, 1, 1, 3, 30, 0, 0, loc)
	c.Configure(ref, 0)
	// Boundary is computed in the reference's own location.
	assert.Equal(t, time.Date(2024, 1, 1, 4, 0, 0, 0, loc), c.NextReset())
}
