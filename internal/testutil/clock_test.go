package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClock(t *testing.T) {
	start := time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)

	assert.True(t, c.Now().Equal(start))

	got := c.Advance(2 * time.Hour)
	assert.True(t, got.Equal(start.Add(2*time.Hour)))
	assert.True(t, c.Now().Equal(got))

	later := time.Date(2024, 1, 2, 5, 0, 0, 0, time.UTC)
	c.Set(later)
	assert.True(t, c.Now().Equal(later))
}
