package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualClockAdvancesPerReading(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewManualClock(start, time.Millisecond)

	assert.Equal(t, start, c.Now())
	assert.Equal(t, start.Add(time.Millisecond), c.Now())

	c.Advance(time.Second)
	assert.Equal(t, start.Add(2*time.Millisecond+time.Second), c.Now())
}

func TestFixedRunIDGenerator(t *testing.T) {
	assert.Equal(t, "run-1", NewFixedRunIDGenerator("run-1").Generate())
	assert.Equal(t, "test-run-default", NewFixedRunIDGenerator("").Generate())
}
