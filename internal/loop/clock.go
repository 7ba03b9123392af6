package loop

import "time"

// Clock supplies wall-clock time for run records and cycle durations.
// Simulated time never comes from it.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
