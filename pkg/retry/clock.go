package retry

import "time"

// Clock abstracts time so delays can be driven by tests
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// RealClock uses the time package
type RealClock struct{}

// Now returns the current time
func (RealClock) Now() time.Time { return time.Now() }

// After waits for the duration to elapse
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
