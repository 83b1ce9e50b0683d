// Package system provides the wall clock used by the progress engine.
package system

import "time"

// Clock implements progress.Clock using time.Now. The returned times keep
// their monotonic reading so that durations between them ignore wall-clock
// adjustments.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now()
}
