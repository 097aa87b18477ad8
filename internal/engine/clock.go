package engine

import "time"

// Clock abstracts wall time so round timing is drivable from tests.
type Clock interface {
	Now() time.Time
	// After fires once after d. Tick fires repeatedly every d until the
	// returned stop func is called.
	After(d time.Duration) <-chan time.Time
	Tick(d time.Duration) (<-chan time.Time, func())
}

type realClock struct{}

// NewClock returns the wall clock used in production.
func NewClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) Tick(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}
