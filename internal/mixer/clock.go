package mixer

import "time"

// TimerHandle is a cancellable delayed action.
type TimerHandle interface {
	Stop() bool
}

// Clock abstracts wall time and delayed execution so the retry discipline is
// testable without sleeping.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) TimerHandle
}

type realClock struct{}

// NewClock returns the wall clock.
func NewClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) TimerHandle {
	return time.AfterFunc(d, f)
}
