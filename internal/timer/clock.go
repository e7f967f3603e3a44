package timer

import "time"

// Stopper cancels a scheduled callback.
type Stopper interface {
	Stop() bool
}

// Clock supplies time and one-shot callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Stopper
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// RealClock is the wall clock.
func RealClock() Clock {
	return realClock{}
}
