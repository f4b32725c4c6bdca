package sequencer

import "time"

// Clock is the scheduled-callback capability the sequencer uses for the
// force-release timer. Tests substitute a virtual clock so timer firing is
// driven explicitly instead of by real time.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a single-shot timer handle.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

type systemTimer struct {
	t *time.Timer
}

// SystemClock returns a Clock backed by the runtime timers. Callbacks fire
// on a timer goroutine; the owner must route them back onto the
// sequencer's goroutine.
func SystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return systemTimer{t: time.AfterFunc(d, f)}
}

func (s systemTimer) Stop() bool {
	return s.t.Stop()
}
