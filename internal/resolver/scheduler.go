package resolver

import "time"

// Timer is a scheduled action that can be cancelled before it fires.
type Timer interface {
	Cancel()
}

// Scheduler schedules a single action after a quiet period. Rescheduling is
// always cancel-then-schedule; tests inject a manual implementation to fire
// timers deterministically.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) Timer
}

type wallScheduler struct{}

// NewScheduler returns the wall-clock Scheduler used outside tests.
func NewScheduler() Scheduler { return wallScheduler{} }

func (wallScheduler) Schedule(d time.Duration, fn func()) Timer {
	return wallTimer{t: time.AfterFunc(d, fn)}
}

type wallTimer struct{ t *time.Timer }

func (w wallTimer) Cancel() { w.t.Stop() }
