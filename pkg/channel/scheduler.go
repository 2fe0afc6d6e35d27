package channel

import "time"

// Task is a pending scheduled run. Cancel is idempotent and safe to call
// after the run has fired.
type Task interface {
	Cancel()
}

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Task
}

// TimerScheduler schedules on the runtime timer heap.
type TimerScheduler struct{}

type timerTask struct {
	t *time.Timer
}

func (tt timerTask) Cancel() { tt.t.Stop() }

// AfterFunc implements Scheduler.
func (TimerScheduler) AfterFunc(d time.Duration, f func()) Task {
	return timerTask{t: time.AfterFunc(d, f)}
}
