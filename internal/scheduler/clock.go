package scheduler

import "time"

type (
	// Clock provides the current time for due-time calculations
	Clock func() time.Time

	// Timer wakes the scheduler when the earliest task comes due
	Timer interface {
		Channel() <-chan time.Time
		Reset(delay time.Duration) bool
		Stop() bool
	}

	// TimerConstructor builds a Timer with the given initial delay
	TimerConstructor func(delay time.Duration) Timer

	systemTimer struct {
		*time.Timer
	}
)

// NewTimer builds a Timer backed by time.Timer
func NewTimer(delay time.Duration) Timer {
	return &systemTimer{Timer: time.NewTimer(delay)}
}

func (t *systemTimer) Channel() <-chan time.Time {
	return t.C
}
