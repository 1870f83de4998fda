package audio

import "time"

// clock abstracts wall-clock reads so duration accounting is testable.
type clock func() time.Time

// durationTracker centralizes all elapsed-time arithmetic for a session.
// Active duration excludes paused intervals and is never derived from
// encoder timestamps.
type durationTracker struct {
	now         clock
	startTime   time.Time
	pausedTotal time.Duration
	pauseStart  time.Time
	paused      bool
	started     bool
}

func newDurationTracker(now clock) *durationTracker {
	if now == nil {
		now = time.Now
	}
	return &durationTracker{now: now}
}

// Start resets the accumulator and begins timing.
func (t *durationTracker) Start() {
	t.startTime = t.now()
	t.pausedTotal = 0
	t.paused = false
	t.started = true
}

// Pause records the pause timestamp. Calling Pause while already paused is
// a no-op.
func (t *durationTracker) Pause() {
	if !t.started || t.paused {
		return
	}
	t.pauseStart = t.now()
	t.paused = true
}

// Resume folds the elapsed pause interval into the cumulative counter.
func (t *durationTracker) Resume() {
	if !t.started || !t.paused {
		return
	}
	t.pausedTotal += t.now().Sub(t.pauseStart)
	t.paused = false
}

// Active returns the recording duration with all pause time excluded.
func (t *durationTracker) Active() time.Duration {
	if !t.started {
		return 0
	}
	active := t.now().Sub(t.startTime) - t.pausedTotal
	if t.paused {
		active -= t.now().Sub(t.pauseStart)
	}
	if active < 0 {
		return 0
	}
	return active
}
