package llm

import "time"

// streamThrottle rate-limits intermediate on_chunk callbacks so
// downstream message edits stay under the transport's edit budget. The
// final full-text callback bypasses it.
type streamThrottle struct {
	interval time.Duration
	now      func() time.Time
	last     time.Time
}

func newStreamThrottle(interval time.Duration) *streamThrottle {
	return &streamThrottle{interval: interval, now: time.Now}
}

// ready reports whether enough time has passed since the last allowed
// callback, recording the current time when it has.
func (t *streamThrottle) ready() bool {
	now := t.now()
	if !t.last.IsZero() && now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	return true
}
