package connection

import (
	"sync"
	"time"
)

// watchdog implements the cooperative deadline described in spec
// §4.10: every successfully observed inbound event re-arms it with a
// fresh duration; an unacknowledged elapse is fatal. A wall-clock jump
// (the gap since the last rearm exceeding 30s) rearms with the
// previous duration instead of firing immediately, per spec's
// "detected by last-update delta > 30s" rule.
type watchdog struct {
	mu       sync.Mutex
	timer    *time.Timer
	lastArm  time.Time
	duration time.Duration
	gen      int
	onExpire func(kind string)
}

// newWatchdog creates a disarmed watchdog; call arm to start it.
func newWatchdog(onExpire func(kind string)) *watchdog {
	return &watchdog{onExpire: onExpire}
}

// arm (re)starts the deadline at d from now, superseding any timer
// already in flight.
func (w *watchdog) arm(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if !w.lastArm.IsZero() && w.duration > 0 && now.Sub(w.lastArm) > 30*time.Second {
		d = w.duration
	}
	w.duration = d
	w.lastArm = now
	w.gen++
	gen := w.gen

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(d, func() { w.fire(gen) })
}

func (w *watchdog) fire(gen int) {
	w.mu.Lock()
	current := w.gen
	w.mu.Unlock()
	if gen != current {
		return
	}
	w.onExpire("Transport")
}

// stop disarms the watchdog permanently.
func (w *watchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
	}
}
