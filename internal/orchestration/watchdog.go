package orchestration

import (
	"sync"
	"time"
)

// DefaultWatchdogTimeout is how long a session may stay in validation.
const DefaultWatchdogTimeout = 50 * time.Second

// Clock schedules callbacks. Tests substitute a manual clock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a scheduled callback.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// watchdog is the single validation timer. It is armed for one session
// generation at a time and only fires for the generation it was armed for.
type watchdog struct {
	clock   Clock
	timeout time.Duration

	mu    sync.Mutex
	timer Timer
	gen   uint64
	armed bool
}

// arm replaces any pending timer with one that calls fire(gen) after the
// timeout. A zero timeout disables the watchdog.
func (w *watchdog) arm(gen uint64, fire func(gen uint64)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
	if w.timeout <= 0 {
		return
	}
	w.gen = gen
	w.armed = true
	w.timer = w.clock.AfterFunc(w.timeout, func() {
		w.mu.Lock()
		live := w.armed && w.gen == gen
		if live {
			w.armed = false
			w.timer = nil
		}
		w.mu.Unlock()
		if live {
			fire(gen)
		}
	})
}

// cancel stops the timer if it is armed for gen.
func (w *watchdog) cancel(gen uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.gen == gen {
		w.stopLocked()
	}
}

// stop stops the timer whatever generation it belongs to.
func (w *watchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
}

func (w *watchdog) pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.armed
}

func (w *watchdog) stopLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.armed = false
}
