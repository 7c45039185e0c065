package stream

import (
	"sync"
	"time"
)

// IdleTimer invokes a callback after a period of inactivity. Awake pushes
// the deadline out by a full timeout.
type IdleTimer struct {
	timeout  time.Duration
	callback func()

	mu      sync.Mutex
	pending *time.Timer
	// gen identifies the current arm cycle; fires from older cycles are
	// dropped.
	gen  uint64
	idle bool
}

// NewIdleTimer returns a disarmed timer. callback may be nil.
func NewIdleTimer(timeout time.Duration, callback func()) *IdleTimer {
	return &IdleTimer{timeout: timeout, callback: callback}
}

// Timeout returns the inactivity window.
func (t *IdleTimer) Timeout() time.Duration {
	return t.timeout
}

// Start arms the timer if it is not already armed.
func (t *IdleTimer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.idle = false
	if t.pending == nil {
		t.armLocked()
	}
}

// Awake resets the deadline.
func (t *IdleTimer) Awake() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.idle = false
	t.clearLocked()
	t.armLocked()
}

// Clear disarms the timer if it has not fired yet.
func (t *IdleTimer) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearLocked()
}

// Idle reports whether the timer fired and was not re-armed since.
func (t *IdleTimer) Idle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.idle
}

// Armed reports whether a deferred fire is pending.
func (t *IdleTimer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending != nil
}

func (t *IdleTimer) armLocked() {
	t.gen++
	gen := t.gen
	t.pending = time.AfterFunc(t.timeout, func() { t.fire(gen) })
}

func (t *IdleTimer) clearLocked() {
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
	t.gen++
}

func (t *IdleTimer) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.pending == nil {
		t.mu.Unlock()
		return
	}
	t.idle = true
	t.pending = nil
	callback := t.callback
	t.mu.Unlock()

	if callback != nil {
		callback()
	}
}
