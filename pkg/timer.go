package protocol

import (
	"sync"
	"time"

	"github.com/google/netstack/sleep"
)

// RetransmitTimer is a one-shot timer that asserts a waker when it expires.
// Every Arm or Cancel starts a new generation, so a callback belonging to a
// timer that was replaced in the meantime never reaches the waker.
type RetransmitTimer struct {
	waker *sleep.Waker

	mu  sync.Mutex
	t   *time.Timer
	gen uint64
}

func newRetransmitTimer(waker *sleep.Waker) *RetransmitTimer {
	return &RetransmitTimer{waker: waker}
}

// Arm replaces any pending expiry with one d from now.
func (rt *RetransmitTimer) Arm(d time.Duration) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.stopLocked()
	gen := rt.gen
	rt.t = time.AfterFunc(d, func() { rt.fire(gen) })
}

// Cancel stops the pending expiry and withdraws an assertion it may already
// have made.
func (rt *RetransmitTimer) Cancel() {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.stopLocked()
	rt.waker.Clear()
}

func (rt *RetransmitTimer) stopLocked() {
	if rt.t != nil {
		rt.t.Stop()
		rt.t = nil
	}
	rt.gen++
}

func (rt *RetransmitTimer) fire(gen uint64) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if gen != rt.gen {
		return
	}
	rt.t = nil
	rt.waker.Assert()
}
