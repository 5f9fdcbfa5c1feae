package protocol

import (
	"testing"
	"time"

	"github.com/google/netstack/sleep"
)

func TestRetransmitTimerFires(t *testing.T) {
	var w sleep.Waker
	var s sleep.Sleeper
	s.AddWaker(&w, 7)
	defer s.Done()

	rt := newRetransmitTimer(&w)
	began := time.Now()
	rt.Arm(10 * time.Millisecond)

	if id, _ := s.Fetch(true); id != 7 {
		t.Fatalf("Fetch returned waker %d, want 7", id)
	}
	if elapsed := time.Since(began); elapsed < 10*time.Millisecond {
		t.Errorf("fired after %v, before the 10ms deadline", elapsed)
	}
}

func TestRetransmitTimerCancel(t *testing.T) {
	var w sleep.Waker
	rt := newRetransmitTimer(&w)

	rt.Arm(10 * time.Millisecond)
	rt.Cancel()
	time.Sleep(50 * time.Millisecond)
	if w.IsAsserted() {
		t.Error("cancelled timer asserted the waker")
	}
}

func TestRetransmitTimerRearmReplaces(t *testing.T) {
	var w sleep.Waker
	rt := newRetransmitTimer(&w)
	defer rt.Cancel()

	rt.Arm(10 * time.Millisecond)
	rt.Arm(time.Hour)
	time.Sleep(50 * time.Millisecond)
	if w.IsAsserted() {
		t.Error("replaced expiry still asserted the waker")
	}
}

func TestRetransmitTimerCancelWithdrawsExpiry(t *testing.T) {
	var w sleep.Waker
	rt := newRetransmitTimer(&w)

	rt.Arm(0)
	deadline := time.Now().Add(time.Second)
	for !w.IsAsserted() {
		if time.Now().After(deadline) {
			t.Fatal("zero timer never fired")
		}
		time.Sleep(time.Millisecond)
	}
	rt.Cancel()
	if w.IsAsserted() {
		t.Error("Cancel left a stale expiry asserted")
	}
}
