package protocol

import (
	"context"
	"time"

	"github.com/google/netstack/sleep"
	"github.com/pkg/errors"
)

const (
	// Terminate ends the control loop successfully.
	Terminate time.Duration = -1
	// NoTimeout leaves the retransmit timer disarmed until the next frame.
	NoTimeout time.Duration = -2
)

const (
	wakerForFrame = iota
	wakerForTimer
	wakerForCancel
)

// handler is implemented by each role. Every callback returns how long to
// wait before processTimeout should run: a positive duration arms the timer,
// zero runs processTimeout immediately, NoTimeout waits for frames only and
// Terminate stops the loop.
type handler interface {
	start() (time.Duration, error)
	processFrame(in *Inbound) (time.Duration, error)
	processTimeout() (time.Duration, error)
}

// run drives h until it terminates, fails or ctx is cancelled. Frames and
// timer expiries are delivered to h one at a time from this goroutine, so
// handlers need no locking of their own.
func (e *endpoint) run(ctx context.Context, h handler) error {
	if e.ran {
		return ErrClosed
	}
	e.ran = true

	var s sleep.Sleeper
	s.AddWaker(&e.frameWaker, wakerForFrame)
	s.AddWaker(&e.timerWaker, wakerForTimer)
	s.AddWaker(&e.cancelWaker, wakerForCancel)
	defer s.Done()

	stop := context.AfterFunc(ctx, e.cancelWaker.Assert)
	defer stop()

	e.ingress.Start()
	defer e.ingress.Stop()
	defer e.timer.Cancel()

	e.log.Debug().Str("local", formatAddr(e.pc.LocalAddr())).Str("remote", formatAddr(e.remote)).Msg("starting")

	began := time.Now()
	d, err := h.start()
	for err == nil && (d >= 0 || d == NoTimeout) {
		if d >= 0 {
			e.timer.Arm(d)
		}

		gotFrame, werr := e.wait(ctx, &s)
		if werr != nil {
			return werr
		}
		e.timer.Cancel()

		var in *Inbound
		if gotFrame {
			in, _ = e.ingress.TakeFrame()
		}
		if in != nil {
			e.stats.FramesReceived++
			d, err = h.processFrame(in)
		} else {
			e.stats.Timeouts++
			e.log.Debug().Stringer("state", e.state).Dur("timeout", e.rtt.Timeout()).Msg("timeout")
			d, err = h.processTimeout()
		}
		if err == nil && d == 0 {
			d, err = h.processTimeout()
		}
	}
	if err != nil {
		e.log.Error().Err(err).Stringer("state", e.state).Msg("stopped")
		return err
	}
	e.logStats(time.Since(began))
	return nil
}

// wait blocks until a frame is buffered, the timer expires or ctx is done.
// Cancellation wins over frames that are already queued.
// It reports true when a frame is ready; a timer expiry that races with an
// arriving frame is resolved in favour of the frame.
func (e *endpoint) wait(ctx context.Context, s *sleep.Sleeper) (bool, error) {
	for {
		if ctx.Err() != nil {
			return false, errors.Wrap(context.Cause(ctx), "run")
		}
		if e.ingress.HasFrame() {
			return true, nil
		}
		switch id, _ := s.Fetch(true); id {
		case wakerForCancel:
			return false, errors.Wrap(context.Cause(ctx), "run")
		case wakerForTimer:
			return e.ingress.HasFrame(), nil
		case wakerForFrame:
			if err := e.ingress.Err(); err != nil {
				return false, errors.Wrap(err, "receive")
			}
		}
	}
}
