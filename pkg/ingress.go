package protocol

import (
	"net"
	"sync"
	"time"

	"github.com/google/netstack/sleep"
	"github.com/rs/zerolog"
)

// Inbound is a decoded frame together with the address it arrived from.
type Inbound struct {
	Frame
	From net.Addr
}

// IngressQueue continuously reads datagrams from the socket, drops corrupt
// ones and buffers the rest until the control loop takes them. Capacity is
// accounted in payload bytes (plus a frame count bound) and the remaining
// capacity is what an endpoint advertises as its window.
type IngressQueue struct {
	pc    net.PacketConn
	waker *sleep.Waker
	log   zerolog.Logger

	mu        sync.Mutex
	frames    []*Inbound
	capacity  int
	available int
	maxFrames int
	err       error
	stopping  bool
	corrupt   uint64
	overflow  uint64
	received  uint64

	done chan struct{}
}

func newIngressQueue(pc net.PacketConn, capacity int, waker *sleep.Waker, log zerolog.Logger) *IngressQueue {
	return &IngressQueue{
		pc:        pc,
		waker:     waker,
		log:       log,
		capacity:  capacity,
		available: capacity,
		maxFrames: capacity/MaxPayloadSize + 1,
		done:      make(chan struct{}),
	}
}

// Start launches the receive goroutine.
func (q *IngressQueue) Start() {
	go q.run()
}

// Stop unblocks the pending read and waits for the receive goroutine to
// exit. The socket itself is left open; it belongs to the caller.
func (q *IngressQueue) Stop() {
	q.mu.Lock()
	q.stopping = true
	q.mu.Unlock()

	q.pc.SetReadDeadline(time.Now())
	<-q.done
	q.pc.SetReadDeadline(time.Time{})
}

func (q *IngressQueue) run() {
	defer close(q.done)

	buf := make([]byte, MaxFrameSize+1)
	for {
		n, from, err := q.pc.ReadFrom(buf)
		if err != nil {
			q.mu.Lock()
			stopping := q.stopping
			if !stopping {
				q.err = err
			}
			q.mu.Unlock()
			if !stopping {
				q.waker.Assert()
			}
			return
		}

		var in Inbound
		if err := in.Frame.Unmarshal(buf, n, portOf(from)); err != nil {
			q.mu.Lock()
			q.corrupt++
			q.mu.Unlock()
			q.log.Debug().Err(err).Str("from", formatAddr(from)).Msg("dropped corrupt frame")
			continue
		}
		in.From = from
		q.push(&in)
	}
}

func (q *IngressQueue) push(in *Inbound) bool {
	q.mu.Lock()
	if q.available <= 0 || len(q.frames) >= q.maxFrames {
		q.overflow++
		q.mu.Unlock()
		q.log.Debug().Stringer("frame", in.Frame).Msg("ingress full, dropped frame")
		return false
	}
	q.frames = append(q.frames, in)
	q.available -= in.Len()
	q.received++
	q.mu.Unlock()

	q.waker.Assert()
	return true
}

func (q *IngressQueue) HasFrame() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames) > 0
}

// TakeFrame pops the oldest buffered frame without blocking.
func (q *IngressQueue) TakeFrame() (*Inbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return nil, false
	}
	in := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	q.available += in.Len()
	return in, true
}

// AvailableCapacity is the advertised receive window, clamped to [0, 65535].
func (q *IngressQueue) AvailableCapacity() uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return uint16(min(max(q.available, 0), 0xffff))
}

// Clear discards every buffered frame and restores full capacity.
func (q *IngressQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.frames {
		q.frames[i] = nil
	}
	q.frames = q.frames[:0]
	q.available = q.capacity
}

// Err reports the read error that stopped the receive goroutine, if any.
func (q *IngressQueue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

func (q *IngressQueue) counters() (received, corrupt, overflow uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.received, q.corrupt, q.overflow
}
