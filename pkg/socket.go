package protocol

import (
	"net"
	"time"

	"github.com/google/netstack/sleep"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type State int

const (
	StateClosed State = iota
	StateSyn
	StateEstablished
	StateEstablishedFin // last byte queued, waiting for in-flight data to drain
	StateFin
	StateFinAck
)

var stateNames = map[State]string{
	StateClosed:         "CLOSED",
	StateSyn:            "SYN",
	StateEstablished:    "ESTABLISHED",
	StateEstablishedFin: "ESTABLISHED_FIN",
	StateFin:            "FIN",
	StateFinAck:         "FIN_ACK",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Stats are the counters an endpoint accumulates over one run.
type Stats struct {
	FramesSent      uint64
	FramesReceived  uint64
	CorruptDropped  uint64
	OverflowDropped uint64
	Timeouts        uint64
	FastRetransmits uint64
	Nudges          uint64
	// BytesDelivered counts acknowledged bytes on the client and bytes
	// accepted in order on the server.
	BytesDelivered uint64
	// GaveUp is set when the client closed without the server's ACK+FIN.
	GaveUp bool
}

// endpoint is the state both roles share: the socket, the peer, the sequence
// numbers, the timeout estimator and the control loop plumbing.
type endpoint struct {
	role      string
	pc        net.PacketConn
	localPort uint16
	remote    net.Addr
	cfg       Config
	log       zerolog.Logger

	state    State
	localSeq seqnum.Value
	localAck seqnum.Value
	rtt      *RTTEstimator
	stats    Stats

	ingress *IngressQueue
	timer   *RetransmitTimer

	frameWaker  sleep.Waker
	timerWaker  sleep.Waker
	cancelWaker sleep.Waker
	ran         bool
}

func (e *endpoint) init(role string, pc net.PacketConn, remote net.Addr, cfg Config) {
	e.role = role
	e.pc = pc
	e.localPort = portOf(pc.LocalAddr())
	e.remote = remote
	e.cfg = cfg
	e.log = cfg.Logger.With().Str("role", role).Logger()
	e.rtt = NewRTTEstimator(cfg.Timeout)
	e.ingress = newIngressQueue(pc, cfg.ReceiveBuffer, &e.frameWaker, e.log)
	e.timer = newRetransmitTimer(&e.timerWaker)
}

// sendFrame builds a frame advertising the current ingress capacity and
// writes it to the peer.
func (e *endpoint) sendFrame(seq, ack seqnum.Value, flags uint8, payload []byte) (*Frame, error) {
	f := &Frame{
		Seq:     seq,
		Ack:     ack,
		Flags:   flags,
		Window:  e.ingress.AvailableCapacity(),
		Payload: payload,
	}
	b, err := f.Marshal(e.localPort)
	if err != nil {
		return nil, err
	}
	if _, err := e.pc.WriteTo(b, e.remote); err != nil {
		return nil, errors.Wrapf(err, "send to %s", formatAddr(e.remote))
	}
	e.stats.FramesSent++
	e.log.Debug().Stringer("frame", f).Str("to", formatAddr(e.remote)).Msg("sent")
	return f, nil
}

func (e *endpoint) setState(s State) {
	if e.state == s {
		return
	}
	e.log.Info().Stringer("from", e.state).Stringer("to", s).Msg("state")
	e.state = s
}

func (e *endpoint) State() State { return e.state }

func (e *endpoint) Stats() Stats {
	st := e.stats
	_, st.CorruptDropped, st.OverflowDropped = e.ingress.counters()
	return st
}

// Timeout is the current retransmission timeout.
func (e *endpoint) Timeout() time.Duration { return e.rtt.Timeout() }
