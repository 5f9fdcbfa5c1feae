package protocol

import (
	"context"
	"net"
	"time"

	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
)

// Server accepts a single connection and writes the bytes it receives in
// order to a ByteSink. Out-of-order segments are dropped; the sender is
// expected to go back and resend them.
type Server struct {
	endpoint
	sink ByteSink

	origin     seqnum.Value // sequence number of the first data byte
	lastSendAt time.Time
	strays     int // out-of-order arrivals and idle timeouts since the last progress
	idle       int
	lastNudge  seqnum.Value
	nudged     bool
}

func NewServer(pc net.PacketConn, sink ByteSink, cfg Config) *Server {
	s := &Server{sink: sink}
	s.init("server", pc, nil, cfg.withDefaults(DefaultServerTimeout))
	return s
}

// Run waits for a client, receives its data and returns once the
// connection is closed.
func (s *Server) Run(ctx context.Context) error {
	return s.run(ctx, s)
}

// Remote is the connected client, or nil before the first SYN.
func (s *Server) Remote() net.Addr { return s.remote }

func (s *Server) start() (time.Duration, error) {
	s.setState(StateClosed)
	return NoTimeout, nil
}

func (s *Server) processFrame(in *Inbound) (time.Duration, error) {
	f := &in.Frame
	switch {
	case s.remote == nil && !f.Has(header.TCPFlagSyn):
		s.log.Debug().Stringer("frame", f).Msg("ignoring frame before SYN")
		return s.idleTimeout(), nil
	case s.remote != nil && !sameAddr(in.From, s.remote):
		s.log.Debug().Str("from", formatAddr(in.From)).Msg("ignoring frame from stranger")
		return s.idleTimeout(), nil
	}
	if !s.lastSendAt.IsZero() {
		s.rtt.Sample(time.Since(s.lastSendAt))
	}
	s.idle = 0

	var reply uint8
	if f.Has(header.TCPFlagSyn) && (s.state == StateClosed || s.state == StateSyn) {
		s.remote = in.From
		s.localAck = f.Seq.Add(1)
		s.setState(StateSyn)
		reply |= header.TCPFlagAck | header.TCPFlagSyn
	}

	if f.Has(header.TCPFlagAck) && !f.Has(header.TCPFlagSyn) {
		switch s.state {
		case StateSyn:
			s.localSeq = f.Ack
			s.origin = s.localAck
			s.setState(StateEstablished)
		case StateEstablished:
			s.localSeq = f.Ack
		case StateFin:
			if f.Ack == s.localSeq.Add(1) {
				s.setState(StateFinAck)
				return Terminate, nil
			}
		}
	}

	if f.Len() > 0 && s.state == StateEstablished {
		ack, accepted, err := s.receive(f)
		if err != nil {
			return 0, err
		}
		switch {
		case accepted && ack == s.localAck:
			reply |= header.TCPFlagAck
		case accepted:
			// A late copy of bytes already held; confirm it without
			// moving the acknowledgement back.
			s.lastSendAt = time.Now()
			if _, err := s.sendFrame(s.localSeq, ack, header.TCPFlagAck, nil); err != nil {
				return 0, err
			}
		default:
			if s.strays++; s.strays%s.cfg.NudgeEvery != 0 {
				break
			}
			if err := s.nudge(); err != nil {
				return 0, err
			}
			s.ingress.Clear()
			s.rtt.Backoff()
			return s.rtt.Timeout(), nil
		}
	}

	if f.Has(header.TCPFlagFin) {
		switch s.state {
		case StateSyn, StateEstablished, StateFin:
			s.localAck = f.Seq.Add(1)
			s.setState(StateFin)
			reply |= header.TCPFlagAck | header.TCPFlagFin
		}
	}

	if reply != 0 {
		if err := s.reply(reply); err != nil {
			return 0, err
		}
	}
	return s.rtt.Timeout(), nil
}

// receive applies one data segment to the sink and returns the
// acknowledgement it earns. Segments starting at the next expected byte are
// appended. A segment that starts earlier but runs past the next expected
// byte overwrites what was accepted from its offset on. A segment lying
// entirely within the accepted bytes changes nothing and is acknowledged by
// its own end. Anything else is a gap and is dropped.
func (s *Server) receive(f *Frame) (seqnum.Value, bool, error) {
	switch {
	case f.Seq == s.localAck:
	case f.Seq.LessThan(s.localAck) && !f.Seq.LessThan(s.origin):
		if !s.localAck.LessThan(f.End()) {
			s.log.Debug().Uint32("seq", uint32(f.Seq)).Uint32("expected", uint32(s.localAck)).Msg("duplicate")
			return f.End(), true, nil
		}
		if err := s.sink.TruncateTo(int64(s.origin.Size(f.Seq))); err != nil {
			return 0, false, errors.Wrap(err, "rewind sink")
		}
		s.log.Debug().Uint32("seq", uint32(f.Seq)).Uint32("expected", uint32(s.localAck)).Msg("overwriting")
	default:
		s.log.Debug().Uint32("seq", uint32(f.Seq)).Uint32("expected", uint32(s.localAck)).Msg("out of order, dropped")
		return 0, false, nil
	}

	if err := s.sink.Append(f.Payload); err != nil {
		return 0, false, errors.Wrap(err, "append to sink")
	}
	s.localAck = f.End()
	s.stats.BytesDelivered = uint64(s.origin.Size(s.localAck))
	s.strays = 0
	return s.localAck, true, nil
}

func (s *Server) processTimeout() (time.Duration, error) {
	switch s.state {
	case StateClosed:
		return NoTimeout, nil

	case StateSyn:
		s.rtt.Backoff()
		if err := s.reply(header.TCPFlagAck | header.TCPFlagSyn); err != nil {
			return 0, err
		}
		return s.rtt.Timeout(), nil

	case StateEstablished:
		s.rtt.Backoff()
		s.idle++
		if limit := s.cfg.MaxIdleTimeouts; limit > 0 && s.idle >= limit {
			return 0, errors.Wrapf(ErrPeerUnreachable, "%d silent timeouts", s.idle)
		}
		s.strays++
		if s.strays%s.cfg.NudgeEvery == 0 && (!s.nudged || s.localAck != s.lastNudge) {
			if err := s.nudge(); err != nil {
				return 0, err
			}
			s.ingress.Clear()
		}
		return s.rtt.Timeout(), nil

	case StateFin:
		// The client's final ACK was lost. It has everything it needs.
		s.log.Info().Msg("no final ACK, closing")
		s.setState(StateFinAck)
		return Terminate, nil
	}
	return Terminate, nil
}

// nudge sends two duplicate ACKs for the next expected byte, which is what
// the client needs to go back without waiting for its own timeout.
func (s *Server) nudge() error {
	for i := 0; i < 2; i++ {
		if err := s.reply(header.TCPFlagAck); err != nil {
			return err
		}
	}
	s.lastNudge = s.localAck
	s.nudged = true
	s.stats.Nudges++
	s.log.Debug().Uint32("ack", uint32(s.localAck)).Msg("nudged sender")
	return nil
}

func (s *Server) reply(flags uint8) error {
	s.lastSendAt = time.Now()
	_, err := s.sendFrame(s.localSeq, s.localAck, flags, nil)
	return err
}

func (s *Server) idleTimeout() time.Duration {
	if s.state == StateClosed {
		return NoTimeout
	}
	return s.rtt.Timeout()
}
