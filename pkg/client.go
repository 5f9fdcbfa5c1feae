package protocol

import (
	"context"
	"net"
	"time"

	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
)

// segment is a data frame that was sent and is not yet acknowledged.
type segment struct {
	frame  *Frame
	sentAt time.Time
}

// Client sends the contents of a ByteSource to a Server with a Go-Back-N
// window whose size follows the congestion window.
type Client struct {
	endpoint
	src ByteSource

	cwnd          int
	window        []segment
	windowBytes   int // payload bytes held by window
	bytesInFlight int // estimate used for flow control against peerWindow
	peerWindow    int

	lastSendAt time.Time // SYN and FIN timing
	synRetries int
	finRetries int

	lastAck seqnum.Value
	dupAcks int
}

func NewClient(pc net.PacketConn, remote net.Addr, src ByteSource, cfg Config) *Client {
	c := &Client{
		src:        src,
		cwnd:       1,
		peerWindow: initialPeerWindow,
	}
	c.init("client", pc, remote, cfg.withDefaults(DefaultClientTimeout))
	return c
}

// Run performs the handshake, transfers the source and closes the
// connection. It returns nil on a clean close and also when the server never
// answered the FIN; Stats().GaveUp tells the two apart.
func (c *Client) Run(ctx context.Context) error {
	return c.run(ctx, c)
}

func (c *Client) CongestionWindow() int { return c.cwnd }

func (c *Client) BytesInFlight() int { return c.bytesInFlight }

func (c *Client) start() (time.Duration, error) {
	c.setState(StateSyn)
	if err := c.sendControl(header.TCPFlagSyn); err != nil {
		return 0, err
	}
	return c.rtt.Timeout(), nil
}

func (c *Client) processFrame(in *Inbound) (time.Duration, error) {
	if !sameAddr(in.From, c.remote) {
		c.log.Debug().Str("from", formatAddr(in.From)).Msg("ignoring frame from stranger")
		return c.remaining(), nil
	}
	f := &in.Frame
	c.peerWindow = int(f.Window)

	switch c.state {
	case StateSyn:
		if !f.Has(header.TCPFlagAck) {
			return c.remaining(), nil
		}
		c.rtt.Sample(time.Since(c.lastSendAt))
		c.localSeq = f.Ack
		c.localAck = f.Seq.Add(1)
		c.lastAck = f.Ack
		c.setState(StateEstablished)
		return c.transmit()

	case StateEstablished, StateEstablishedFin:
		if f.Has(header.TCPFlagSyn) {
			// Our handshake ACK was lost and the server repeated ACK+SYN.
			_, err := c.sendFrame(c.nextSeq(), c.localAck, header.TCPFlagAck, nil)
			return c.remaining(), err
		}
		if f.Has(header.TCPFlagAck) && !f.Has(header.TCPFlagFin) {
			return c.acknowledge(f.Ack)
		}
		return c.remaining(), nil

	case StateFin:
		if !f.Has(header.TCPFlagAck) || !f.Has(header.TCPFlagFin) {
			return c.remaining(), nil
		}
		c.localAck = f.Seq.Add(1)
		if _, err := c.sendFrame(c.localSeq.Add(1), c.localAck, header.TCPFlagAck, nil); err != nil {
			return 0, err
		}
		c.setState(StateClosed)
		return Terminate, nil
	}
	return Terminate, nil
}

func (c *Client) processTimeout() (time.Duration, error) {
	switch c.state {
	case StateSyn:
		c.synRetries++
		if limit := c.cfg.MaxSynRetries; limit > 0 && c.synRetries > limit {
			return 0, errors.Wrapf(ErrPeerUnreachable, "no answer to %d SYNs", c.synRetries)
		}
		c.rtt.Backoff()
		if err := c.sendControl(header.TCPFlagSyn); err != nil {
			return 0, err
		}
		return c.rtt.Timeout(), nil

	case StateEstablished, StateEstablishedFin:
		c.rtt.Backoff()
		return c.retransmit()

	case StateFin:
		c.rtt.Backoff()
		c.finRetries++
		if c.finRetries >= c.cfg.MaxFinRetries {
			c.log.Warn().Int("attempts", c.finRetries).Msg("no ACK+FIN from server, closing anyway")
			c.stats.GaveUp = true
			c.setState(StateClosed)
			return Terminate, nil
		}
		if err := c.sendControl(header.TCPFlagFin); err != nil {
			return 0, err
		}
		return c.rtt.Timeout(), nil
	}
	return Terminate, nil
}

// acknowledge handles a cumulative ACK while data is flowing.
func (c *Client) acknowledge(ack seqnum.Value) (time.Duration, error) {
	if len(c.window) == 0 {
		// Nothing outstanding: the receiver is acknowledging while we are
		// blocked on its window, so relax the estimate and slow down.
		c.bytesInFlight -= c.bytesInFlight / 4
		c.rtt.Backoff()
		return c.rtt.Timeout(), nil
	}

	// Retire every segment the ACK covers. In the common case this is
	// exactly the oldest one.
	retired := 0
	if ack.InWindow(c.localSeq.Add(1), seqnum.Size(c.windowBytes)) {
		for retired < len(c.window) && !ack.LessThan(c.window[retired].frame.End()) {
			retired++
		}
	}
	if retired == 0 {
		if ack == c.localSeq {
			if ack == c.lastAck {
				c.dupAcks++
			} else {
				c.lastAck = ack
				c.dupAcks = 1
			}
			if c.dupAcks >= 2 {
				c.dupAcks = 0
				c.stats.FastRetransmits++
				c.log.Debug().Uint32("ack", uint32(ack)).Msg("fast retransmit")
				return c.retransmit()
			}
		}
		return c.remaining(), nil
	}

	newest := c.window[retired-1]
	c.rtt.Sample(time.Since(newest.sentAt))
	for _, s := range c.window[:retired] {
		n := s.frame.Len()
		c.windowBytes -= n
		c.bytesInFlight = max(c.bytesInFlight-n, 0)
		c.stats.BytesDelivered += uint64(n)
		c.cwnd++
	}
	c.window = c.window[retired:]
	if len(c.window) == 0 {
		c.bytesInFlight = 0
	}
	c.localSeq = newest.frame.End()
	c.lastAck = c.localSeq
	c.dupAcks = 0

	if c.state == StateEstablishedFin && len(c.window) == 0 {
		return c.sendFin()
	}
	return c.transmit()
}

// transmit fills free congestion window slots with new segments as far as
// the peer's advertised window allows.
func (c *Client) transmit() (time.Duration, error) {
	if c.src.Remaining() == 0 && len(c.window) == 0 {
		return c.sendFin()
	}

	for slots := c.cwnd - len(c.window); slots > 0 && c.src.Remaining() > 0; slots-- {
		if c.bytesInFlight >= c.peerWindow {
			c.cwnd = max(c.cwnd/2, 1)
			c.rtt.Backoff()
			c.log.Debug().Int("inflight", c.bytesInFlight).Int("peer_window", c.peerWindow).Msg("receiver window full")
			break
		}
		n := int(min(uint64(min(MaxPayloadSize, c.peerWindow-c.bytesInFlight)), c.src.Remaining()))
		payload, err := c.src.Read(n)
		if err != nil {
			return 0, err
		}
		f, err := c.sendFrame(c.nextSeq(), c.localAck, header.TCPFlagAck, payload)
		if err != nil {
			return 0, err
		}
		c.window = append(c.window, segment{frame: f, sentAt: time.Now()})
		c.windowBytes += len(payload)
		c.bytesInFlight += len(payload)
		if c.src.Remaining() == 0 {
			c.setState(StateEstablishedFin)
		}
	}

	if len(c.window) == 0 {
		return c.rtt.Timeout(), nil
	}
	return c.remaining(), nil
}

// retransmit is Go-Back-N recovery: rewind the source over everything in
// the window, drop the window and send again from the oldest unacknowledged
// byte with a halved congestion window.
func (c *Client) retransmit() (time.Duration, error) {
	if err := c.src.SeekBack(c.windowBytes); err != nil {
		return 0, err
	}
	c.window = c.window[:0]
	c.windowBytes = 0
	c.bytesInFlight -= c.bytesInFlight / 4
	if c.peerWindow == 0 {
		c.peerWindow = probeWindow
	}
	c.ingress.Clear()
	if c.state == StateEstablishedFin {
		c.setState(StateEstablished)
	}
	c.cwnd = max(c.cwnd/2, 1)
	c.log.Debug().Int("cwnd", c.cwnd).Dur("timeout", c.rtt.Timeout()).Msg("go back")
	return c.transmit()
}

func (c *Client) sendFin() (time.Duration, error) {
	c.setState(StateFin)
	if err := c.sendControl(header.TCPFlagFin); err != nil {
		return 0, err
	}
	return c.rtt.Timeout(), nil
}

func (c *Client) sendControl(flags uint8) error {
	c.lastSendAt = time.Now()
	_, err := c.sendFrame(c.localSeq, c.localAck, flags, nil)
	return err
}

func (c *Client) nextSeq() seqnum.Value {
	return c.localSeq.Add(seqnum.Size(c.windowBytes))
}

// remaining is the time left before the pending retransmission is due.
func (c *Client) remaining() time.Duration {
	since := c.lastSendAt
	switch {
	case len(c.window) > 0:
		since = c.window[0].sentAt
	case c.state == StateEstablished || c.state == StateEstablishedFin:
		return c.rtt.Timeout()
	}
	return max(c.rtt.Timeout()-time.Since(since), 0)
}
