package protocol

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
)

func newTestClient(t *testing.T, data []byte, cfg Config) (*Client, net.PacketConn) {
	t.Helper()
	peer := listenLoopback(t)
	src, err := NewSeekSource(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return NewClient(listenLoopback(t), peer.LocalAddr(), src, cfg), peer
}

func deliver(t *testing.T, c *Client, peer net.PacketConn, f Frame) time.Duration {
	t.Helper()
	d, err := c.processFrame(&Inbound{Frame: f, From: peer.LocalAddr()})
	if err != nil {
		t.Fatalf("processFrame(%v): %v", f, err)
	}
	return d
}

// handshake runs the client through SYN, answering with the given window.
func handshake(t *testing.T, c *Client, peer net.PacketConn, window uint16) {
	t.Helper()
	if _, err := c.start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	syn := readFrame(t, peer)
	if syn.Flags != header.TCPFlagSyn || syn.Seq != 0 {
		t.Fatalf("first frame %v, want SYN with seq 0", syn)
	}
	deliver(t, c, peer, Frame{Seq: 0, Ack: 1, Flags: header.TCPFlagAck | header.TCPFlagSyn, Window: window})
}

func ack(n seqnum.Value) Frame {
	return Frame{Seq: 1, Ack: n, Flags: header.TCPFlagAck, Window: DefaultReceiveBuffer}
}

func expectData(t *testing.T, peer net.PacketConn, seq seqnum.Value, length int) Frame {
	t.Helper()
	f := readFrame(t, peer)
	if f.Seq != seq || f.Len() != length || !f.Has(header.TCPFlagAck) {
		t.Fatalf("got %v, want data seq %d len %d", f, seq, length)
	}
	return f
}

func TestClientSlidingWindow(t *testing.T) {
	data := sequentialPayload(2000)
	c, peer := newTestClient(t, data, Config{})
	handshake(t, c, peer, DefaultReceiveBuffer)

	if c.State() != StateEstablished {
		t.Fatalf("state %v after ACK+SYN", c.State())
	}
	first := expectData(t, peer, 1, MaxPayloadSize)
	if !bytes.Equal(first.Payload, data[:MaxPayloadSize]) {
		t.Error("first segment carries the wrong bytes")
	}

	deliver(t, c, peer, ack(533))
	if c.CongestionWindow() != 2 {
		t.Errorf("cwnd = %d after one ACK, want 2", c.CongestionWindow())
	}
	expectData(t, peer, 533, MaxPayloadSize)
	expectData(t, peer, 1065, MaxPayloadSize)

	deliver(t, c, peer, ack(1065))
	expectData(t, peer, 1597, 404)
	if c.State() != StateEstablishedFin {
		t.Errorf("state %v with the last byte queued", c.State())
	}

	deliver(t, c, peer, ack(1597))
	deliver(t, c, peer, ack(2001))
	fin := readFrame(t, peer)
	if fin.Flags != header.TCPFlagFin || fin.Seq != 2001 {
		t.Fatalf("got %v, want FIN with seq 2001", fin)
	}

	d := deliver(t, c, peer, Frame{Seq: 1, Ack: 2002, Flags: header.TCPFlagAck | header.TCPFlagFin, Window: DefaultReceiveBuffer})
	if d != Terminate {
		t.Errorf("ACK+FIN returned %v, want Terminate", d)
	}
	last := readFrame(t, peer)
	if last.Flags != header.TCPFlagAck || last.Seq != 2002 || last.Ack != 2 {
		t.Errorf("final frame %v, want ACK seq 2002 ack 2", last)
	}
	if st := c.Stats(); st.BytesDelivered != 2000 || st.GaveUp {
		t.Errorf("stats %+v", st)
	}
}

func TestClientCumulativeAck(t *testing.T) {
	c, peer := newTestClient(t, sequentialPayload(4000), Config{})
	handshake(t, c, peer, DefaultReceiveBuffer)
	expectData(t, peer, 1, MaxPayloadSize)
	deliver(t, c, peer, ack(533))
	expectData(t, peer, 533, MaxPayloadSize)
	expectData(t, peer, 1065, MaxPayloadSize)

	// The ACK for 533..1065 was lost; the next one covers both segments.
	deliver(t, c, peer, ack(1597))
	if c.CongestionWindow() != 4 {
		t.Errorf("cwnd = %d, want 4 once three segments are retired", c.CongestionWindow())
	}
	for _, seq := range []seqnum.Value{1597, 2129, 2661} {
		expectData(t, peer, seq, MaxPayloadSize)
	}
	// Only 2048-3*532 bytes of the peer's window are left for the fourth.
	expectData(t, peer, 3193, DefaultReceiveBuffer-3*MaxPayloadSize)
}

func TestClientFastRetransmit(t *testing.T) {
	c, peer := newTestClient(t, sequentialPayload(2000), Config{})
	handshake(t, c, peer, DefaultReceiveBuffer)
	expectData(t, peer, 1, MaxPayloadSize)
	deliver(t, c, peer, ack(533))
	expectData(t, peer, 533, MaxPayloadSize)
	expectData(t, peer, 1065, MaxPayloadSize)

	deliver(t, c, peer, ack(533))
	expectNoFrame(t, peer)
	deliver(t, c, peer, ack(533))

	expectData(t, peer, 533, MaxPayloadSize)
	if c.CongestionWindow() != 1 {
		t.Errorf("cwnd = %d after fast retransmit, want 1", c.CongestionWindow())
	}
	if st := c.Stats(); st.FastRetransmits != 1 {
		t.Errorf("FastRetransmits = %d, want 1", st.FastRetransmits)
	}
}

func TestClientTimeoutGoesBack(t *testing.T) {
	c, peer := newTestClient(t, sequentialPayload(2000), Config{})
	handshake(t, c, peer, DefaultReceiveBuffer)
	expectData(t, peer, 1, MaxPayloadSize)
	deliver(t, c, peer, ack(533))
	deliver(t, c, peer, ack(1065))
	expectData(t, peer, 533, MaxPayloadSize)
	expectData(t, peer, 1065, MaxPayloadSize)
	expectData(t, peer, 1597, 404)
	if c.CongestionWindow() != 3 {
		t.Fatalf("cwnd = %d, want 3", c.CongestionWindow())
	}

	if _, err := c.processTimeout(); err != nil {
		t.Fatal(err)
	}
	if c.CongestionWindow() != 1 {
		t.Errorf("cwnd = %d after timeout, want 1", c.CongestionWindow())
	}
	if c.State() != StateEstablished {
		t.Errorf("state %v after timeout, want ESTABLISHED", c.State())
	}
	expectData(t, peer, 1065, MaxPayloadSize)
}

func TestClientWindowInvariants(t *testing.T) {
	c, peer := newTestClient(t, sequentialPayload(20000), Config{})
	handshake(t, c, peer, DefaultReceiveBuffer)

	for i := 0; i < 50; i++ {
		var err error
		if i%3 == 0 {
			_, err = c.processFrame(&Inbound{Frame: ack(c.localSeq), From: peer.LocalAddr()})
		} else {
			_, err = c.processTimeout()
		}
		if err != nil {
			t.Fatal(err)
		}
		if c.CongestionWindow() < 1 {
			t.Fatalf("iteration %d: cwnd = %d", i, c.CongestionWindow())
		}
		if c.BytesInFlight() < 0 {
			t.Fatalf("iteration %d: bytes in flight = %d", i, c.BytesInFlight())
		}
		if c.Timeout() > c.rtt.DefaultTimeout() {
			t.Fatalf("iteration %d: timeout %v above default", i, c.Timeout())
		}
	}
}

func TestClientHonorsPeerWindow(t *testing.T) {
	c, peer := newTestClient(t, sequentialPayload(2000), Config{})
	handshake(t, c, peer, 100)
	expectData(t, peer, 1, 100)

	deliver(t, c, peer, Frame{Seq: 1, Ack: 101, Flags: header.TCPFlagAck, Window: 100})
	expectData(t, peer, 101, 100)
	expectNoFrame(t, peer)
	if c.CongestionWindow() != 1 {
		t.Errorf("cwnd = %d with the receiver window full, want 1", c.CongestionWindow())
	}
}

func TestClientEmptySourceSendsFin(t *testing.T) {
	c, peer := newTestClient(t, nil, Config{})
	handshake(t, c, peer, DefaultReceiveBuffer)

	fin := readFrame(t, peer)
	if fin.Flags != header.TCPFlagFin {
		t.Fatalf("got %v, want FIN", fin)
	}
	if c.State() != StateFin {
		t.Errorf("state %v, want FIN", c.State())
	}
}

func TestClientGivesUpOnFin(t *testing.T) {
	c, peer := newTestClient(t, nil, Config{})
	handshake(t, c, peer, DefaultReceiveBuffer)
	readFrame(t, peer)

	for i := 1; i < DefaultMaxFinRetries; i++ {
		d, err := c.processTimeout()
		if err != nil || d < 0 {
			t.Fatalf("timeout %d: %v, %v", i, d, err)
		}
		if f := readFrame(t, peer); f.Flags != header.TCPFlagFin {
			t.Fatalf("timeout %d resent %v, want FIN", i, f)
		}
	}
	d, err := c.processTimeout()
	if err != nil || d != Terminate {
		t.Fatalf("final timeout: %v, %v; want Terminate", d, err)
	}
	if !c.Stats().GaveUp {
		t.Error("GaveUp not recorded")
	}
}

func TestClientSynRetries(t *testing.T) {
	c, peer := newTestClient(t, nil, Config{MaxSynRetries: 2})
	if _, err := c.start(); err != nil {
		t.Fatal(err)
	}
	readFrame(t, peer)

	for i := 0; i < 2; i++ {
		if _, err := c.processTimeout(); err != nil {
			t.Fatalf("retry %d: %v", i, err)
		}
		if f := readFrame(t, peer); f.Flags != header.TCPFlagSyn {
			t.Fatalf("retry %d sent %v", i, f)
		}
	}
	if _, err := c.processTimeout(); !errors.Is(err, ErrPeerUnreachable) {
		t.Errorf("got %v, want ErrPeerUnreachable", err)
	}
}

func TestClientIgnoresStrangers(t *testing.T) {
	c, peer := newTestClient(t, sequentialPayload(10), Config{})
	if _, err := c.start(); err != nil {
		t.Fatal(err)
	}
	readFrame(t, peer)

	stranger := listenLoopback(t)
	_, err := c.processFrame(&Inbound{
		Frame: Frame{Ack: 1, Flags: header.TCPFlagAck | header.TCPFlagSyn, Window: DefaultReceiveBuffer},
		From:  stranger.LocalAddr(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if c.State() != StateSyn {
		t.Errorf("state %v after a stranger's ACK+SYN", c.State())
	}
}
