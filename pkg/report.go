package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Status renders a one row table describing the endpoint.
func (e *endpoint) Status() string {
	st := e.Stats()
	var b strings.Builder
	fmt.Fprintln(&b, "Role    State            LSeq        LAck        RTO      Remote                 Delivered")
	fmt.Fprintf(&b, "%-7s %-16s %-11d %-11d %-8s %-22s %s",
		e.role, e.state, e.localSeq, e.localAck,
		e.rtt.Timeout().Round(time.Millisecond), formatAddr(e.remote),
		humanize.IBytes(st.BytesDelivered))
	return b.String()
}

func (c *Client) Status() string {
	st := c.Stats()
	return c.endpoint.Status() + "\n" +
		"cwnd " + strconv.Itoa(c.cwnd) +
		"  in flight " + humanize.IBytes(uint64(c.bytesInFlight)) +
		"  peer window " + humanize.IBytes(uint64(c.peerWindow)) +
		"  timeouts " + humanize.Comma(int64(st.Timeouts)) +
		"  fast retransmits " + humanize.Comma(int64(st.FastRetransmits))
}

// Summary is the closing line the command prints: volume, duration and rate.
func Summary(st Stats, elapsed time.Duration) string {
	rate := 0.0
	if elapsed > 0 {
		rate = float64(st.BytesDelivered) / elapsed.Seconds()
	}
	n, prefix := humanize.ComputeSI(rate)
	summary := fmt.Sprintf("%s in %s (%.2f %sB/s), %s frames sent, %s received, %s corrupt dropped",
		humanize.IBytes(st.BytesDelivered), elapsed.Round(time.Millisecond), n, prefix,
		humanize.Comma(int64(st.FramesSent)), humanize.Comma(int64(st.FramesReceived)),
		humanize.Comma(int64(st.CorruptDropped)))
	if st.GaveUp {
		summary += ", closed without the server's FIN"
	}
	return summary
}
