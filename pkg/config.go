package protocol

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	DefaultClientTimeout = time.Second
	DefaultServerTimeout = 5 * time.Second
	DefaultReceiveBuffer = 2048
	DefaultMaxFinRetries = 5
	DefaultNudgeEvery    = 5

	// initialPeerWindow is assumed until the peer advertises its own.
	initialPeerWindow = 1000
	// probeWindow replaces an advertised zero window on retransmission so the
	// sender can still probe a receiver that has drained in the meantime.
	probeWindow = 20
)

var (
	// ErrPeerUnreachable is returned when a configured retry bound is
	// exhausted before the peer answers.
	ErrPeerUnreachable = errors.New("peer unreachable")
	// ErrClosed is returned when Run is called on an endpoint that already ran.
	ErrClosed = errors.New("endpoint already used")
)

// Config carries the tunables shared by both roles. Zero values select the
// defaults for the role.
type Config struct {
	// Timeout is the default and maximum retransmission timeout.
	Timeout time.Duration
	// ReceiveBuffer bounds the ingress queue in payload bytes. Its free space
	// is advertised to the peer as the window.
	ReceiveBuffer int
	// MaxSynRetries bounds handshake retransmissions on the client. Zero
	// retries forever.
	MaxSynRetries int
	// MaxFinRetries is the number of FIN timeouts after which the client
	// stops waiting for the server's ACK+FIN and closes anyway.
	MaxFinRetries int
	// MaxIdleTimeouts bounds consecutive silent timeouts on an established
	// server. Zero waits forever.
	MaxIdleTimeouts int
	// NudgeEvery is how many out-of-order arrivals or idle timeouts the
	// server tolerates before re-sending duplicate ACKs.
	NudgeEvery int
	// Logger receives protocol events. Nil disables logging.
	Logger *zerolog.Logger
}

func (c Config) withDefaults(timeout time.Duration) Config {
	if c.Timeout <= 0 {
		c.Timeout = timeout
	}
	if c.ReceiveBuffer <= 0 {
		c.ReceiveBuffer = DefaultReceiveBuffer
	}
	if c.MaxSynRetries < 0 {
		c.MaxSynRetries = 0
	}
	if c.MaxFinRetries <= 0 {
		c.MaxFinRetries = DefaultMaxFinRetries
	}
	if c.MaxIdleTimeouts < 0 {
		c.MaxIdleTimeouts = 0
	}
	if c.NudgeEvery <= 0 {
		c.NudgeEvery = DefaultNudgeEvery
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
	return c
}
