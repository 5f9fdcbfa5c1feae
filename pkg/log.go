package protocol

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns a console logger for the command line. Protocol
// narration is logged at debug level; quiet keeps only warnings and errors.
func NewLogger(w io.Writer, quiet bool) zerolog.Logger {
	level := zerolog.DebugLevel
	if quiet {
		level = zerolog.WarnLevel
	}
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// logStats writes the end of run counters at info level.
func (e *endpoint) logStats(elapsed time.Duration) {
	st := e.Stats()
	e.log.Info().
		Uint64("sent", st.FramesSent).
		Uint64("received", st.FramesReceived).
		Uint64("corrupt", st.CorruptDropped).
		Uint64("overflow", st.OverflowDropped).
		Uint64("timeouts", st.Timeouts).
		Uint64("fast_retransmits", st.FastRetransmits).
		Uint64("bytes", st.BytesDelivered).
		Dur("elapsed", elapsed).
		Msg("connection closed")
}
