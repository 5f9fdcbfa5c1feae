package protocol

import (
	"math"
	"time"
)

// RTTEstimator keeps the exponentially weighted round trip statistics and
// the current retransmission timeout. All values are in milliseconds.
//
// The timeout never exceeds the configured ceiling, even when the estimate
// plus four deviations would. This bounds recovery latency under jitter at
// the cost of estimate fidelity.
type RTTEstimator struct {
	EstimatedRTT float64
	DevRTT       float64

	timeout        int64
	defaultTimeout int64
}

func NewRTTEstimator(defaultTimeout time.Duration) *RTTEstimator {
	d := defaultTimeout.Milliseconds()
	est := 0.125 * float64(d)
	return &RTTEstimator{
		EstimatedRTT:   est,
		DevRTT:         0.25 * math.Abs(float64(d)-est),
		timeout:        d,
		defaultTimeout: d,
	}
}

// Sample folds one round trip measurement into the estimate and recomputes
// the timeout as ceil(estimated + 4*dev), capped at the default.
func (r *RTTEstimator) Sample(rtt time.Duration) {
	sample := float64(rtt.Milliseconds())
	r.EstimatedRTT = 0.875*r.EstimatedRTT + 0.125*sample
	r.DevRTT = 0.75*r.DevRTT + 0.25*math.Abs(sample-r.EstimatedRTT)

	rto := int64(math.Ceil(r.EstimatedRTT + 4*r.DevRTT))
	r.timeout = min(rto, r.defaultTimeout)
}

// Backoff doubles the timeout, capped at the default. A zero timeout becomes
// 2ms so repeated backoff always makes progress.
func (r *RTTEstimator) Backoff() {
	if r.timeout == 0 {
		r.timeout = 2
	} else {
		r.timeout *= 2
	}
	r.timeout = min(r.timeout, r.defaultTimeout)
}

func (r *RTTEstimator) Timeout() time.Duration {
	return time.Duration(r.timeout) * time.Millisecond
}

func (r *RTTEstimator) DefaultTimeout() time.Duration {
	return time.Duration(r.defaultTimeout) * time.Millisecond
}
