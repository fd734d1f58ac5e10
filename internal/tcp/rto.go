package tcp

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// rtoTimer wraps a cenkalti/backoff/v5 ExponentialBackOff as this
// connection's retransmission-timeout policy: exponential backoff
// seeded at 300ms, factor 2, capped at 60s. The simulation has no real
// RTT jitter to sample, so a fixed seed replaces an RTT estimator.
type rtoTimer struct {
	bo *backoff.ExponentialBackOff
}

func newRTOTimer() *rtoTimer {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 300 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = 60 * time.Second
	bo.RandomizationFactor = 0
	return &rtoTimer{bo: bo}
}

// Next returns the next RTO to wait before retransmitting, advancing the
// backoff state (doubling it for next time, up to MaxInterval).
func (r *rtoTimer) Next() time.Duration {
	return r.bo.NextBackOff()
}

// Reset collapses the backoff back to InitialInterval, called whenever
// a genuine new ACK arrives: fast retransmit leaves the retransmit
// count alone, but forward progress resets the RTO policy.
func (r *rtoTimer) Reset() { r.bo.Reset() }
