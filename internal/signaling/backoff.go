package signaling

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff is the reconnect delay policy: exponential with jitter, never
// shorter than the previous delay, capped at max. It implements
// backoff.BackOff so it plugs into backoff.Retry.
type Backoff struct {
	exp  *backoff.ExponentialBackOff
	max  time.Duration
	last time.Duration
}

var _ backoff.BackOff = (*Backoff)(nil)

// NewBackoff returns a policy starting at initial and doubling up to max.
// jitter is the randomization factor in [0, 1).
func NewBackoff(initial, max time.Duration, jitter float64) *Backoff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initial
	exp.MaxInterval = max
	exp.Multiplier = 2
	exp.RandomizationFactor = jitter
	exp.MaxElapsedTime = 0 // retry forever; the context decides when to stop
	exp.Reset()
	return &Backoff{exp: exp, max: max}
}

// NextBackOff returns the next delay.
func (b *Backoff) NextBackOff() time.Duration {
	d := b.exp.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if d > b.max {
		d = b.max
	}
	// jitter may pull a sample below the previous one
	if d < b.last {
		d = b.last
	}
	b.last = d
	return d
}

// Reset restarts the sequence at the initial delay.
func (b *Backoff) Reset() {
	b.exp.Reset()
	b.last = 0
}
