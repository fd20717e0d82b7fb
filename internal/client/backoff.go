package client

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultInitialBackoff = 1000 * time.Millisecond
	DefaultMaxBackoff     = 10000 * time.Millisecond
)

// Backoff yields exponentially growing reconnect delays: initial, doubling,
// capped at max. Delays carry no jitter. It is not safe for concurrent use.
type Backoff struct {
	policy *backoff.ExponentialBackOff
}

// NewBackoff creates a backoff. Non-positive values select the defaults.
func NewBackoff(initial, maxDelay time.Duration) *Backoff {
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxBackoff
	}
	if maxDelay < initial {
		maxDelay = initial
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initial
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = maxDelay
	policy.Reset()

	return &Backoff{policy: policy}
}

// Next returns the delay before the next attempt and advances the sequence.
func (b *Backoff) Next() time.Duration {
	return b.policy.NextBackOff()
}

// Reset starts the sequence over, after a successful connection.
func (b *Backoff) Reset() {
	b.policy.Reset()
}
