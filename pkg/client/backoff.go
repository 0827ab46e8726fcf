package client

import (
	"math/rand"
	"time"
)

// Backoff computes the exponential reconnect delay the session
// supervisor waits between connection attempts: a 1s initial delay,
// ×2 multiplier, and 60s cap.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64 // fraction of the delay to randomize, e.g. 0.2 for ±20%

	current time.Duration
}

// DefaultBackoff returns the 1s/×2/60s-cap/no-jitter configuration
// used by default.
func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Max: 60 * time.Second, Multiplier: 2}
}

// Next returns the next delay and advances the internal state,
// producing the sequence 1, 2, 4, 8, 16, 32, 60, 60, ... for the
// default configuration.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Initial
	} else {
		next := time.Duration(float64(b.current) * b.Multiplier)
		if next > b.Max {
			next = b.Max
		}
		b.current = next
	}

	d := b.current
	if b.Jitter > 0 {
		delta := float64(d) * b.Jitter
		d = time.Duration(float64(d) + (rand.Float64()*2-1)*delta) //nolint:gosec // non-cryptographic jitter
		if d < 0 {
			d = 0
		}
	}
	return d
}

// Reset returns the backoff to its initial state, used after a
// successful connection so the next disconnect starts the sequence
// over from Initial rather than continuing from whatever delay the
// previous reconnect storm reached.
func (b *Backoff) Reset() {
	b.current = 0
}
