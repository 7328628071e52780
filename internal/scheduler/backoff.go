package scheduler

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig holds the configuration for exponential retry backoff.
type BackoffConfig struct {
	Initial    time.Duration // first retry delay (default: 2ms)
	Max        time.Duration // delay cap (default: 100ms)
	Multiplier float64       // growth per attempt (default: 2)
	JitterPct  float64       // jitter as a fraction of the delay (default: 0.2 = ±10%)
}

// DefaultBackoffConfig returns defaults sized for frame-rate retries.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    2 * time.Millisecond,
		Max:        100 * time.Millisecond,
		Multiplier: 2,
		JitterPct:  0.2,
	}
}

// Backoff calculates exponential backoff delays with jitter. Each stage
// gets its own instance seeded from its registration id so retries of
// different stages do not line up.
//
// Not thread-safe; the scheduler guards it with the entry lock.
type Backoff struct {
	config   BackoffConfig
	attempts int
	rng      *rand.Rand
}

// NewBackoff creates a Backoff seeded from id and seed.
func NewBackoff(id int, seed int64, cfg BackoffConfig) *Backoff {
	return &Backoff{
		config: cfg,
		rng:    rand.New(rand.NewSource(int64(id) ^ seed)),
	}
}

// Next returns the next delay and increments the attempt counter.
func (b *Backoff) Next() time.Duration {
	delay := b.Calculate()
	b.attempts++
	return delay
}

// Calculate returns the current delay without incrementing attempts.
func (b *Backoff) Calculate() time.Duration {
	delay := float64(b.config.Initial) * math.Pow(b.config.Multiplier, float64(b.attempts))
	if delay > float64(b.config.Max) {
		delay = float64(b.config.Max)
	}

	// ±(JitterPct/2) of the delay
	if b.config.JitterPct > 0 {
		jitterRange := delay * b.config.JitterPct
		delay += jitterRange*b.rng.Float64() - jitterRange/2
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Reset resets the attempt counter to zero.
func (b *Backoff) Reset() {
	b.attempts = 0
}

// Attempts returns the current attempt count.
func (b *Backoff) Attempts() int {
	return b.attempts
}
