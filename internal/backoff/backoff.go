// Package backoff provides a capped exponential retry-delay generator.
package backoff

import (
	"fmt"
	"math"
	"time"
)

// Backoff produces increasing delays between repeated failures. Each
// failure-handling loop owns an independent instance; attempt state is never
// shared across loops.
type Backoff struct {
	initial  time.Duration
	factor   float64
	max      time.Duration
	attempts int
}

// New creates a backoff generator starting at initial and multiplying by
// factor per attempt, capped at max.
func New(initial time.Duration, factor float64, max time.Duration) (*Backoff, error) {
	if initial <= 0 {
		return nil, fmt.Errorf("backoff: initial delay must be positive")
	}
	if factor < 1 {
		return nil, fmt.Errorf("backoff: factor must be >= 1")
	}
	if max < initial {
		return nil, fmt.Errorf("backoff: max delay must be >= initial")
	}
	return &Backoff{initial: initial, factor: factor, max: max}, nil
}

// NextDelay returns the delay for the current attempt and advances the
// attempt counter.
func (b *Backoff) NextDelay() time.Duration {
	delay := time.Duration(float64(b.initial) * math.Pow(b.factor, float64(b.attempts)))
	if delay > b.max || delay <= 0 {
		delay = b.max
	}
	b.attempts++
	return delay
}

// Reset zeroes the attempt counter so the next delay starts at initial.
func (b *Backoff) Reset() {
	b.attempts = 0
}
