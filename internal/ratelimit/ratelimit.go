// Package ratelimit bounds outbound request rates with a sliding time window
// supporting weighted acquisitions.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Limiter grants weighted requests within a trailing interval. It is safe for
// concurrent use by callers sharing one instance.
type Limiter struct {
	capacity int
	interval time.Duration

	mu     sync.Mutex
	events []time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a limiter granting at most capacity weight units within any
// trailing interval.
func New(capacity int, interval time.Duration) (*Limiter, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ratelimit: capacity must be positive")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("ratelimit: interval must be positive")
	}
	return &Limiter{
		capacity: capacity,
		interval: interval,
		now:      time.Now,
		sleep:    sleepContext,
	}, nil
}

// Acquire blocks until weight more units fit within the trailing interval or
// the context is cancelled.
func (l *Limiter) Acquire(ctx context.Context, weight int) error {
	if weight <= 0 {
		return fmt.Errorf("ratelimit: weight must be positive")
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.mu.Lock()
		if weight > l.capacity {
			l.mu.Unlock()
			return fmt.Errorf("ratelimit: weight %d exceeds capacity %d", weight, l.capacity)
		}
		now := l.now()
		l.trim(now)
		if len(l.events)+weight <= l.capacity {
			for i := 0; i < weight; i++ {
				l.events = append(l.events, now)
			}
			l.mu.Unlock()
			return nil
		}
		wait := l.interval - now.Sub(l.events[0])
		l.mu.Unlock()

		if wait < 0 {
			wait = 0
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// SetCapacity replaces the window capacity, used when the exchange advertises
// its own request weight limit.
func (l *Limiter) SetCapacity(capacity int) error {
	if capacity <= 0 {
		return fmt.Errorf("ratelimit: capacity must be positive")
	}
	l.mu.Lock()
	l.capacity = capacity
	l.mu.Unlock()
	return nil
}

// Capacity returns the current window capacity.
func (l *Limiter) Capacity() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capacity
}

// trim discards events older than the trailing interval. Caller holds the lock.
func (l *Limiter) trim(now time.Time) {
	idx := 0
	for idx < len(l.events) && now.Sub(l.events[idx]) >= l.interval {
		idx++
	}
	if idx > 0 {
		l.events = append(l.events[:0], l.events[idx:]...)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
