// Copyright 2025 Mateo Piedra
// SPDX-License-Identifier: Apache-2.0

package infra

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Backoff produces jittered exponential delays for retry loops.
// Safe for concurrent use.
type Backoff struct {
	mu       sync.Mutex
	base     time.Duration
	max      time.Duration
	factor   float64
	attempts int
}

// NewBackoff returns a Backoff that starts at base and multiplies by
// factor on each attempt, capped at max.
func NewBackoff(base, max time.Duration, factor float64) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if factor < 1 {
		factor = 2
	}
	return &Backoff{base: base, max: max, factor: factor}
}

// Next returns the delay to wait before the next attempt and advances
// the attempt counter. A uniform jitter in [-20%, +20%] is applied so
// that restarting clients do not retry in lockstep.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := float64(b.base)
	for i := 0; i < b.attempts; i++ {
		d *= b.factor
		if time.Duration(d) >= b.max {
			d = float64(b.max)
			break
		}
	}
	b.attempts++

	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	out := time.Duration(d * jitter)
	if out > b.max {
		out = b.max
	}
	if out < 0 {
		out = 0
	}
	return out
}

// Reset clears the attempt counter after a success.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempts = 0
	b.mu.Unlock()
}

// Attempts returns how many times Next has been called since the last
// Reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// SleepContext waits for d or until ctx is done, whichever comes
// first. Returns ctx.Err() when the wait was interrupted.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
