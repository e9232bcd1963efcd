package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a deterministic token bucket refilling at an integer rate
// (tokens/sec) using a provided Clock.
//
// Fractional refill is tracked in nanosecond remainders so repeated small
// elapsed intervals do not lose tokens to rounding.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacity int64 // tokens
	fillRate int64 // tokens/sec

	available int64 // tokens
	remainder int64 // nanoseconds not yet converted into tokens
	last      time.Time
}

func NewTokenBucket(clock Clock, capacity, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if fillRate < 0 {
		fillRate = 0
	}
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		fillRate:  fillRate,
		available: capacity,
		last:      clock.Now(),
	}
}

// Allow consumes tokens if available. tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.available < tokens {
		return false
	}
	b.available -= tokens
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards. Move the reference point without refilling.
		b.last = now
		return
	}

	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now
	if elapsed <= 0 || b.fillRate <= 0 || b.capacity <= 0 {
		return
	}

	// Cap elapsed at the time needed to fill the bucket from empty; anything
	// beyond that clamps to capacity and avoids overflow in elapsed*fillRate.
	const nsPerSecond = int64(time.Second)
	maxElapsed := (b.capacity + 1) * nsPerSecond / b.fillRate
	if elapsed >= maxElapsed {
		b.available = b.capacity
		b.remainder = 0
		return
	}

	total := elapsed*b.fillRate + b.remainder
	b.available += total / nsPerSecond
	b.remainder = total % nsPerSecond
	if b.available >= b.capacity {
		b.available = b.capacity
		b.remainder = 0
	}
}
