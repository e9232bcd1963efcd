package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func TestTokenBucket_ConsumesAndRefills(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := NewTokenBucket(clock, 10, 5)

	if !b.Allow(10) {
		t.Fatalf("Allow(10) on full bucket = false, want true")
	}
	if b.Allow(1) {
		t.Fatalf("Allow(1) on empty bucket = true, want false")
	}

	clock.Advance(1 * time.Second)
	if !b.Allow(5) {
		t.Fatalf("Allow(5) after 1s refill at 5/s = false, want true")
	}
	if b.Allow(1) {
		t.Fatalf("Allow(1) right after draining refill = true, want false")
	}
}

func TestTokenBucket_ClampsToCapacity(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := NewTokenBucket(clock, 3, 100)

	clock.Advance(time.Hour)
	if !b.Allow(3) {
		t.Fatalf("Allow(3) after long idle = false, want true")
	}
	if b.Allow(1) {
		t.Fatalf("bucket exceeded capacity after long idle")
	}
}

func TestTokenBucket_FractionalRefillAccumulates(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := NewTokenBucket(clock, 10, 2) // one token per 500ms

	if !b.Allow(10) {
		t.Fatalf("drain failed")
	}
	for i := 0; i < 5; i++ {
		clock.Advance(100 * time.Millisecond)
	}
	if !b.Allow(1) {
		t.Fatalf("Allow(1) after 5x100ms at 2 tokens/s = false, want true")
	}
}

func TestTokenBucket_TimeGoingBackwards(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := NewTokenBucket(clock, 1, 1)

	if !b.Allow(1) {
		t.Fatalf("drain failed")
	}
	clock.now = clock.now.Add(-time.Minute)
	if b.Allow(1) {
		t.Fatalf("Allow(1) refilled despite clock going backwards")
	}
}

func TestTokenBucket_NonPositiveTokens(t *testing.T) {
	b := NewTokenBucket(nil, 0, 0)
	if !b.Allow(0) {
		t.Fatalf("Allow(0) = false, want true")
	}
	if b.Allow(1) {
		t.Fatalf("Allow(1) on zero-capacity bucket = true, want false")
	}
}
