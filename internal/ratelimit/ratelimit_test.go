package ratelimit

import (
	"errors"
	"testing"
	"time"
)

// fixedClock lets tests advance time explicitly.
type fixedClock struct {
	t time.Time
}

func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *fixedClock) {
	clock := &fixedClock{t: time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)}
	l := NewLimiter(cfg)
	l.now = func() time.Time { return clock.t }
	return l, clock
}

func TestAllowConsumesBurst(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("key-a"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if err := l.Allow("key-a"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("fourth request = %v, want ErrRateLimited", err)
	}
}

func TestAllowRefillsOverTime(t *testing.T) {
	// 60 req/min = one token per second.
	l, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("key-a"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if err := l.Allow("key-a"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("immediate retry = %v, want ErrRateLimited", err)
	}

	clock.advance(time.Second)
	if err := l.Allow("key-a"); err != nil {
		t.Errorf("request after refill: %v", err)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("key-a"); err != nil {
		t.Fatalf("key-a: %v", err)
	}
	if err := l.Allow("key-b"); err != nil {
		t.Errorf("key-b should have its own bucket: %v", err)
	}
}

func TestRefillCapsAtBurst(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 2})

	if err := l.Allow("key-a"); err != nil {
		t.Fatal(err)
	}
	// A long idle period must not accumulate beyond the burst.
	clock.advance(time.Hour)
	if got := l.Tokens("key-a"); got != 2 {
		t.Errorf("Tokens = %v, want 2 (capped at burst)", got)
	}
}

func TestUnlimitedWhenRateZero(t *testing.T) {
	l, _ := newTestLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow("key-a"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
}

func TestTokensForUnseenKey(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 30, BurstSize: 5})
	if got := l.Tokens("never-seen"); got != 5 {
		t.Errorf("Tokens = %v, want full bucket", got)
	}
}
