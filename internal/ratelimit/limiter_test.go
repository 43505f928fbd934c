package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestAcquireBurst(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(60, 3, clock)

	for i := 0; i < 3; i++ {
		if wait := l.Acquire(); wait != 0 {
			t.Errorf("acquire %d: wait = %v, want 0", i, wait)
		}
	}
	if wait := l.Acquire(); wait <= 0 {
		t.Error("expected positive wait after burst exhausted")
	}
}

func TestAcquireUnlimited(t *testing.T) {
	l := NewLimiter(0, 1, newFakeClock())
	for i := 0; i < 100; i++ {
		if wait := l.Acquire(); wait != 0 {
			t.Fatalf("unlimited limiter returned wait %v", wait)
		}
	}
}

func TestAcquireRefill(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(60, 1, clock) // one token per second

	if wait := l.Acquire(); wait != 0 {
		t.Fatalf("first acquire waited %v", wait)
	}
	if wait := l.Acquire(); wait != time.Second {
		t.Errorf("second acquire waited %v, want 1s", wait)
	}

	// A long idle period refills at most one burst worth of tokens.
	clock.Advance(time.Hour)
	if wait := l.Acquire(); wait != 0 {
		t.Errorf("acquire after idle waited %v", wait)
	}
	if wait := l.Acquire(); wait != time.Second {
		t.Errorf("burst did not stay capped, wait = %v", wait)
	}
}

// With a cap of 8 per minute and burst 1, no rolling 60 second window may
// admit more than 8 sends.
func TestRollingWindow(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(8, 1, clock)

	var admitted []time.Time
	for i := 0; i < 30; i++ {
		wait := l.Acquire()
		clock.Advance(wait)
		admitted = append(admitted, clock.Now())
	}

	for i := range admitted {
		count := 0
		windowEnd := admitted[i].Add(60 * time.Second)
		for _, at := range admitted {
			if !at.Before(admitted[i]) && at.Before(windowEnd) {
				count++
			}
		}
		if count > 8 {
			t.Fatalf("window starting at %v admitted %d sends, want <= 8",
				admitted[i], count)
		}
	}
}

func TestGatePerDomain(t *testing.T) {
	clock := newFakeClock()
	g := NewGate(Config{
		PerMinute:       600,
		Burst:           100,
		DomainPerMinute: 60,
		DomainBurst:     1,
	}, clock)

	if wait := g.AcquireFor("example.com"); wait != 0 {
		t.Fatalf("first acquire waited %v", wait)
	}
	if wait := g.AcquireFor("example.com"); wait <= 0 {
		t.Error("same domain should be throttled")
	}
	if wait := g.AcquireFor("other.org"); wait != 0 {
		t.Errorf("different domain waited %v, want 0", wait)
	}
}

func TestGateWaitCancelled(t *testing.T) {
	g := NewGate(Config{PerMinute: 1, Burst: 1}, nil)
	g.AcquireFor("example.com") // drain the burst

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := g.Wait(ctx, "example.com"); err != context.Canceled {
		t.Errorf("Wait returned %v, want context.Canceled", err)
	}
}
