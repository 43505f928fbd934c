package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the real wall clock.
var SystemClock Clock = systemClock{}

// Config contains rate limit settings.
type Config struct {
	// PerMinute is the sustained send rate. Zero disables limiting.
	PerMinute int `yaml:"per_minute"`

	// Burst is the bucket capacity. With Burst 1 the limiter admits at
	// most PerMinute sends in any rolling 60 second window.
	Burst int `yaml:"burst"`

	// DomainPerMinute adds a second bucket per recipient domain. Zero
	// disables per-domain limiting.
	DomainPerMinute int `yaml:"domain_per_minute"`
	DomainBurst     int `yaml:"domain_burst"`
}

// Limiter is a token bucket with reservation semantics. Acquire never
// denies; it reserves the next send slot and returns how long the caller
// must wait before using it. Slots are handed out in call order, so a
// single dispatch loop drains the queue at exactly the configured rate.
type Limiter struct {
	mu     sync.Mutex
	rate   float64 // tokens per second
	burst  float64
	tokens float64
	last   time.Time
	clock  Clock
}

// NewLimiter creates a limiter admitting perMinute sends sustained, with
// the given burst capacity. perMinute <= 0 means unlimited; burst < 1 is
// clamped to 1.
func NewLimiter(perMinute, burst int, clock Clock) *Limiter {
	if clock == nil {
		clock = SystemClock
	}
	if burst < 1 {
		burst = 1
	}
	l := &Limiter{
		clock: clock,
		burst: float64(burst),
		last:  clock.Now(),
	}
	if perMinute > 0 {
		l.rate = float64(perMinute) / 60.0
	}
	l.tokens = l.burst
	return l
}

// Acquire reserves one send slot and returns the wait before it may be
// used. Zero means send now.
func (l *Limiter) Acquire() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rate <= 0 {
		return 0
	}

	now := l.clock.Now()
	elapsed := now.Sub(l.last).Seconds()
	l.last = now

	l.tokens += elapsed * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}

	l.tokens--
	if l.tokens >= 0 {
		return 0
	}
	return time.Duration(-l.tokens / l.rate * float64(time.Second))
}

// Gate combines the global limiter with optional per-recipient-domain
// buckets. The engine waits for the larger of the two reservations.
type Gate struct {
	global  *Limiter
	cfg     Config
	clock   Clock
	mu      sync.Mutex
	domains map[string]*Limiter
}

// NewGate creates a gate from config. clock may be nil for the wall clock.
func NewGate(cfg Config, clock Clock) *Gate {
	if clock == nil {
		clock = SystemClock
	}
	return &Gate{
		global:  NewLimiter(cfg.PerMinute, cfg.Burst, clock),
		cfg:     cfg,
		clock:   clock,
		domains: make(map[string]*Limiter),
	}
}

// AcquireFor reserves a send slot for the given recipient domain and
// returns the wait before it may be used.
func (g *Gate) AcquireFor(domain string) time.Duration {
	wait := g.global.Acquire()

	if g.cfg.DomainPerMinute > 0 && domain != "" {
		if dw := g.domainLimiter(domain).Acquire(); dw > wait {
			wait = dw
		}
	}
	return wait
}

// Wait reserves a slot for domain and sleeps until it is usable, or until
// ctx is cancelled.
func (g *Gate) Wait(ctx context.Context, domain string) error {
	wait := g.AcquireFor(domain)
	if wait <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (g *Gate) domainLimiter(domain string) *Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.domains[domain]
	if !ok {
		l = NewLimiter(g.cfg.DomainPerMinute, g.cfg.DomainBurst, g.clock)
		g.domains[domain] = l
	}
	return l
}
