package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of a non-blocking acquire.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration

	reservation *rate.Reservation
	at          time.Time
	once        *sync.Once
}

// Release hands the token back. Callers use it when the outbound call was
// cancelled before it was sent. It is a no-op on denied decisions and safe to
// call more than once.
func (d Decision) Release() {
	if !d.Allowed || d.reservation == nil {
		return
	}
	d.once.Do(func() {
		// Cancelling at the acquire instant is the only way x/time/rate
		// restores a token whose reservation has already matured.
		d.reservation.CancelAt(d.at)
	})
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per key. Keys are source names for outbound
// calls and client IPs for inbound traffic. It never queues: a call either
// gets a token now or is told how long to wait.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	defaultPerMinute int
	defaultBurst     int
	now              func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithDefault makes unknown keys get their own bucket with the given quota
// instead of being allowed unconditionally.
func WithDefault(perMinute, burst int) Option {
	return func(l *Limiter) {
		l.defaultPerMinute = perMinute
		l.defaultBurst = burst
	}
}

// New creates an empty limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Configure sets the quota for key. The bucket starts full.
func (l *Limiter) Configure(key string, perMinute, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[key] = &bucket{
		limiter:  newRateLimiter(perMinute, burst),
		lastSeen: l.now(),
	}
}

func newRateLimiter(perMinute, burst int) *rate.Limiter {
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)
}

// TryAcquire takes one token for key without blocking.
func (l *Limiter) TryAcquire(key string) Decision {
	now := l.now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		if l.defaultPerMinute <= 0 {
			l.mu.Unlock()
			return Decision{Allowed: true}
		}
		b = &bucket{limiter: newRateLimiter(l.defaultPerMinute, l.defaultBurst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	limiter := b.limiter
	l.mu.Unlock()

	r := limiter.ReserveN(now, 1)
	if !r.OK() {
		return Decision{Allowed: false, RetryAfter: time.Minute}
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{Allowed: false, RetryAfter: delay}
	}
	return Decision{Allowed: true, reservation: r, at: now, once: &sync.Once{}}
}

// Sweep drops buckets not used for longer than idle and returns how many were
// removed. Configured source buckets are swept too, so callers sweeping an
// outbound limiter should pass a generous idle window.
func (l *Limiter) Sweep(idle time.Duration) int {
	cutoff := l.now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
