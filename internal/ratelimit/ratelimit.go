// Package ratelimit throttles connection handshakes globally and per remote
// address.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter combines one global token bucket with a bucket per key. A zero rate
// disables the corresponding limit.
type Limiter struct {
	mu      sync.Mutex
	global  *rate.Limiter
	perKey  map[string]*bucket
	keyRate rate.Limit
	burst   int
	now     func() time.Time
}

// New creates a limiter allowing globalPerSec handshakes overall and
// perKeyPerSec per key, each with the given burst.
func New(globalPerSec, perKeyPerSec float64, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	l := &Limiter{
		perKey:  make(map[string]*bucket),
		keyRate: rate.Limit(perKeyPerSec),
		burst:   burst,
		now:     time.Now,
	}
	if globalPerSec > 0 {
		l.global = rate.NewLimiter(rate.Limit(globalPerSec), burst)
	}
	return l
}

// Allow reports whether a handshake from key may proceed, consuming a token
// from both buckets when it does.
func (l *Limiter) Allow(key string) bool {
	now := l.now()
	if l.global != nil && !l.global.AllowN(now, 1) {
		return false
	}
	if l.keyRate <= 0 {
		return true
	}
	l.mu.Lock()
	b, ok := l.perKey[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.keyRate, l.burst)}
		l.perKey[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

// CleanupIdle drops per-key buckets unused for maxIdle and returns how many
// were removed.
func (l *Limiter) CleanupIdle(maxIdle time.Duration) int {
	cutoff := l.now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, b := range l.perKey {
		if b.lastSeen.Before(cutoff) {
			delete(l.perKey, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perKey)
}
