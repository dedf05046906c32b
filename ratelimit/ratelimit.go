// Package ratelimit implements a sliding-window request counter.
//
// Each key keeps the timestamps of its hits inside [now-window, now], oldest
// first; expired timestamps are trimmed from the front on every call. The set
// of tracked keys is bounded by an LRU so an attacker rotating keys cannot
// grow memory without limit.
package ratelimit

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxKeys bounds the number of tracked keys.
const DefaultMaxKeys = 100_000

// Limiter is a sliding-window rate limiter. Safe for concurrent use.
type Limiter struct {
	maxRequests int
	window      time.Duration
	now         func() time.Time

	mu    sync.Mutex
	cache *lru.Cache[string, []time.Time]
}

// Option configures a Limiter.
type Option func(*options)

type options struct {
	maxKeys int
	now     func() time.Time
}

// WithMaxKeys sets the number of keys tracked before the least recently used
// key is forgotten.
func WithMaxKeys(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxKeys = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// New creates a limiter that admits maxRequests hits per key per window.
func New(maxRequests int, window time.Duration, opts ...Option) *Limiter {
	o := options{maxKeys: DefaultMaxKeys, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	// lru.New only fails for a non-positive size, which WithMaxKeys rules out.
	cache, _ := lru.New[string, []time.Time](o.maxKeys)
	return &Limiter{
		maxRequests: maxRequests,
		window:      window,
		now:         o.now,
		cache:       cache,
	}
}

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Allow records a hit for key if it fits in the default limit.
func (l *Limiter) Allow(key string) bool {
	return l.AllowN(key, l.maxRequests)
}

// AllowN records a hit for key if fewer than limit hits are in the window.
// A rejected call is not recorded.
func (l *Limiter) AllowN(key string, limit int) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	hits := l.trim(key, now)
	if len(hits) >= limit {
		l.cache.Add(key, hits)
		return false
	}
	l.cache.Add(key, append(hits, now))
	return true
}

// Record unconditionally records a hit and returns the number of hits now in
// the window, including this one.
func (l *Limiter) Record(key string) int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	hits := append(l.trim(key, now), now)
	l.cache.Add(key, hits)
	return len(hits)
}

// Count returns the number of hits currently in the window.
func (l *Limiter) Count(key string) int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	hits := l.trim(key, now)
	if len(hits) == 0 {
		l.cache.Remove(key)
	} else {
		l.cache.Add(key, hits)
	}
	return len(hits)
}

// Remaining returns how many more hits the default limit admits right now.
func (l *Limiter) Remaining(key string) int {
	return max(l.maxRequests-l.Count(key), 0)
}

// RetryAt returns when the oldest hit in key's window expires. The zero time
// means the key has no hits.
func (l *Limiter) RetryAt(key string) time.Time {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	hits := l.trim(key, now)
	if len(hits) == 0 {
		return time.Time{}
	}
	return hits[0].Add(l.window)
}

// Reset forgets all hits for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache.Remove(key)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	return l.cache.Len()
}

// trim drops hits at or before now-window. Caller holds l.mu.
func (l *Limiter) trim(key string, now time.Time) []time.Time {
	hits, ok := l.cache.Peek(key)
	if !ok {
		return nil
	}
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	// copy so the backing array does not pin expired timestamps forever
	return append([]time.Time(nil), hits[i:]...)
}
