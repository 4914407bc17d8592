// Package ratelimit implements the HTTP ingress rate limit from spec.md §9:
// per-IP token buckets (200/min steady + 20/sec burst), backed by a bounded
// LRU so a flood of distinct source IPs cannot grow the limiter state
// without bound (spec.md §9 Open Questions: "bounded LRU keyed by IP").
//
// Grounded on marianogappa-crypto-candles's candles/cache package (teacher
// of this concern: `lru.New(size)` wrapping a fixed-capacity eviction
// cache), generalized from "cache candlesticks per metric" to "cache a
// token-bucket state per source IP".
package ratelimit

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// MaxTrackedIPs bounds the limiter's memory footprint — evicting the
// least-recently-seen IP's bucket state once the cache is full, per spec.md
// §9's resolution of the "unbounded per-IP map" Open Question.
const MaxTrackedIPs = 100_000

// SteadyCapacity and BurstCapacity size the two dimensions of spec.md
// §9's HTTP ingress limit: "200/min steady + 20/sec burst".
const (
	SteadyCapacity = 200
	BurstCapacity  = 20
)

// bucket is a single token bucket: capacity, refill rate per second, current
// tokens, and the last refill time.
type bucket struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64 // tokens per second
	tokens     float64
	last       time.Time
}

func newBucket(capacity, refillRate float64, now time.Time) *bucket {
	return &bucket{capacity: capacity, refillRate: refillRate, tokens: capacity, last: now}
}

// refill advances the bucket's tokens to `now`; caller must hold b.mu.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
}

// perIPState holds both bucket dimensions for one source IP; a request is
// admitted only if both have a token available.
type perIPState struct {
	steady *bucket
	burst  *bucket
}

// Limiter enforces the per-IP HTTP ingress rate limit.
type Limiter struct {
	cache *lru.Cache
	mu    sync.Mutex
	now   func() time.Time
}

// New creates a Limiter bounded to MaxTrackedIPs distinct source IPs.
func New() *Limiter {
	cache, _ := lru.New(MaxTrackedIPs)
	return &Limiter{cache: cache, now: time.Now}
}

// Allow reports whether a request from ip should be admitted, consuming one
// token from each bucket dimension if so.
func (l *Limiter) Allow(ip string) bool {
	now := l.now()

	l.mu.Lock()
	var state *perIPState
	if v, ok := l.cache.Get(ip); ok {
		state = v.(*perIPState)
	} else {
		state = &perIPState{
			steady: newBucket(SteadyCapacity, SteadyCapacity/60.0, now),
			burst:  newBucket(BurstCapacity, BurstCapacity, now),
		}
		l.cache.Add(ip, state)
	}
	l.mu.Unlock()

	// Both dimensions must have a token available; refill-then-check both
	// before consuming either, so a request refused by one dimension never
	// costs a token from the other.
	state.burst.mu.Lock()
	state.steady.mu.Lock()
	state.burst.refill(now)
	state.steady.refill(now)
	admit := state.burst.tokens >= 1 && state.steady.tokens >= 1
	if admit {
		state.burst.tokens--
		state.steady.tokens--
	}
	state.steady.mu.Unlock()
	state.burst.mu.Unlock()
	return admit
}

// TrackedIPs reports how many distinct IPs currently have bucket state,
// used by the status endpoint.
func (l *Limiter) TrackedIPs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cache.Len()
}
