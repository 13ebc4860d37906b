package ratelimit

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/talosprotocol/talos/model"
)

// SessionLimiter maintains one token bucket per key (session id, tenant id,
// or any string) in a bounded LRU table. Overflow evicts the
// least-recently-used bucket; an evicted key that returns starts with a
// fresh, full bucket.
type SessionLimiter struct {
	cfg         model.RateLimitConfig
	maxSessions int

	mu      sync.Mutex
	buckets *lru.Cache[string, *Bucket]

	allowed atomic.Uint64
	denied  atomic.Uint64
}

// LimiterStats exposes a limiter's configuration and cumulative counters.
type LimiterStats struct {
	ActiveSessions int                   `json:"active_sessions"`
	MaxSessions    int                   `json:"max_sessions"`
	Config         model.RateLimitConfig `json:"config"`
	Allowed        uint64                `json:"allowed"`
	Denied         uint64                `json:"denied"`
}

// NewSessionLimiter creates a limiter holding at most maxSessions buckets.
// maxSessions <= 0 falls back to the default of 10,000.
func NewSessionLimiter(cfg model.RateLimitConfig, maxSessions int) *SessionLimiter {
	if maxSessions <= 0 {
		maxSessions = model.DefaultMaxSessions
	}
	buckets, err := lru.New[string, *Bucket](maxSessions)
	if err != nil {
		// lru.New fails only for a non-positive size, which is ruled out
		// above.
		panic("ratelimit: " + err.Error())
	}
	return &SessionLimiter{cfg: cfg, maxSessions: maxSessions, buckets: buckets}
}

// Allow admits or denies one request for the given key.
func (sl *SessionLimiter) Allow(key string) bool {
	sl.mu.Lock()
	bucket, ok := sl.buckets.Get(key)
	if !ok {
		bucket = NewBucket(sl.cfg)
		sl.buckets.Add(key, bucket)
	}
	sl.mu.Unlock()

	if bucket.Allow() {
		sl.allowed.Add(1)
		return true
	}
	sl.denied.Add(1)
	return false
}

// Forget drops the bucket for a key, if present.
func (sl *SessionLimiter) Forget(key string) {
	sl.mu.Lock()
	sl.buckets.Remove(key)
	sl.mu.Unlock()
}

// Stats returns the active session count, configured limits, and cumulative
// allow/deny counters.
func (sl *SessionLimiter) Stats() LimiterStats {
	sl.mu.Lock()
	active := sl.buckets.Len()
	sl.mu.Unlock()
	return LimiterStats{
		ActiveSessions: active,
		MaxSessions:    sl.maxSessions,
		Config:         sl.cfg,
		Allowed:        sl.allowed.Load(),
		Denied:         sl.denied.Load(),
	}
}
