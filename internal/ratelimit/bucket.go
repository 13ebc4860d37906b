// Package ratelimit implements token-bucket admission control, per key,
// with a bounded table of per-session buckets.
package ratelimit

import (
	"sync"
	"time"

	"github.com/talosprotocol/talos/model"
)

// Bucket is a token bucket: capacity BurstSize, refilled at
// RequestsPerSecond. It is safe for concurrent use; updates to a bucket are
// atomic under its mutex. Elapsed time comes from the monotonic reading in
// time.Time, so wall-clock jumps do not mint or destroy tokens.
type Bucket struct {
	mu     sync.Mutex
	cfg    model.RateLimitConfig
	tokens float64
	last   time.Time

	// now is replaceable in tests.
	now func() time.Time
}

// NewBucket creates a full bucket with the given configuration. Zero or
// negative fields fall back to the defaults.
func NewBucket(cfg model.RateLimitConfig) *Bucket {
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = model.DefaultBurstSize
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = model.DefaultRequestsPerSec
	}
	b := &Bucket{cfg: cfg, tokens: float64(cfg.BurstSize), now: time.Now}
	b.last = b.now()
	return b
}

// Allow consumes one token if available and reports whether the request is
// admitted.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.cfg.RequestsPerSecond
		if max := float64(b.cfg.BurstSize); b.tokens > max {
			b.tokens = max
		}
		b.last = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Tokens returns the current token count, refilled to the present instant.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.cfg.RequestsPerSecond
		if max := float64(b.cfg.BurstSize); b.tokens > max {
			b.tokens = max
		}
		b.last = now
	}
	return b.tokens
}
