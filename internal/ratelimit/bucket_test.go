package ratelimit

import (
	"testing"
	"time"

	"github.com/talosprotocol/talos/model"
)

// fakeClock lets tests advance time without sleeping.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBucket(cfg model.RateLimitConfig) (*Bucket, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBucket(cfg)
	b.now = clock.now
	b.last = clock.t
	return b, clock
}

func TestBucketBurst(t *testing.T) {
	b, _ := newTestBucket(model.RateLimitConfig{BurstSize: 5, RequestsPerSecond: 0.5})

	allowed := 0
	for i := 0; i < 10; i++ {
		if b.Allow() {
			allowed++
		}
	}
	if allowed != 5 {
		t.Errorf("10 immediate requests: %d allowed, want 5", allowed)
	}
}

func TestBucketRefill(t *testing.T) {
	b, clock := newTestBucket(model.RateLimitConfig{BurstSize: 5, RequestsPerSecond: 0.5})

	for i := 0; i < 5; i++ {
		b.Allow()
	}
	if b.Allow() {
		t.Fatal("drained bucket should deny")
	}

	// 2 seconds at 0.5 rps refills exactly one token.
	clock.advance(2 * time.Second)
	if !b.Allow() {
		t.Error("bucket should admit one request after refill")
	}
	if b.Allow() {
		t.Error("only one token should have been refilled")
	}
}

func TestBucketRefillCapped(t *testing.T) {
	b, clock := newTestBucket(model.RateLimitConfig{BurstSize: 3, RequestsPerSecond: 100})

	for i := 0; i < 3; i++ {
		b.Allow()
	}
	// A long idle period must not accumulate beyond the burst size.
	clock.advance(time.Hour)

	allowed := 0
	for i := 0; i < 10; i++ {
		if b.Allow() {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("after long idle: %d allowed, want burst size 3", allowed)
	}
}

func TestBucketDefaults(t *testing.T) {
	b := NewBucket(model.RateLimitConfig{})
	allowed := 0
	for i := 0; i < model.DefaultBurstSize+5; i++ {
		if b.Allow() {
			allowed++
		}
	}
	if allowed != model.DefaultBurstSize {
		t.Errorf("default bucket allowed %d, want %d", allowed, model.DefaultBurstSize)
	}
}

func TestSessionLimiterIndependentKeys(t *testing.T) {
	sl := NewSessionLimiter(model.RateLimitConfig{BurstSize: 3, RequestsPerSecond: 1}, 100)

	aAllowed, bAllowed := 0, 0
	for i := 0; i < 5; i++ {
		if sl.Allow("session-a") {
			aAllowed++
		}
		if sl.Allow("session-b") {
			bAllowed++
		}
	}
	if aAllowed != 3 || bAllowed != 3 {
		t.Errorf("sessions should have independent buckets: a=%d b=%d, want 3 each", aAllowed, bAllowed)
	}

	stats := sl.Stats()
	if stats.ActiveSessions != 2 {
		t.Errorf("ActiveSessions = %d, want 2", stats.ActiveSessions)
	}
	if stats.Allowed != 6 || stats.Denied != 4 {
		t.Errorf("counters = %d/%d, want 6 allowed / 4 denied", stats.Allowed, stats.Denied)
	}
}

func TestSessionLimiterEviction(t *testing.T) {
	sl := NewSessionLimiter(model.RateLimitConfig{BurstSize: 1, RequestsPerSecond: 0.001}, 4)

	keys := []string{"k1", "k2", "k3", "k4", "k5", "k6"}
	for _, k := range keys {
		sl.Allow(k)
	}
	if got := sl.Stats().ActiveSessions; got != 4 {
		t.Errorf("ActiveSessions = %d, want 4 after eviction", got)
	}

	// k1 was evicted; it returns with a fresh bucket and is admitted again.
	if !sl.Allow("k1") {
		t.Error("evicted key should restart with a full bucket")
	}
}

func TestSessionLimiterForget(t *testing.T) {
	sl := NewSessionLimiter(model.RateLimitConfig{BurstSize: 1, RequestsPerSecond: 0.001}, 10)

	if !sl.Allow("s") {
		t.Fatal("first request should pass")
	}
	if sl.Allow("s") {
		t.Fatal("second request should be denied")
	}
	sl.Forget("s")
	if !sl.Allow("s") {
		t.Error("forgotten key should restart with a full bucket")
	}
}
