// Package ratelimit provides per-sender token buckets.
//
// Buckets hold up to Capacity tokens and refill continuously at
// RefillPerSecond; fractional tokens accumulate between checks. The
// collector checks buckets without blocking, agents use Wait to shape their
// own traffic under the collector's limit.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultCapacity        = 20
	DefaultRefillPerSecond = 10.0
)

// Bucket is a token bucket safe for concurrent use
type Bucket struct {
	limiter *rate.Limiter
	now     func() time.Time
}

// NewBucket creates a full bucket
func NewBucket(capacity int, refillPerSecond float64) *Bucket {
	return newBucket(capacity, refillPerSecond, time.Now)
}

func newBucket(capacity int, refillPerSecond float64, now func() time.Time) *Bucket {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if refillPerSecond <= 0 {
		refillPerSecond = DefaultRefillPerSecond
	}
	return &Bucket{
		limiter: rate.NewLimiter(rate.Limit(refillPerSecond), capacity),
		now:     now,
	}
}

// TryAcquire takes n tokens if they are available and reports whether it did
func (b *Bucket) TryAcquire(n int) bool {
	return b.TryAcquireAt(b.now(), n)
}

// TryAcquireAt is TryAcquire evaluated at time t. Refill is computed lazily
// from the elapsed time since the previous call. A request for zero or
// fewer tokens always succeeds and leaves the bucket untouched.
func (b *Bucket) TryAcquireAt(t time.Time, n int) bool {
	if n <= 0 {
		return true
	}
	return b.limiter.AllowN(t, n)
}

// Wait blocks until n tokens are available or ctx is done
func (b *Bucket) Wait(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if n > b.limiter.Burst() {
		return fmt.Errorf("requested %d tokens exceeds bucket capacity %d", n, b.limiter.Burst())
	}
	return b.limiter.WaitN(ctx, n)
}

// Tokens returns the number of tokens currently available
func (b *Bucket) Tokens() float64 {
	return b.TokensAt(b.now())
}

// TokensAt returns the number of tokens available at time t
func (b *Bucket) TokensAt(t time.Time) float64 {
	return b.limiter.TokensAt(t)
}

// Capacity returns the maximum number of tokens the bucket holds
func (b *Bucket) Capacity() int {
	return b.limiter.Burst()
}

// Registry owns one bucket per sender identity. Buckets are created on
// first use and outlive the sessions that use them, so reconnecting does
// not refill a sender's bucket.
type Registry struct {
	capacity        int
	refillPerSecond float64

	mu      sync.RWMutex
	buckets map[string]*Bucket

	// Now is the clock handed to buckets created after it is set
	Now func() time.Time
}

// NewRegistry creates a registry whose buckets use the given parameters
func NewRegistry(capacity int, refillPerSecond float64) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if refillPerSecond <= 0 {
		refillPerSecond = DefaultRefillPerSecond
	}
	return &Registry{
		capacity:        capacity,
		refillPerSecond: refillPerSecond,
		buckets:         make(map[string]*Bucket),
		Now:             time.Now,
	}
}

// For returns the bucket for sender, creating a full one if needed
func (r *Registry) For(sender string) *Bucket {
	r.mu.RLock()
	b, ok := r.buckets[sender]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buckets[sender]; ok {
		return b
	}
	b = newBucket(r.capacity, r.refillPerSecond, r.Now)
	r.buckets[sender] = b
	return b
}

// Allow takes one token from sender's bucket
func (r *Registry) Allow(sender string) bool {
	return r.For(sender).TryAcquire(1)
}

// Len returns the number of buckets held
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buckets)
}
