// Package ratelimit provides per-key token bucket rate limiting for
// outbound provider calls. Each bucket refills continuously at a
// configured rate, and goroutines that arrive while the bucket is
// empty wait in strict FIFO order.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"prospector/internal/logging"
)

var (
	// ErrTimedOut is returned when a waiter exceeds the bucket's
	// configured maximum wait without obtaining a token.
	ErrTimedOut = errors.New("rate limit wait timed out")

	// ErrStopped is returned to pending waiters when the limiter is
	// shut down.
	ErrStopped = errors.New("rate limiter stopped")
)

// BucketSpec describes one token bucket.
type BucketSpec struct {
	// Capacity is the burst size. The bucket starts full.
	Capacity int

	// RefillPerSecond is the sustained token refill rate. Zero means
	// the bucket never refills; waiters drain the initial burst and
	// then time out.
	RefillPerSecond float64

	// MaxWait bounds how long Acquire blocks before returning
	// ErrTimedOut. Zero means wait until the context is done.
	MaxWait time.Duration
}

// Config holds the bucket table for a Limiter.
type Config struct {
	// Buckets maps bucket keys to their specs.
	Buckets map[string]BucketSpec

	// DefaultBucket is used for keys not present in Buckets.
	DefaultBucket BucketSpec
}

// DefaultConfig returns conservative limits suitable for the default
// provider set.
func DefaultConfig() Config {
	return Config{
		Buckets: map[string]BucketSpec{
			"maps.textsearch": {Capacity: 5, RefillPerSecond: 2, MaxWait: 30 * time.Second},
			"maps.details":    {Capacity: 10, RefillPerSecond: 5, MaxWait: 30 * time.Second},
			"llm.text":        {Capacity: 4, RefillPerSecond: 1, MaxWait: 60 * time.Second},
			"llm.vision":      {Capacity: 2, RefillPerSecond: 0.5, MaxWait: 60 * time.Second},
			"browser":         {Capacity: 2, RefillPerSecond: 1, MaxWait: 60 * time.Second},
		},
		DefaultBucket: BucketSpec{Capacity: 2, RefillPerSecond: 1, MaxWait: 30 * time.Second},
	}
}

// waiter represents one goroutine queued on a bucket. The ready
// channel is signalled when the waiter becomes the queue head.
type waiter struct {
	ready chan struct{}
}

// bucket is a single token bucket with a FIFO waiter queue.
type bucket struct {
	key    string
	spec   BucketSpec
	logger *logging.Logger

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	waiters    []*waiter
}

// Limiter manages a set of named token buckets.
type Limiter struct {
	cfg    Config
	logger *logging.Logger

	mu      sync.Mutex
	buckets map[string]*bucket

	stopCh   chan struct{}
	stopOnce sync.Once

	// Metrics counters.
	totalAcquired  int64
	totalTimeouts  int64
	totalCancelled int64
	totalWaitNs    int64
	waiting        int32
}

// New creates a Limiter from the given bucket table. Buckets are
// created lazily on first Acquire so unreferenced keys cost nothing.
func New(cfg Config) *Limiter {
	if cfg.DefaultBucket.Capacity <= 0 {
		cfg.DefaultBucket = BucketSpec{Capacity: 2, RefillPerSecond: 1, MaxWait: 30 * time.Second}
	}
	return &Limiter{
		cfg:     cfg,
		logger:  logging.Get(logging.CategoryRateLimit),
		buckets: make(map[string]*bucket),
		stopCh:  make(chan struct{}),
	}
}

// Acquire blocks until a token is available for key, the context is
// done, the bucket's MaxWait elapses, or the limiter is stopped.
// Waiters on the same key are admitted in arrival order.
func (l *Limiter) Acquire(ctx context.Context, key string) error {
	select {
	case <-l.stopCh:
		return ErrStopped
	default:
	}

	b := l.bucketFor(key)
	start := time.Now()

	// Fast path: token available and nobody queued ahead of us.
	b.mu.Lock()
	b.refillLocked(start)
	if len(b.waiters) == 0 && b.tokens >= 1 {
		b.tokens--
		b.mu.Unlock()
		atomic.AddInt64(&l.totalAcquired, 1)
		return nil
	}

	w := &waiter{ready: make(chan struct{}, 1)}
	b.waiters = append(b.waiters, w)
	isHead := len(b.waiters) == 1
	var delay time.Duration
	if isHead {
		delay = b.deficitLocked()
	} else {
		delay = time.Hour
	}
	queued := len(b.waiters)
	b.mu.Unlock()

	atomic.AddInt32(&l.waiting, 1)
	defer atomic.AddInt32(&l.waiting, -1)

	l.logger.Debug("bucket %s exhausted, queued at position %d", key, queued)

	// MaxWait deadline. A nil channel never fires, which disables the
	// deadline when MaxWait is zero.
	var deadlineC <-chan time.Time
	if b.spec.MaxWait > 0 {
		deadline := time.NewTimer(b.spec.MaxWait)
		defer deadline.Stop()
		deadlineC = deadline.C
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			b.mu.Lock()
			b.refillLocked(time.Now())
			if len(b.waiters) > 0 && b.waiters[0] == w && b.tokens >= 1 {
				b.tokens--
				b.popHeadLocked()
				b.mu.Unlock()
				waited := time.Since(start)
				atomic.AddInt64(&l.totalAcquired, 1)
				atomic.AddInt64(&l.totalWaitNs, int64(waited))
				l.logger.Debug("bucket %s admitted waiter after %v", key, waited.Round(time.Millisecond))
				return nil
			}
			next := b.deficitLocked()
			b.mu.Unlock()
			timer.Reset(next)

		case <-w.ready:
			// Promoted to queue head. Arm the timer for the remaining
			// token deficit and try again.
			b.mu.Lock()
			b.refillLocked(time.Now())
			if len(b.waiters) > 0 && b.waiters[0] == w && b.tokens >= 1 {
				b.tokens--
				b.popHeadLocked()
				b.mu.Unlock()
				waited := time.Since(start)
				atomic.AddInt64(&l.totalAcquired, 1)
				atomic.AddInt64(&l.totalWaitNs, int64(waited))
				return nil
			}
			next := b.deficitLocked()
			b.mu.Unlock()
			timer.Reset(next)

		case <-ctx.Done():
			b.removeWaiter(w)
			atomic.AddInt64(&l.totalCancelled, 1)
			atomic.AddInt64(&l.totalWaitNs, int64(time.Since(start)))
			return ctx.Err()

		case <-deadlineC:
			b.removeWaiter(w)
			atomic.AddInt64(&l.totalTimeouts, 1)
			atomic.AddInt64(&l.totalWaitNs, int64(time.Since(start)))
			l.logger.Warn("bucket %s waiter timed out after %v", key, b.spec.MaxWait)
			return fmt.Errorf("bucket %s: %w", key, ErrTimedOut)

		case <-l.stopCh:
			b.removeWaiter(w)
			atomic.AddInt64(&l.totalCancelled, 1)
			return ErrStopped
		}
	}
}

// TryAcquire takes a token without blocking. It returns false when the
// bucket is empty or other waiters are queued.
func (l *Limiter) TryAcquire(key string) bool {
	b := l.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	if len(b.waiters) == 0 && b.tokens >= 1 {
		b.tokens--
		atomic.AddInt64(&l.totalAcquired, 1)
		return true
	}
	return false
}

// Stop wakes all pending waiters with ErrStopped. Subsequent Acquire
// calls fail immediately.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.logger.Info("rate limiter stopped")
	})
}

// bucketFor returns the bucket for key, creating it on first use.
func (l *Limiter) bucketFor(key string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	spec, ok := l.cfg.Buckets[key]
	if !ok {
		spec = l.cfg.DefaultBucket
		l.logger.Warn("no bucket configured for key %s, using default (capacity=%d rate=%.2f/s)",
			key, spec.Capacity, spec.RefillPerSecond)
	}
	if spec.Capacity <= 0 {
		spec.Capacity = 1
	}
	b := &bucket{
		key:        key,
		spec:       spec,
		logger:     l.logger,
		tokens:     float64(spec.Capacity),
		lastRefill: time.Now(),
	}
	l.buckets[key] = b
	return b
}

// refillLocked adds tokens for the elapsed time since the last refill.
// Caller holds b.mu.
func (b *bucket) refillLocked(now time.Time) {
	if b.spec.RefillPerSecond <= 0 {
		b.lastRefill = now
		return
	}
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.spec.RefillPerSecond
	if max := float64(b.spec.Capacity); b.tokens > max {
		b.tokens = max
	}
	b.lastRefill = now
}

// deficitLocked returns how long until one full token accrues. Caller
// holds b.mu.
func (b *bucket) deficitLocked() time.Duration {
	if b.tokens >= 1 {
		return time.Millisecond
	}
	if b.spec.RefillPerSecond <= 0 {
		return time.Hour
	}
	need := (1 - b.tokens) / b.spec.RefillPerSecond
	d := time.Duration(need * float64(time.Second))
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// popHeadLocked removes the queue head and signals the next waiter so
// it can arm its own timer. Caller holds b.mu.
func (b *bucket) popHeadLocked() {
	b.waiters = b.waiters[1:]
	if len(b.waiters) > 0 {
		select {
		case b.waiters[0].ready <- struct{}{}:
		default:
		}
	}
}

// removeWaiter unlinks w from the queue after a cancel, timeout, or
// stop. If w was the head, the next waiter is promoted.
func (b *bucket) removeWaiter(w *waiter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cand := range b.waiters {
		if cand != w {
			continue
		}
		b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
		if i == 0 && len(b.waiters) > 0 {
			select {
			case b.waiters[0].ready <- struct{}{}:
			default:
			}
		}
		return
	}
}

// Metrics is a point-in-time snapshot of limiter activity.
type Metrics struct {
	TotalAcquired  int64
	TotalTimeouts  int64
	TotalCancelled int64
	Waiting        int32
	AvgWaitMs      float64
}

// GetMetrics returns current counters.
func (l *Limiter) GetMetrics() Metrics {
	acquired := atomic.LoadInt64(&l.totalAcquired)
	cancelled := atomic.LoadInt64(&l.totalCancelled)
	timeouts := atomic.LoadInt64(&l.totalTimeouts)
	waitNs := atomic.LoadInt64(&l.totalWaitNs)

	m := Metrics{
		TotalAcquired:  acquired,
		TotalTimeouts:  timeouts,
		TotalCancelled: cancelled,
		Waiting:        atomic.LoadInt32(&l.waiting),
	}
	if settled := acquired + timeouts + cancelled; settled > 0 {
		m.AvgWaitMs = float64(waitNs) / float64(settled) / float64(time.Millisecond)
	}
	return m
}

// String formats metrics for logs.
func (m Metrics) String() string {
	return fmt.Sprintf("RateLimiter[acquired=%d timeouts=%d cancelled=%d waiting=%d avg_wait=%.1fms]",
		m.TotalAcquired, m.TotalTimeouts, m.TotalCancelled, m.Waiting, m.AvgWaitMs)
}
