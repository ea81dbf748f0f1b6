package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig(capacity int, refill float64, maxWait time.Duration) Config {
	return Config{
		Buckets: map[string]BucketSpec{
			"test": {Capacity: capacity, RefillPerSecond: refill, MaxWait: maxWait},
		},
		DefaultBucket: BucketSpec{Capacity: 1, RefillPerSecond: 1, MaxWait: time.Second},
	}
}

func TestAcquireFastPath(t *testing.T) {
	l := New(testConfig(3, 1, time.Second))
	defer l.Stop()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		start := time.Now()
		if err := l.Acquire(ctx, "test"); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
			t.Errorf("acquire %d took %v, expected immediate", i, elapsed)
		}
	}

	m := l.GetMetrics()
	if m.TotalAcquired != 3 {
		t.Errorf("TotalAcquired = %d, want 3", m.TotalAcquired)
	}
}

func TestAcquireBlocksUntilRefill(t *testing.T) {
	// One token burst, 20 tokens/sec refill: second acquire should
	// take roughly 50ms.
	l := New(testConfig(1, 20, 5*time.Second))
	defer l.Stop()

	ctx := context.Background()
	if err := l.Acquire(ctx, "test"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	start := time.Now()
	if err := l.Acquire(ctx, "test"); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 20*time.Millisecond {
		t.Errorf("second acquire returned in %v, expected to wait for refill", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Errorf("second acquire took %v, refill appears stalled", elapsed)
	}
}

func TestAcquireFIFOOrder(t *testing.T) {
	// One token per 100ms so queued waiters drain one at a time.
	l := New(testConfig(1, 10, 10*time.Second))
	defer l.Stop()

	ctx := context.Background()
	if err := l.Acquire(ctx, "test"); err != nil {
		t.Fatalf("initial acquire: %v", err)
	}

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := l.Acquire(ctx, "test"); err != nil {
				t.Errorf("waiter %d: %v", id, err)
				return
			}
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
		}(i)
		// Stagger starts so arrival order is deterministic.
		time.Sleep(25 * time.Millisecond)
	}
	wg.Wait()

	if len(order) != 4 {
		t.Fatalf("got %d completions, want 4", len(order))
	}
	for i, id := range order {
		if id != i {
			t.Fatalf("completion order %v, want [0 1 2 3]", order)
		}
	}
}

func TestAcquireContextCancelled(t *testing.T) {
	l := New(testConfig(1, 0, 0))
	defer l.Stop()

	if err := l.Acquire(context.Background(), "test"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := l.Acquire(ctx, "test")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancel took %v to propagate", elapsed)
	}

	m := l.GetMetrics()
	if m.TotalCancelled != 1 {
		t.Errorf("TotalCancelled = %d, want 1", m.TotalCancelled)
	}
}

func TestAcquireMaxWaitTimeout(t *testing.T) {
	l := New(testConfig(1, 0, 60*time.Millisecond))
	defer l.Stop()

	ctx := context.Background()
	if err := l.Acquire(ctx, "test"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	err := l.Acquire(ctx, "test")
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("err = %v, want ErrTimedOut", err)
	}

	m := l.GetMetrics()
	if m.TotalTimeouts != 1 {
		t.Errorf("TotalTimeouts = %d, want 1", m.TotalTimeouts)
	}
}

func TestStopWakesWaiters(t *testing.T) {
	l := New(testConfig(1, 0, 0))

	if err := l.Acquire(context.Background(), "test"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- l.Acquire(context.Background(), "test")
	}()

	time.Sleep(30 * time.Millisecond)
	l.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, ErrStopped) {
			t.Fatalf("err = %v, want ErrStopped", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Stop")
	}

	if err := l.Acquire(context.Background(), "test"); !errors.Is(err, ErrStopped) {
		t.Fatalf("acquire after stop = %v, want ErrStopped", err)
	}
}

func TestTryAcquire(t *testing.T) {
	l := New(testConfig(2, 0, time.Second))
	defer l.Stop()

	if !l.TryAcquire("test") {
		t.Fatal("first TryAcquire should succeed")
	}
	if !l.TryAcquire("test") {
		t.Fatal("second TryAcquire should succeed")
	}
	if l.TryAcquire("test") {
		t.Fatal("third TryAcquire should fail on empty bucket")
	}
}

func TestUnknownKeyUsesDefaultBucket(t *testing.T) {
	l := New(testConfig(1, 1, time.Second))
	defer l.Stop()

	// Default bucket has capacity 1.
	if !l.TryAcquire("unconfigured") {
		t.Fatal("default bucket should start full")
	}
	if l.TryAcquire("unconfigured") {
		t.Fatal("default bucket should be empty after one take")
	}
	// The configured bucket is independent.
	if !l.TryAcquire("test") {
		t.Fatal("configured bucket should be unaffected")
	}
}

func TestBucketsAreIndependent(t *testing.T) {
	cfg := Config{
		Buckets: map[string]BucketSpec{
			"a": {Capacity: 1, RefillPerSecond: 0, MaxWait: time.Second},
			"b": {Capacity: 1, RefillPerSecond: 0, MaxWait: time.Second},
		},
		DefaultBucket: BucketSpec{Capacity: 1, RefillPerSecond: 1, MaxWait: time.Second},
	}
	l := New(cfg)
	defer l.Stop()

	if !l.TryAcquire("a") {
		t.Fatal("bucket a should start full")
	}
	if !l.TryAcquire("b") {
		t.Fatal("draining a must not affect b")
	}
}

func TestMetricsString(t *testing.T) {
	l := New(testConfig(1, 1, time.Second))
	defer l.Stop()

	_ = l.Acquire(context.Background(), "test")
	s := l.GetMetrics().String()
	if s == "" {
		t.Fatal("metrics string should not be empty")
	}
}
