package providers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"prospector/internal/logging"
)

// BrowserPool bounds concurrent renders against the shared browser.
// Chrome pages are expensive; the pool keeps memory predictable when
// several runs execute at once.
type BrowserPool struct {
	client *BrowserClient
	slots  chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once

	totalRenders int64
	totalWaitNs  int64
}

// NewBrowserPool wraps client with size render slots.
func NewBrowserPool(client *BrowserClient, size int) *BrowserPool {
	if size <= 0 {
		size = 1
	}
	return &BrowserPool{
		client: client,
		slots:  make(chan struct{}, size),
		stopCh: make(chan struct{}),
	}
}

// Render acquires a slot and delegates to the client.
func (p *BrowserPool) Render(ctx context.Context, url string, vp Viewport, timeout time.Duration) (*RenderResult, error) {
	start := time.Now()
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.stopCh:
		return nil, errors.New("browser pool closed")
	}
	defer func() { <-p.slots }()

	if waited := time.Since(start); waited > 100*time.Millisecond {
		logging.BrowserDebug("render slot waited %v for %s", waited.Round(time.Millisecond), url)
	}
	atomic.AddInt64(&p.totalRenders, 1)
	atomic.AddInt64(&p.totalWaitNs, int64(time.Since(start)))

	return p.client.Render(ctx, url, vp, timeout)
}

// Size returns the pool capacity.
func (p *BrowserPool) Size() int {
	return cap(p.slots)
}

// TotalRenders returns how many renders went through the pool.
func (p *BrowserPool) TotalRenders() int64 {
	return atomic.LoadInt64(&p.totalRenders)
}

// Close stops admitting renders and shuts the browser down.
func (p *BrowserPool) Close() error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	return p.client.Close()
}
