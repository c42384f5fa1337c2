package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks run pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
	Skipped   int64 `json:"skipped"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("run pool is shut down")

// RunPool is a bounded goroutine pool that drives runs concurrently. At most one
// job per run key is queued or active at a time.
type RunPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
	keys    map[string]struct{}
}

// NewRunPool creates a pool with the given max concurrency.
func NewRunPool(size int) *RunPool {
	if size <= 0 {
		size = 1
	}
	return &RunPool{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
		keys: make(map[string]struct{}),
	}
}

// Submit runs fn for key. It returns false without error when a job for key is
// already queued or active. It blocks while the pool is at capacity and respects
// context cancellation while waiting.
func (p *RunPool) Submit(ctx context.Context, key string, fn func(ctx context.Context) error) (bool, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false, ErrPoolShutdown
	}
	if _, busy := p.keys[key]; busy {
		p.mu.Unlock()
		atomic.AddInt64(&p.metrics.Skipped, 1)
		return false, nil
	}
	p.keys[key] = struct{}{}
	p.mu.Unlock()

	release := func() {
		p.mu.Lock()
		delete(p.keys, key)
		p.mu.Unlock()
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		release()
		return false, ctx.Err()
	case <-p.done:
		release()
		return false, ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown's wg.Wait cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		release()
		return false, ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			<-p.sem
			release()
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
		} else {
			atomic.AddInt64(&p.metrics.Completed, 1)
		}
	}()

	return true, nil
}

// Busy reports whether a job for key is queued or active.
func (p *RunPool) Busy(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.keys[key]
	return ok
}

// Wait blocks until all submitted work completes.
func (p *RunPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting work and waits for active jobs to finish.
func (p *RunPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *RunPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
		Skipped:   atomic.LoadInt64(&p.metrics.Skipped),
	}
}
