package engine

import (
	"context"
	"sync"
)

// runLocks serializes operations on one run. Waiting for a lock respects ctx.
type runLocks struct {
	mu    sync.Mutex
	locks map[string]*runLock
}

type runLock struct {
	ch   chan struct{}
	refs int
}

func newRunLocks() *runLocks {
	return &runLocks{locks: make(map[string]*runLock)}
}

// lock acquires the lock for runID and returns its release func.
func (l *runLocks) lock(ctx context.Context, runID string) (func(), error) {
	l.mu.Lock()
	rl, ok := l.locks[runID]
	if !ok {
		rl = &runLock{ch: make(chan struct{}, 1)}
		l.locks[runID] = rl
	}
	rl.refs++
	l.mu.Unlock()

	select {
	case rl.ch <- struct{}{}:
		return func() {
			<-rl.ch
			l.unref(runID, rl)
		}, nil
	case <-ctx.Done():
		l.unref(runID, rl)
		return nil, ctx.Err()
	}
}

func (l *runLocks) unref(runID string, rl *runLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl.refs--
	if rl.refs == 0 {
		delete(l.locks, runID)
	}
}

// inflight tracks the cancel funcs of operations currently holding a run, so that
// Cancel can abort an agent call or a dispatcher wait of another goroutine.
type inflight struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	// pending counts Cancel calls that have not finished yet; operations that
	// register meanwhile start out cancelled.
	pending map[string]int
}

func newInflight() *inflight {
	return &inflight{
		cancels: make(map[string]context.CancelFunc),
		pending: make(map[string]int),
	}
}

// register derives the contexts of an operation holding runID. runCtx ends with ctx
// or with Cancel. sideCtx ignores ctx and ends only with Cancel; side effects that
// the run has already committed to run on it. done must be called when the
// operation ends.
func (f *inflight) register(ctx context.Context, runID string) (runCtx, sideCtx context.Context, done func()) {
	runCtx, cancelRun := context.WithCancel(ctx)
	sideCtx, cancelSide := context.WithCancel(context.WithoutCancel(ctx))
	cancel := func() {
		cancelRun()
		cancelSide()
	}
	f.mu.Lock()
	f.cancels[runID] = cancel
	if f.pending[runID] > 0 {
		cancel()
	}
	f.mu.Unlock()
	return runCtx, sideCtx, func() {
		f.mu.Lock()
		delete(f.cancels, runID)
		f.mu.Unlock()
		cancel()
	}
}

// cancel aborts the operation in flight for runID, if any, and keeps aborting new
// ones until the returned func is called.
func (f *inflight) cancel(runID string) func() {
	f.mu.Lock()
	f.pending[runID]++
	if c, ok := f.cancels[runID]; ok {
		c()
	}
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.pending[runID]--
		if f.pending[runID] <= 0 {
			delete(f.pending, runID)
		}
		f.mu.Unlock()
	}
}
