package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunPool_BasicExecution(t *testing.T) {
	pool := NewRunPool(2)
	defer pool.Shutdown()

	var ran int64
	ok, err := pool.Submit(context.Background(), "run-1", func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	})
	if err != nil || !ok {
		t.Fatalf("unexpected submit result: ok=%v err=%v", ok, err)
	}

	pool.Wait()

	if atomic.LoadInt64(&ran) != 1 {
		t.Error("work did not execute")
	}
	if m := pool.Metrics(); m.Completed != 1 {
		t.Errorf("expected 1 completed, got %d", m.Completed)
	}
}

func TestRunPool_ConcurrencyLimit(t *testing.T) {
	poolSize := 3
	pool := NewRunPool(poolSize)
	defer pool.Shutdown()

	var maxConcurrent, current int64
	var mu sync.Mutex

	for i := 0; i < 10; i++ {
		_, err := pool.Submit(context.Background(), fmt.Sprintf("run-%d", i), func(ctx context.Context) error {
			c := atomic.AddInt64(&current, 1)
			mu.Lock()
			if c > maxConcurrent {
				maxConcurrent = c
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected submit error: %v", err)
		}
	}

	pool.Wait()

	if maxConcurrent > int64(poolSize) {
		t.Errorf("max concurrent %d exceeded pool size %d", maxConcurrent, poolSize)
	}
	if maxConcurrent == 0 {
		t.Error("no concurrent execution detected")
	}
}

func TestRunPool_SkipsBusyKey(t *testing.T) {
	pool := NewRunPool(4)
	defer pool.Shutdown()

	started := make(chan struct{})
	block := make(chan struct{})
	ok, err := pool.Submit(context.Background(), "run-1", func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	})
	if err != nil || !ok {
		t.Fatalf("first submit: ok=%v err=%v", ok, err)
	}
	<-started

	if !pool.Busy("run-1") {
		t.Error("run-1 should be busy")
	}
	ok, err = pool.Submit(context.Background(), "run-1", func(ctx context.Context) error {
		t.Error("duplicate job must not run")
		return nil
	})
	if err != nil || ok {
		t.Errorf("duplicate submit: ok=%v err=%v", ok, err)
	}

	ok, _ = pool.Submit(context.Background(), "run-2", func(ctx context.Context) error { return nil })
	if !ok {
		t.Error("other keys must be accepted")
	}

	close(block)
	pool.Wait()

	if pool.Busy("run-1") {
		t.Error("run-1 should be released after completion")
	}
	if m := pool.Metrics(); m.Skipped != 1 {
		t.Errorf("expected 1 skipped, got %d", m.Skipped)
	}

	ok, _ = pool.Submit(context.Background(), "run-1", func(ctx context.Context) error { return nil })
	if !ok {
		t.Error("key must be reusable once released")
	}
	pool.Wait()
}

func TestRunPool_Backpressure(t *testing.T) {
	pool := NewRunPool(1)
	defer pool.Shutdown()

	started := make(chan struct{})
	block := make(chan struct{})

	_, err := pool.Submit(context.Background(), "a", func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	<-started

	submitted := make(chan struct{})
	go func() {
		pool.Submit(context.Background(), "b", func(ctx context.Context) error { return nil })
		close(submitted)
	}()

	select {
	case <-submitted:
		t.Error("second submit should have blocked")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)

	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Error("second submit did not unblock after first task completed")
	}
	pool.Wait()
}

func TestRunPool_PanicRecovery(t *testing.T) {
	pool := NewRunPool(2)
	defer pool.Shutdown()

	pool.Submit(context.Background(), "a", func(ctx context.Context) error {
		panic("test panic")
	})
	pool.Wait()

	m := pool.Metrics()
	if m.Panics != 1 || m.Failed != 1 {
		t.Errorf("expected 1 panic and 1 failed, got %+v", m)
	}
	if pool.Busy("a") {
		t.Error("key must be released after a panic")
	}

	var ran int64
	pool.Submit(context.Background(), "a", func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	})
	pool.Wait()
	if atomic.LoadInt64(&ran) != 1 {
		t.Error("work after panic did not execute")
	}
}

func TestRunPool_ContextCancellation(t *testing.T) {
	pool := NewRunPool(1)
	defer pool.Shutdown()

	block := make(chan struct{})
	pool.Submit(context.Background(), "a", func(ctx context.Context) error {
		<-block
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := pool.Submit(ctx, "b", func(ctx context.Context) error { return nil })
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("submit did not return after context cancellation")
	}
	if pool.Busy("b") {
		t.Error("cancelled submit must release its key")
	}

	close(block)
	pool.Wait()
}

func TestRunPool_GracefulShutdown(t *testing.T) {
	pool := NewRunPool(2)

	var completed int64
	for i := 0; i < 5; i++ {
		pool.Submit(context.Background(), fmt.Sprintf("run-%d", i), func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&completed, 1)
			return nil
		})
	}

	pool.Shutdown()

	if atomic.LoadInt64(&completed) != 5 {
		t.Errorf("expected 5 completed after shutdown, got %d", atomic.LoadInt64(&completed))
	}
}

func TestRunPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewRunPool(2)
	pool.Shutdown()
	pool.Shutdown()

	_, err := pool.Submit(context.Background(), "a", func(ctx context.Context) error { return nil })
	if err != ErrPoolShutdown {
		t.Errorf("expected ErrPoolShutdown, got %v", err)
	}
}

func TestRunPool_MetricsAccuracy(t *testing.T) {
	pool := NewRunPool(4)
	defer pool.Shutdown()

	errTarget := errors.New("intentional error")
	for i := 0; i < 3; i++ {
		pool.Submit(context.Background(), fmt.Sprintf("ok-%d", i), func(ctx context.Context) error { return nil })
	}
	for i := 0; i < 2; i++ {
		pool.Submit(context.Background(), fmt.Sprintf("bad-%d", i), func(ctx context.Context) error { return errTarget })
	}
	pool.Wait()

	m := pool.Metrics()
	if m.Completed != 3 {
		t.Errorf("expected 3 completed, got %d", m.Completed)
	}
	if m.Failed != 2 {
		t.Errorf("expected 2 failed, got %d", m.Failed)
	}
	if m.Active != 0 {
		t.Errorf("expected 0 active after wait, got %d", m.Active)
	}
}

func BenchmarkRunPool(b *testing.B) {
	for _, size := range []int{10, 100} {
		b.Run(fmt.Sprintf("size=%d", size), func(b *testing.B) {
			pool := NewRunPool(size)
			defer pool.Shutdown()
			ctx := context.Background()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				pool.Submit(ctx, fmt.Sprintf("run-%d", i), func(ctx context.Context) error { return nil })
			}
			pool.Wait()
		})
	}
}
