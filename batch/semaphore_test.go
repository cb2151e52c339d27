package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSemaphoreBoundsConcurrency(t *testing.T) {
	const limit = 3
	sem := NewSemaphore(limit)

	var (
		mu      sync.Mutex
		current int
		peak    int
	)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := sem.WithPermit(context.Background(), func() error {
				mu.Lock()
				current++
				if current > peak {
					peak = current
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				current--
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("WithPermit() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if peak > limit {
		t.Errorf("observed %d concurrent holders, limit is %d", peak, limit)
	}
}

func TestSemaphoreCancelledAcquire(t *testing.T) {
	sem := NewSemaphore(1)

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = sem.WithPermit(context.Background(), func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	err := sem.WithPermit(ctx, func() error {
		ran = true
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("WithPermit() error = %v, want context.Canceled", err)
	}
	if ran {
		t.Error("fn ran despite cancelled acquire")
	}
}

func TestSemaphorePropagatesFnError(t *testing.T) {
	sem := NewSemaphore(1)
	want := errors.New("boom")
	if err := sem.WithPermit(context.Background(), func() error { return want }); !errors.Is(err, want) {
		t.Errorf("WithPermit() error = %v, want %v", err, want)
	}
}
