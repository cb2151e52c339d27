package batch

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Semaphore bounds concurrent item processing within a phase.
//
// It is a thin wrapper over golang.org/x/sync/semaphore.Weighted with the
// acquire/release pairing handled in one place.
type Semaphore struct {
	sem *semaphore.Weighted
}

// NewSemaphore creates a semaphore admitting up to n concurrent holders.
func NewSemaphore(n int) *Semaphore {
	return &Semaphore{sem: semaphore.NewWeighted(int64(n))}
}

// WithPermit runs fn while holding one permit. Acquisition blocks until a
// permit is free or ctx is cancelled; a cancelled acquire returns the context
// error without running fn.
func (s *Semaphore) WithPermit(ctx context.Context, fn func() error) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire permit: %w", err)
	}
	defer s.sem.Release(1)
	return fn()
}
