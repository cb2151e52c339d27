package batch

import (
	"time"

	"github.com/dshills/batchflow-go/batch/store"
)

// baseRetryDelay is the unit delay all backoff curves scale from.
const baseRetryDelay = time.Second

// retryDelay computes the wait before re-attempting an item.
//
// attempt is 0-based: the delay before the first re-attempt uses attempt 0.
// The curves are deterministic so retry timing is reproducible. With the
// default 1s base:
//
//	exponential: base * 2^attempt   (1s, 2s, 4s, ...)
//	linear:      base * (attempt+1) (1s, 2s, 3s, ...)
//	constant:    base               (1s, 1s, 1s, ...)
//
// An unrecognized kind falls back to exponential.
func retryDelay(kind store.BackoffKind, attempt int, base time.Duration) time.Duration {
	if base <= 0 {
		base = baseRetryDelay
	}
	if attempt < 0 {
		attempt = 0
	}
	switch kind {
	case store.BackoffConstant:
		return base
	case store.BackoffLinear:
		return base * time.Duration(attempt+1)
	default:
		// Cap the shift; time.Duration overflows past 2^62 nanoseconds.
		if attempt > 30 {
			attempt = 30
		}
		return base * time.Duration(1<<uint(attempt))
	}
}
