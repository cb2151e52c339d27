package batch

import (
	"time"
)

// Engine defaults and limits. Job-level knobs (concurrency, checkpoint
// frequency) are clamped against these at creation time; engine-level knobs
// are set through Options.
const (
	// DefaultConcurrency is the per-job worker bound when none is given.
	DefaultConcurrency = 5
	// MaxConcurrency caps the per-job worker bound.
	MaxConcurrency = 50

	// DefaultCheckpointFrequency checkpoints after every N completed items.
	DefaultCheckpointFrequency = 10
	// MaxCheckpointFrequency caps the count-based checkpoint predicate.
	MaxCheckpointFrequency = 100

	// DefaultItemTimeout bounds one processing attempt for one item.
	DefaultItemTimeout = 5 * time.Minute

	// DefaultChunkSize is how many items a phase dispatches per wave.
	DefaultChunkSize = 500

	// DefaultCheckpointInterval is the time-based checkpoint predicate: a
	// checkpoint is also due when this much time has passed since the last.
	DefaultCheckpointInterval = 5 * time.Minute

	// DefaultReconcileEvery runs analytics reconciliation after every N item
	// completions (plus once at every phase end).
	DefaultReconcileEvery = 50

	// Job definition limits.
	MaxNameLength = 200
	MaxItems      = 10000
	MaxInputBytes = 100000
	MaxPhases     = 10

	// List pagination limits.
	DefaultListLimit = 20
	MaxListLimit     = 100

	// Checkpoint cleanup age bounds, in days.
	DefaultCleanupDays = 30
	MaxCleanupDays     = 365
)

// Options configures a Manager. The zero value means defaults; use the
// functional options with NewManager rather than building one by hand.
type Options struct {
	// ItemTimeout bounds a single processing attempt. Default 5m.
	ItemTimeout time.Duration

	// ChunkSize is the per-wave dispatch size within a phase. Default 500.
	ChunkSize int

	// CheckpointInterval is the time-based checkpoint predicate. Default 5m.
	CheckpointInterval time.Duration

	// ReconcileEvery triggers analytics reconciliation after this many item
	// completions. Default 50.
	ReconcileEvery int

	// RetryBaseDelay is the unit delay the backoff curves scale from.
	// Default 1s. Tests shrink it to keep retry scenarios fast.
	RetryBaseDelay time.Duration

	// Metrics, when set, receives Prometheus observations. Nil disables
	// metric recording entirely.
	Metrics *PrometheusMetrics

	// Clock supplies current time. Default time.Now. Tests substitute a
	// fake to drive the time-based checkpoint predicate.
	Clock func() time.Time
}

func defaultOptions() Options {
	return Options{
		ItemTimeout:        DefaultItemTimeout,
		ChunkSize:          DefaultChunkSize,
		CheckpointInterval: DefaultCheckpointInterval,
		ReconcileEvery:     DefaultReconcileEvery,
		RetryBaseDelay:     baseRetryDelay,
		Clock:              time.Now,
	}
}

// Option is a functional option for configuring a Manager.
//
// Example:
//
//	mgr := batch.NewManager(st, proc, emitter,
//	    batch.WithItemTimeout(2*time.Minute),
//	    batch.WithChunkSize(100),
//	    batch.WithMetrics(metrics),
//	)
type Option func(*Options) error

// WithItemTimeout sets the per-attempt processing timeout.
//
// Default: 5 minutes. A timed-out attempt counts as a failure for that item
// and goes through the phase's retry policy like any other error.
func WithItemTimeout(d time.Duration) Option {
	return func(o *Options) error {
		if d <= 0 {
			return validationErrorf("itemTimeout", "must be positive, got %v", d)
		}
		o.ItemTimeout = d
		return nil
	}
}

// WithChunkSize sets how many items a phase dispatches per wave.
//
// Default: 500. A chunk must fully settle before the next chunk starts, which
// bounds the number of in-memory item records regardless of job size.
func WithChunkSize(n int) Option {
	return func(o *Options) error {
		if n <= 0 {
			return validationErrorf("chunkSize", "must be positive, got %d", n)
		}
		o.ChunkSize = n
		return nil
	}
}

// WithCheckpointInterval sets the time-based checkpoint predicate.
//
// Default: 5 minutes. A checkpoint is written when either the job's
// count-based frequency fires or this much time has passed since the last
// checkpoint, whichever comes first.
func WithCheckpointInterval(d time.Duration) Option {
	return func(o *Options) error {
		if d <= 0 {
			return validationErrorf("checkpointInterval", "must be positive, got %v", d)
		}
		o.CheckpointInterval = d
		return nil
	}
}

// WithReconcileEvery sets how many item completions elapse between analytics
// reconciliation passes. Default: 50.
func WithReconcileEvery(n int) Option {
	return func(o *Options) error {
		if n <= 0 {
			return validationErrorf("reconcileEvery", "must be positive, got %d", n)
		}
		o.ReconcileEvery = n
		return nil
	}
}

// WithRetryBaseDelay sets the unit delay for retry backoff curves.
// Default: 1 second.
func WithRetryBaseDelay(d time.Duration) Option {
	return func(o *Options) error {
		if d <= 0 {
			return validationErrorf("retryBaseDelay", "must be positive, got %v", d)
		}
		o.RetryBaseDelay = d
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
//
// Example:
//
//	registry := prometheus.NewRegistry()
//	metrics := batch.NewPrometheusMetrics(registry)
//	mgr := batch.NewManager(st, proc, emitter, batch.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
func WithMetrics(metrics *PrometheusMetrics) Option {
	return func(o *Options) error {
		o.Metrics = metrics
		return nil
	}
}

// WithClock substitutes the time source. Intended for tests driving the
// time-based checkpoint predicate.
func WithClock(clock func() time.Time) Option {
	return func(o *Options) error {
		if clock == nil {
			return validationErrorf("clock", "must not be nil")
		}
		o.Clock = clock
		return nil
	}
}
