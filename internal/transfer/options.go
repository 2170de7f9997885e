package transfer

import (
	"log/slog"
	"time"

	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/internal/metrics"
	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/internal/pool"
	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/internal/retry"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithRetryPolicy sets the per-request retry policy.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(e *Engine) {
		e.policy = policy
	}
}

// WithBufferPool shares a part buffer pool between engines.
func WithBufferPool(buffers *pool.BufferPool) Option {
	return func(e *Engine) {
		if buffers != nil {
			e.buffers = buffers
		}
	}
}

// WithMetrics records part statistics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithAbortTimeout bounds the best-effort abort of a failed multipart upload.
func WithAbortTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.abortTimeout = d
		}
	}
}
