// Package retry holds the small timeout/backoff primitives shared by the
// embedding and generation clients.
package retry

import (
	"context"
	"time"

	"github.com/fablemind/fablemind-backend/internal/platform/logger"
)

// Options controls RetryOperation. Zero values get the chat-call defaults.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	// RateLimitFactor multiplies the delay once more when IsRateLimit
	// reports a 429-style error.
	RateLimitFactor float64
	ShouldRetry     func(error) bool
	IsRateLimit     func(error) bool
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 2 * time.Second
	}
	if o.Factor <= 0 {
		o.Factor = 2
	}
	if o.RateLimitFactor <= 0 {
		o.RateLimitFactor = 2
	}
	if o.ShouldRetry == nil {
		o.ShouldRetry = func(error) bool { return true }
	}
	if o.IsRateLimit == nil {
		o.IsRateLimit = func(error) bool { return false }
	}
	return o
}

// Sleep waits d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// WithTimeout runs op under a deadline of d. The timer is released as soon
// as op settles; a deadline hit counts as the operation's error.
func WithTimeout[T any](ctx context.Context, d time.Duration, op func(context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return op(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return op(tctx)
}

// RetryOperation runs op with exponential backoff. Rate-limit errors get an
// extra delay multiplier. The last error is returned after MaxAttempts.
func RetryOperation[T any](ctx context.Context, log *logger.Logger, opts Options, op func(context.Context) (T, error)) (T, error) {
	opts = opts.withDefaults()

	var zero T
	var lastErr error
	delay := opts.BaseDelay
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		out, err := op(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !opts.ShouldRetry(err) || attempt == opts.MaxAttempts {
			break
		}
		wait := delay
		if opts.IsRateLimit(err) {
			wait = time.Duration(float64(wait) * opts.RateLimitFactor)
		}
		if log != nil {
			log.Warn("operation failed, retrying",
				"attempt", attempt,
				"max_attempts", opts.MaxAttempts,
				"wait", wait.String(),
				"error", err,
			)
		}
		if serr := Sleep(ctx, wait); serr != nil {
			return zero, serr
		}
		delay = time.Duration(float64(delay) * opts.Factor)
	}
	return zero, lastErr
}
