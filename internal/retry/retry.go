// internal/retry/retry.go
// Package retry wraps fallible provider calls with exponential backoff,
// jitter, a retryability predicate, and an overall wall-clock budget that is
// distinct from any per-call timeout.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/mwiater/krisis/internal/limiter"
)

// ErrTimedOut marks a retry loop abandoned because the wall-clock budget was
// exceeded. Callers distinguish it from the underlying call errors.
var ErrTimedOut = errors.New("retry: wall-clock budget exceeded")

const (
	// DefaultMaxRetries is the number of retries after the first attempt.
	DefaultMaxRetries = 3
	// DefaultBaseDelay seeds the exponential backoff.
	DefaultBaseDelay = 500 * time.Millisecond
	// DefaultMaxJitter bounds the uniform jitter added to each backoff.
	DefaultMaxJitter = 250 * time.Millisecond
	// DefaultTimeout bounds the whole retry loop.
	DefaultTimeout = 2 * time.Minute
)

// Options configures Do.
type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
	// MaxJitter bounds the uniform jitter added to each backoff. Zero
	// selects DefaultMaxJitter; a negative value disables jitter.
	MaxJitter time.Duration
	Timeout   time.Duration
	// IsRetryable decides whether an error is worth another attempt.
	// Defaults to DefaultRetryable.
	IsRetryable func(error) bool
	// OnRetry, when set, is invoked before each retry with the failing
	// error and the attempt number about to run.
	OnRetry func(err error, attempt int)
}

func (o *Options) applyDefaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxJitter == 0 {
		o.MaxJitter = DefaultMaxJitter
	} else if o.MaxJitter < 0 {
		o.MaxJitter = 0
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.IsRetryable == nil {
		o.IsRetryable = DefaultRetryable
	}
}

// Do runs fn, retrying retryable failures with backoff
// baseDelay * 2^(attempt-1) + uniform(0, maxJitter). Non-retryable errors
// return immediately; exhausting the retries returns the last error; blowing
// the wall-clock budget returns an error wrapping ErrTimedOut.
func Do(ctx context.Context, opts Options, fn func(context.Context) error) error {
	opts.applyDefaults()
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= opts.MaxRetries+1; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !opts.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == opts.MaxRetries+1 {
			break
		}

		delay := opts.BaseDelay << (attempt - 1)
		if opts.MaxJitter > 0 {
			delay += time.Duration(rand.Int63n(int64(opts.MaxJitter)))
		}
		if time.Since(start)+delay > opts.Timeout {
			return fmt.Errorf("%w after %s (last error: %v)", ErrTimedOut, time.Since(start).Round(time.Millisecond), lastErr)
		}

		if opts.OnRetry != nil {
			opts.OnRetry(lastErr, attempt+1)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// DefaultRetryable treats rate limits and server-side failures as transient.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	if limiter.IsRateLimit(err) {
		return true
	}
	if status, ok := StatusCode(err); ok && status >= 500 && status < 600 {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range []string{"status 500", "status 502", "status 503", "status 504", "internal server error", "service unavailable", "overloaded", "timeout", "connection reset"} {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// StatusCode extracts an HTTP status from errors that expose one.
func StatusCode(err error) (int, bool) {
	type coded interface{ StatusCode() int }
	var c coded
	if errors.As(err, &c) {
		return c.StatusCode(), true
	}
	return 0, false
}
