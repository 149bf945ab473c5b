package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

type httpError struct {
	status int
	msg    string
}

func (e *httpError) Error() string   { return e.msg }
func (e *httpError) StatusCode() int { return e.status }

func TestNonRetryableFailsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Options{MaxRetries: 5, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return errors.New("invalid request: empty prompt")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("non-retryable error ran %d attempts, want 1", calls)
	}
}

func TestRetriesUntilSuccess(t *testing.T) {
	calls := 0
	var retries []int
	err := Do(context.Background(), Options{
		MaxRetries: 4,
		BaseDelay:  time.Millisecond,
		MaxJitter:  time.Millisecond,
		OnRetry:    func(_ error, attempt int) { retries = append(retries, attempt) },
	}, func(context.Context) error {
		calls++
		if calls < 3 {
			return &httpError{status: 503, msg: "service unavailable"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("ran %d attempts, want 3", calls)
	}
	if len(retries) != 2 || retries[0] != 2 || retries[1] != 3 {
		t.Fatalf("onRetry attempts = %v, want [2 3]", retries)
	}
}

func TestExhaustionReturnsLastError(t *testing.T) {
	last := &httpError{status: 500, msg: "internal server error #3"}
	calls := 0
	err := Do(context.Background(), Options{MaxRetries: 2, BaseDelay: time.Millisecond, MaxJitter: -1}, func(context.Context) error {
		calls++
		return last
	})
	if !errors.Is(err, last) {
		t.Fatalf("got %v, want the final attempt's error", err)
	}
	if calls != 3 {
		t.Fatalf("ran %d attempts, want 3 (1 + 2 retries)", calls)
	}
}

func TestWallClockBudget(t *testing.T) {
	err := Do(context.Background(), Options{
		MaxRetries: 10,
		BaseDelay:  50 * time.Millisecond,
		MaxJitter:  -1,
		Timeout:    75 * time.Millisecond,
	}, func(context.Context) error {
		return &httpError{status: 429, msg: "too many requests"}
	})
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("got %v, want ErrTimedOut", err)
	}
}

func TestContextCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, Options{MaxRetries: 20, BaseDelay: 10 * time.Millisecond, MaxJitter: -1, Timeout: time.Hour}, func(context.Context) error {
		calls++
		return errors.New("rate limit exceeded")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestDefaultRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&httpError{status: 429, msg: "slow down"}, true},
		{&httpError{status: 500, msg: "boom"}, true},
		{&httpError{status: 503, msg: "unavailable"}, true},
		{&httpError{status: 400, msg: "bad request"}, false},
		{errors.New("rate limit exceeded"), true},
		{errors.New("connection reset by peer"), true},
		{errors.New("model not found"), false},
		{nil, false},
	}
	for _, c := range cases {
		if got := DefaultRetryable(c.err); got != c.want {
			t.Fatalf("DefaultRetryable(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestZeroOptionsGetEveryDefault(t *testing.T) {
	var opts Options
	opts.applyDefaults()

	if opts.MaxRetries != DefaultMaxRetries {
		t.Fatalf("MaxRetries = %d, want %d", opts.MaxRetries, DefaultMaxRetries)
	}
	if opts.BaseDelay != DefaultBaseDelay {
		t.Fatalf("BaseDelay = %s, want %s", opts.BaseDelay, DefaultBaseDelay)
	}
	if opts.MaxJitter != DefaultMaxJitter {
		t.Fatalf("MaxJitter = %s, want %s", opts.MaxJitter, DefaultMaxJitter)
	}
	if opts.Timeout != DefaultTimeout {
		t.Fatalf("Timeout = %s, want %s", opts.Timeout, DefaultTimeout)
	}
	if opts.IsRetryable == nil {
		t.Fatalf("IsRetryable not defaulted")
	}

	disabled := Options{MaxJitter: -1}
	disabled.applyDefaults()
	if disabled.MaxJitter != 0 {
		t.Fatalf("negative MaxJitter = %s, want jitter disabled", disabled.MaxJitter)
	}
}
