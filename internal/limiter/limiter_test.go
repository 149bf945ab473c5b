package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests step through cooldown windows deterministically.
type fakeClock struct {
	mu  sync.Mutex
	t   time.Time
	adv time.Duration
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestLimiter(initial int, cooldown time.Duration) (*AdaptiveLimiter, *fakeClock) {
	l := New(Options{Initial: initial, Min: 1, Max: initial, Cooldown: cooldown})
	clock := &fakeClock{t: time.Unix(1000, 0)}
	l.now = clock.now
	l.sleep = func(time.Duration) {}
	return l, clock
}

func TestRateLimitHalvesOncePerCooldown(t *testing.T) {
	l, clock := newTestLimiter(100, time.Second)

	l.NotifyRateLimit()
	if got := l.Limit(); got != 50 {
		t.Fatalf("after first rate-limit signal: limit = %d, want 50", got)
	}

	// Second signal inside the cooldown window must be ignored.
	l.NotifyRateLimit()
	if got := l.Limit(); got != 50 {
		t.Fatalf("signal within cooldown changed limit to %d, want 50", got)
	}

	clock.advance(2 * time.Second)
	l.NotifyRateLimit()
	if got := l.Limit(); got != 25 {
		t.Fatalf("signal after cooldown: limit = %d, want 25", got)
	}
}

func TestSuccessRaisesLimitByOne(t *testing.T) {
	l, clock := newTestLimiter(100, time.Second)
	l.NotifyRateLimit()
	clock.advance(2 * time.Second)

	if err := l.Do(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("task failed: %v", err)
	}
	if got := l.Limit(); got != 51 {
		t.Fatalf("after cooled-down success: limit = %d, want 51", got)
	}

	// Another success inside the fresh cooldown window leaves it alone.
	if err := l.Do(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("task failed: %v", err)
	}
	if got := l.Limit(); got != 51 {
		t.Fatalf("success within cooldown changed limit to %d, want 51", got)
	}
}

func TestLimitStaysWithinBounds(t *testing.T) {
	l := New(Options{Initial: 2, Min: 1, Max: 3, Cooldown: time.Nanosecond})
	clock := &fakeClock{t: time.Unix(1000, 0)}
	l.now = clock.now

	for i := 0; i < 10; i++ {
		clock.advance(time.Second)
		l.NotifyRateLimit()
	}
	if got := l.Limit(); got != 1 {
		t.Fatalf("limit dropped below min: %d", got)
	}

	for i := 0; i < 10; i++ {
		clock.advance(time.Second)
		if err := l.Do(context.Background(), func(context.Context) error { return nil }); err != nil {
			t.Fatalf("task failed: %v", err)
		}
	}
	if got := l.Limit(); got != 3 {
		t.Fatalf("limit exceeded max: %d", got)
	}
}

func TestHostPressureHalvesBeforeAcquire(t *testing.T) {
	monitor := NewPressureMonitor(MonitorOptions{})
	monitor.latest.Store(&Snapshot{UnderPressure: true, SampledAt: time.Unix(1000, 0)})

	l, clock := newTestLimiter(100, time.Second)
	l.monitor = monitor
	var slept []time.Duration
	l.sleep = func(d time.Duration) { slept = append(slept, d) }

	if err := l.Do(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("task failed: %v", err)
	}
	if got := l.Limit(); got != 50 {
		t.Fatalf("under pressure: limit = %d, want 50", got)
	}
	if len(slept) != 1 || slept[0] != pressureBackoff {
		t.Fatalf("backoff sleeps = %v, want one %s sleep", slept, pressureBackoff)
	}

	// Still under pressure inside the cooldown window: backs off again but
	// does not halve again.
	if err := l.Do(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("task failed: %v", err)
	}
	if got := l.Limit(); got != 50 {
		t.Fatalf("pressure within cooldown changed limit to %d, want 50", got)
	}
	if len(slept) != 2 {
		t.Fatalf("backoff sleeps = %v, want two", slept)
	}

	// Pressure cleared: no halving, no backoff, and a cooled-down success
	// raises the limit again.
	monitor.latest.Store(&Snapshot{SampledAt: time.Unix(1001, 0)})
	clock.advance(2 * time.Second)
	if err := l.Do(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("task failed: %v", err)
	}
	if got := l.Limit(); got != 51 {
		t.Fatalf("after pressure cleared: limit = %d, want 51", got)
	}
	if len(slept) != 2 {
		t.Fatalf("backoff slept without pressure: %v", slept)
	}
}

func TestRateLimitErrorFromTaskHalves(t *testing.T) {
	l, _ := newTestLimiter(100, time.Second)
	wantErr := fmt.Errorf("provider said no: %w", errors.New("429 Too Many Requests"))

	err := l.Do(context.Background(), func(context.Context) error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("limiter swallowed the task error: got %v", err)
	}
	if got := l.Limit(); got != 50 {
		t.Fatalf("after rate-limit error: limit = %d, want 50", got)
	}
}

func TestNonRateLimitErrorLeavesLimit(t *testing.T) {
	l, _ := newTestLimiter(100, time.Second)
	err := l.Do(context.Background(), func(context.Context) error { return errors.New("model produced garbage") })
	if err == nil {
		t.Fatal("expected task error to propagate")
	}
	if got := l.Limit(); got != 100 {
		t.Fatalf("plain error changed limit to %d, want 100", got)
	}
}

func TestConcurrencyNeverExceedsLimit(t *testing.T) {
	l, _ := newTestLimiter(4, time.Hour)

	var mu sync.Mutex
	running, peak := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do(context.Background(), func(context.Context) error {
				mu.Lock()
				running++
				if running > peak {
					peak = running
				}
				mu.Unlock()
				time.Sleep(2 * time.Millisecond)
				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if peak > 4 {
		t.Fatalf("observed %d concurrent tasks with limit 4", peak)
	}
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	l, _ := newTestLimiter(1, time.Hour)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = l.Do(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- l.Do(ctx, func(context.Context) error { return nil })
	}()
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("got %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter never returned")
	}
	close(release)
}

func TestIsRateLimit(t *testing.T) {
	cases := map[string]bool{
		"429 Too Many Requests":             true,
		"rate limit exceeded, retry later":  true,
		"quota exceeded for model":          true,
		"connection refused":                false,
		"invalid request: missing prompt":   false,
		"Resource exhausted: slow down now": true,
	}
	for msg, want := range cases {
		if got := IsRateLimit(errors.New(msg)); got != want {
			t.Fatalf("IsRateLimit(%q) = %v, want %v", msg, got, want)
		}
	}
	if IsRateLimit(nil) {
		t.Fatal("nil error must not be a rate limit")
	}
}
