// internal/limiter/limiter.go
// Package limiter bounds the number of in-flight provider calls and adapts
// the bound with an AIMD control law: one rate-limit signal halves the limit,
// each cooled-down success raises it by one. The same law TCP congestion
// control uses, so throughput converges toward what providers tolerate
// without manual tuning.
package limiter

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultInitial is the starting concurrency limit.
	DefaultInitial = 10
	// DefaultMin is the floor the limit never drops below.
	DefaultMin = 1
	// DefaultMax is the ceiling the limit never exceeds.
	DefaultMax = 100
	// DefaultCooldown gates how often the limit may be adjusted.
	DefaultCooldown = 5 * time.Second
	// pressureBackoff is how long an acquire waits after a pressure-triggered halving.
	pressureBackoff = 250 * time.Millisecond
)

// Options configures an AdaptiveLimiter.
type Options struct {
	Initial  int
	Min      int
	Max      int
	Cooldown time.Duration
	// Monitor, when set, supplies host-level backpressure before each acquire.
	Monitor *PressureMonitor
}

// AdaptiveLimiter is the single process-wide gate on in-flight provider
// calls. Slot accounting and limit adjustment share one mutex so concurrent
// release/acquire never lose updates. The wait queue is FIFO.
type AdaptiveLimiter struct {
	mu         sync.Mutex
	limit      int
	min        int
	max        int
	running    int
	waiters    []chan struct{}
	cooldown   time.Duration
	lastAdjust time.Time
	monitor    *PressureMonitor
	now        func() time.Time
	sleep      func(time.Duration)
}

// New constructs an AdaptiveLimiter, applying defaults for unset options.
func New(opts Options) *AdaptiveLimiter {
	if opts.Initial <= 0 {
		opts.Initial = DefaultInitial
	}
	if opts.Min <= 0 {
		opts.Min = DefaultMin
	}
	if opts.Max <= 0 {
		opts.Max = DefaultMax
	}
	if opts.Min > opts.Max {
		opts.Min = opts.Max
	}
	if opts.Initial < opts.Min {
		opts.Initial = opts.Min
	}
	if opts.Initial > opts.Max {
		opts.Initial = opts.Max
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	return &AdaptiveLimiter{
		limit:    opts.Initial,
		min:      opts.Min,
		max:      opts.Max,
		cooldown: opts.Cooldown,
		monitor:  opts.Monitor,
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// Do runs task once a concurrency slot is free, releases the slot whatever
// the outcome, and adjusts the limit: success is an additive increase,
// a rate-limit error a multiplicative decrease. The task's error is
// returned unchanged.
func (l *AdaptiveLimiter) Do(ctx context.Context, task func(context.Context) error) error {
	if l.monitor != nil && l.monitor.UnderPressure() {
		l.mu.Lock()
		if l.halveLocked() {
			log.Printf("limiter: system pressure detected, limit halved to %d", l.limit)
		}
		l.mu.Unlock()
		l.sleep(pressureBackoff)
	}

	if err := l.acquire(ctx); err != nil {
		return err
	}

	err := task(ctx)

	l.mu.Lock()
	l.running--
	if err == nil {
		if l.cooldownElapsedLocked() && l.limit < l.max {
			l.limit++
			l.lastAdjust = l.now()
		}
	} else if IsRateLimit(err) {
		l.halveLocked()
	}
	l.wakeLocked()
	l.mu.Unlock()

	return err
}

// NotifyRateLimit applies the multiplicative decrease without running a
// task, for rate-limit signals observed outside the limiter.
func (l *AdaptiveLimiter) NotifyRateLimit() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.halveLocked() {
		log.Printf("limiter: rate limit reported, limit halved to %d", l.limit)
	}
}

// Limit returns the current concurrency limit.
func (l *AdaptiveLimiter) Limit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

func (l *AdaptiveLimiter) acquire(ctx context.Context) error {
	l.mu.Lock()
	if l.running < l.limit && len(l.waiters) == 0 {
		l.running++
		l.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	l.waiters = append(l.waiters, ready)
	l.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range l.waiters {
			if w == ready {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		// Already woken and granted a slot; hand it back.
		l.running--
		l.wakeLocked()
		l.mu.Unlock()
		return ctx.Err()
	}
}

// wakeLocked grants slots to queued waiters in FIFO order.
func (l *AdaptiveLimiter) wakeLocked() {
	for l.running < l.limit && len(l.waiters) > 0 {
		ready := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.running++
		close(ready)
	}
}

// halveLocked applies the multiplicative decrease if the cooldown has
// elapsed, reporting whether the limit changed.
func (l *AdaptiveLimiter) halveLocked() bool {
	if !l.cooldownElapsedLocked() {
		return false
	}
	next := l.limit / 2
	if next < l.min {
		next = l.min
	}
	l.lastAdjust = l.now()
	if next == l.limit {
		return false
	}
	l.limit = next
	return true
}

func (l *AdaptiveLimiter) cooldownElapsedLocked() bool {
	return l.lastAdjust.IsZero() || l.now().Sub(l.lastAdjust) >= l.cooldown
}

// IsRateLimit reports whether err looks like a provider rate-limit
// rejection, either via an HTTP status or a message heuristic.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	if status, ok := statusCode(err); ok && status == 429 {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range []string{"rate limit", "rate_limit", "too many requests", "429", "quota exceeded", "resource exhausted"} {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// statusCode extracts an HTTP status from errors that carry one.
func statusCode(err error) (int, bool) {
	type coded interface{ StatusCode() int }
	for e := err; e != nil; e = unwrap(e) {
		if c, ok := e.(coded); ok {
			return c.StatusCode(), true
		}
	}
	return 0, false
}

func unwrap(err error) error {
	type wrapper interface{ Unwrap() error }
	if w, ok := err.(wrapper); ok {
		return w.Unwrap()
	}
	return nil
}
