package inkframe

import (
	"context"
	"sync"
	"time"

	"github.com/1set/inkframe/clock"
)

// RateLimiter paces outgoing service calls. A waking device fires setup, display and
// download back to back; the service throttles devices that hammer it.
// Implementations must honor context cancellation.
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// RateLimiterFunc adapts a function into a RateLimiter.
type RateLimiterFunc func(ctx context.Context) error

// Wait calls f. A nil f never blocks.
func (f RateLimiterFunc) Wait(ctx context.Context) error {
	if f == nil {
		return nil
	}
	return f(ctx)
}

// NewFixedIntervalLimiter spaces calls at least interval apart on the wall clock.
// Non-positive intervals fall back to one second.
func NewFixedIntervalLimiter(interval time.Duration) RateLimiter {
	return NewIntervalLimiter(clock.Real(), interval)
}

// NewIntervalLimiter is NewFixedIntervalLimiter driven by clk. A nil clk means the wall clock.
func NewIntervalLimiter(clk clock.Clock, interval time.Duration) RateLimiter {
	if clk == nil {
		clk = clock.Real()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &intervalLimiter{clk: clk, gap: interval}
}

// intervalLimiter hands out call slots gap apart. Slots are reserved under the lock, so
// concurrent callers queue in order even though they sleep outside it.
type intervalLimiter struct {
	clk clock.Clock
	gap time.Duration

	mu   sync.Mutex
	slot time.Time // earliest start of the next call
}

func (l *intervalLimiter) reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clk.Now()
	start := now
	if l.slot.After(now) {
		start = l.slot
	}
	l.slot = start.Add(l.gap)
	return start.Sub(now)
}

// Wait blocks until the caller's slot arrives or ctx is done. A cancelled caller keeps
// its slot reserved.
func (l *intervalLimiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return clock.Sleep(ctx, l.clk, l.reserve())
}
