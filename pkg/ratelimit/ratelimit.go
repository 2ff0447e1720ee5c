// Package ratelimit paces channel traffic and task loops.
package ratelimit

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// burstWindow is how much budget a single reservation may take at once.
const burstWindow = 50 * time.Millisecond

// Limiter limits throughput to a byte budget per second. Callers wait
// their turn; nothing is dropped or reordered.
type Limiter struct {
	budget float64
	burst  int
	lim    *rate.Limiter
	sent   atomic.Uint64
}

// New creates a limiter for bytesPerSec. A non-positive budget means no
// limit. The bucket starts empty, so sending N bytes always takes at
// least N/budget seconds.
func New(bytesPerSec float64) *Limiter {
	l := &Limiter{budget: bytesPerSec}
	if bytesPerSec <= 0 {
		l.lim = rate.NewLimiter(rate.Inf, 0)
		return l
	}

	burst := bytesPerSec * burstWindow.Seconds()
	switch {
	case burst < 1:
		burst = 1
	case burst > math.MaxInt32:
		burst = math.MaxInt32
	}
	l.burst = int(burst)
	l.lim = rate.NewLimiter(rate.Limit(bytesPerSec), l.burst)
	l.lim.AllowN(time.Now(), l.burst)
	return l
}

// Budget returns the configured bytes per second; 0 means unlimited.
func (l *Limiter) Budget() float64 {
	if l.budget <= 0 {
		return 0
	}
	return l.budget
}

// Sent returns the number of bytes admitted so far.
func (l *Limiter) Sent() uint64 {
	return l.sent.Load()
}

// Wait blocks until n bytes fit the budget or ctx is done. An
// interrupted wait gives back the budget it had not used yet.
func (l *Limiter) Wait(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if l.budget <= 0 {
		l.sent.Add(uint64(n))
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Reserve the whole message up front; the last chunk's delay is the
	// wait for all of it.
	now := time.Now()
	held := make([]*rate.Reservation, 0, n/l.burst+1)
	for left := n; left > 0; {
		chunk := min(left, l.burst)
		held = append(held, l.lim.ReserveN(now, chunk))
		left -= chunk
	}

	timer := time.NewTimer(held[len(held)-1].DelayFrom(now))
	defer timer.Stop()
	select {
	case <-timer.C:
		l.sent.Add(uint64(n))
		return nil
	case <-ctx.Done():
		cancelAt := time.Now()
		for i := len(held) - 1; i >= 0; i-- {
			held[i].CancelAt(cancelAt)
		}
		return ctx.Err()
	}
}

// IterationLimiter holds a loop to a number of iterations per second.
type IterationLimiter struct {
	lim *rate.Limiter
}

// NewIterationLimiter creates a limiter for hz iterations per second. A
// non-positive rate means no limit.
func NewIterationLimiter(hz float64) *IterationLimiter {
	if hz <= 0 {
		return &IterationLimiter{lim: rate.NewLimiter(rate.Inf, 0)}
	}
	return &IterationLimiter{lim: rate.NewLimiter(rate.Limit(hz), 1)}
}

// MaybeSleep sleeps as long as needed to keep the rate. Call it at the
// end of every iteration.
func (l *IterationLimiter) MaybeSleep() {
	_ = l.lim.Wait(context.Background())
}

// Wait is MaybeSleep bounded by ctx.
func (l *IterationLimiter) Wait(ctx context.Context) error {
	return l.lim.Wait(ctx)
}
