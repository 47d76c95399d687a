// Package ktime implements the kernel's notion of time (§4.9): a
// monotonic tick counter fed by a simulated periodic timer interrupt,
// Timer objects with expiry comparisons, and a per-arch on-demand
// worker that requests the next wakeup tick.
package ktime

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Tick is the kernel's monotonic interrupt counter type.
type Tick uint64

// readMonotonicNanos reads the hardware monotonic clock. On Linux this
// goes through x/sys's ClockGettime directly rather than time.Now,
// mirroring how the teacher's own time source is a thin wrapper over
// the platform clock rather than a Go-runtime abstraction; off Linux
// (or on error) it falls back to time.Now's monotonic reading.
func readMonotonicNanos() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err == nil {
		return ts.Nano()
	}
	return time.Now().UnixNano()
}

// Clock drives the monotonic tick counter from a simulated periodic
// interrupt at tickInterval. Production of ticks and consumption
// (Timer expiry checks, request_tick workers) are decoupled exactly
// as in §4.9: a dedicated goroutine stands in for the hardware IRQ.
type Clock struct {
	tickInterval time.Duration

	now    atomic.Uint64 // current tick count
	epoch  int64         // readMonotonicNanos() at tick 0

	mu       sync.Mutex
	waiters  []*waiterEntry
	stopOnce sync.Once
	stopCh   chan struct{}
}

type waiterEntry struct {
	target Tick
	ch     chan struct{}
}

// NewClock starts the simulated periodic tick source immediately.
func NewClock(tickInterval time.Duration) *Clock {
	c := &Clock{tickInterval: tickInterval, epoch: readMonotonicNanos(), stopCh: make(chan struct{})}
	go c.run()
	return c
}

func (c *Clock) run() {
	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.now.Add(1)
			c.dispatch()
		}
	}
}

// dispatch is the global time_tick() entry point: it wakes every
// request_tick worker whose target has now been reached.
func (c *Clock) dispatch() {
	cur := Tick(c.now.Load())
	c.mu.Lock()
	remaining := c.waiters[:0]
	var fired []*waiterEntry
	for _, w := range c.waiters {
		if w.target <= cur {
			fired = append(fired, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
	c.mu.Unlock()

	for _, w := range fired {
		close(w.ch)
	}
}

// Now returns the current tick count.
func (c *Clock) Now() Tick { return Tick(c.now.Load()) }

// Stop halts the simulated interrupt source.
func (c *Clock) Stop() { c.stopOnce.Do(func() { close(c.stopCh) }) }

// RequestTick returns a channel that the tick dispatcher closes once the
// clock reaches target (already closed if it has). No goroutine is
// started. It models §4.9's per-arch request_tick(target): the caller
// parks on the channel and is woken by the dispatcher rather than by
// busy-polling.
func (c *Clock) RequestTick(target Tick) <-chan struct{} {
	if c.Now() >= target {
		done := make(chan struct{})
		close(done)
		return done
	}
	w := &waiterEntry{target: target, ch: make(chan struct{})}
	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()
	return w.ch
}

// Timer holds an optional expiry tick (§4.9).
type Timer struct {
	mu     sync.Mutex
	expiry Tick
	armed  bool
}

// Reset arms the timer to expire ms milliseconds from clock's current
// tick, rounding up to whole ticks.
func (t *Timer) Reset(clock *Clock, ms int) {
	ticksPerMs := float64(time.Second/clock.tickInterval) / 1000.0
	delta := Tick(float64(ms)*ticksPerMs + 0.999999)
	if delta == 0 {
		delta = 1
	}
	t.mu.Lock()
	t.expiry = clock.Now() + delta
	t.armed = true
	t.mu.Unlock()
}

// Disarm clears the timer so IsExpired always reports false.
func (t *Timer) Disarm() {
	t.mu.Lock()
	t.armed = false
	t.mu.Unlock()
}

// IsExpired reports whether the timer is armed and its expiry has
// passed now.
func (t *Timer) IsExpired(now Tick) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed && now >= t.expiry
}

// GetExpiry exposes the armed expiry tick, if any.
func (t *Timer) GetExpiry() (Tick, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expiry, t.armed
}
