package ksync

import "sync"

// Semaphore is a counted sleeping semaphore (§4.3): Acquire blocks
// when the count is zero, Release wakes one waiter.
type Semaphore struct {
	mu    sync.Mutex
	count int
	q     WaitQueue
}

// NewSemaphore constructs a semaphore with the given initial count.
func NewSemaphore(initial int) *Semaphore {
	return &Semaphore{count: initial}
}

// Acquire blocks until a unit is available, then consumes one.
func (s *Semaphore) Acquire() {
	s.mu.Lock()
	if s.count > 0 {
		s.count--
		s.mu.Unlock()
		return
	}
	s.q.Wait(s.mu.Unlock)
}

// TryAcquire attempts a non-blocking acquire.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count > 0 {
		s.count--
		return true
	}
	return false
}

// Release returns a unit, waking one waiter if any is queued;
// otherwise increments the count for a future Acquire.
func (s *Semaphore) Release() {
	s.mu.Lock()
	if s.q.WakeOne() {
		// Ownership (the decremented unit) transfers directly to the
		// woken waiter; count is unchanged.
		s.mu.Unlock()
		return
	}
	s.count++
	s.mu.Unlock()
}
