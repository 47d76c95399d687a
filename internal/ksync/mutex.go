package ksync

import "sync"

// Mutex is the kernel core's sleeping lock (§4.3): blocked acquirers
// park on a WaitQueue instead of spinning, modeling the thread
// subsystem's ListWait(queue_ref) run state.
type Mutex struct {
	mu    sync.Mutex // protects locked
	locked bool
	q     WaitQueue
}

// Lock blocks until the mutex is acquired.
func (m *Mutex) Lock() {
	m.mu.Lock()
	if !m.locked {
		m.locked = true
		m.mu.Unlock()
		return
	}
	m.q.Wait(m.mu.Unlock)
	// Woken callers take logical ownership; locked stays true across
	// the handoff (set by the unlocker below), matching the teacher's
	// transfer-of-ownership wake pattern.
}

// Unlock releases the mutex, waking one waiter if any. If a waiter is
// woken, ownership transfers directly to it (locked remains true); if
// not, the mutex becomes free.
func (m *Mutex) Unlock() {
	m.mu.Lock()
	if m.q.WakeOne() {
		m.mu.Unlock()
		return
	}
	m.locked = false
	m.mu.Unlock()
}

// TryLock attempts a non-blocking acquire.
func (m *Mutex) TryLock() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return false
	}
	m.locked = true
	return true
}
