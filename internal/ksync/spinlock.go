package ksync

import "sync"

// Spinlock wraps a value of type T behind a lock that is meant to be
// held only briefly with interrupts conceptually disabled (§4.3). This
// hosted build has no real IRQ controller to mask, so Spinlock is a
// thin sync.Mutex wrapper that documents the intent and provides the
// unguarded variants the spec calls out for code that cannot express
// the guard's lifetime (e.g. a driver shim entered and exited across
// two separate calls).
type Spinlock[T any] struct {
	mu   sync.Mutex
	data T
}

// NewSpinlock constructs a Spinlock holding the given initial value.
func NewSpinlock[T any](initial T) *Spinlock[T] {
	return &Spinlock[T]{data: initial}
}

// SpinGuard is the RAII-style guard returned by Lock.
type SpinGuard[T any] struct {
	lk *Spinlock[T]
}

// Lock disables (conceptually) IRQs and spins for entry, returning a
// guard whose Unlock releases it.
func (s *Spinlock[T]) Lock() *SpinGuard[T] {
	s.mu.Lock()
	return &SpinGuard[T]{lk: s}
}

// Unlock releases the lock held by this guard.
func (g *SpinGuard[T]) Unlock() { g.lk.mu.Unlock() }

// Get returns a pointer to the protected value; valid only while the
// guard is held.
func (g *SpinGuard[T]) Get() *T { return &g.lk.data }

// TryLockCPU attempts to acquire without blocking, returning nil on
// contention (modeling contention "from the current CPU" as simple
// contention, since this build has one simulated scheduling domain
// per archsim.PageTable rather than real per-CPU reentrancy).
func (s *Spinlock[T]) TryLockCPU() *SpinGuard[T] {
	if s.mu.TryLock() {
		return &SpinGuard[T]{lk: s}
	}
	return nil
}

// UnguardedLock/UnguardedRelease exist for call sites (ACPI-style
// shims, per §4.3) where the guard's lifetime cannot be expressed in
// normal Go control flow.
func (s *Spinlock[T]) UnguardedLock() { s.mu.Lock() }
func (s *Spinlock[T]) UnguardedRelease() { s.mu.Unlock() }

// UnguardedData returns a pointer to the protected data; the caller
// must hold the lock via UnguardedLock.
func (s *Spinlock[T]) UnguardedData() *T { return &s.data }
