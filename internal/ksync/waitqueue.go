// Package ksync implements the kernel core's own synchronization
// primitives (§4.3): Spinlock, Mutex, Semaphore, RwLock, EventChannel,
// WaitQueue, SleepObject and SleepObjectSet. These are distinct from
// Go's sync package: they are the substrate the thread subsystem
// itself blocks on, so WaitQueue and SleepObject hand back cooperative
// scheduling primitives (parking a goroutine on a channel) rather than
// assuming the host runtime's scheduler is the one spec.md describes.
//
// Grounded on the teacher's direct sync.Mutex/sync.RWMutex embeddings
// (biscuit/src/vm.Vm_t, biscuit/src/fs.Bdev_block_t) for the locking
// idiom, and on the original Rust kernel's Core/sync/rwlock.rs for the
// writer-priority wake policy the spec names explicitly.
package ksync

import "sync"

// waiter is a parked goroutine: Wake closes ready exactly once.
type waiter struct {
	ready chan struct{}
}

func newWaiter() *waiter { return &waiter{ready: make(chan struct{})} }

func (w *waiter) wake() { close(w.ready) }

// WaitQueue is a FIFO of blocked waiters (§4.3, §3 WaitQueue). It is
// the primitive Mutex, Semaphore, and RwLock are built on.
type WaitQueue struct {
	mu      sync.Mutex
	waiters []*waiter
}

// Wait atomically enqueues the caller and releases unlock, then blocks
// until woken. unlock is invoked while still holding the WaitQueue's
// internal bookkeeping lock conceptually -- in Go terms, we take our
// own lock, queue, release our lock, invoke unlock, then block; this
// still closes the lost-wakeup window because enqueue happens before
// unlock runs.
func (q *WaitQueue) Wait(unlock func()) {
	q.mu.Lock()
	w := newWaiter()
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	unlock()

	<-w.ready
}

// WakeOne removes and wakes the head of the queue, if any, returning
// whether a waiter was woken.
func (q *WaitQueue) WakeOne() bool {
	q.mu.Lock()
	if len(q.waiters) == 0 {
		q.mu.Unlock()
		return false
	}
	w := q.waiters[0]
	q.waiters = q.waiters[1:]
	q.mu.Unlock()
	w.wake()
	return true
}

// WakeAll wakes every queued waiter and returns how many were woken.
func (q *WaitQueue) WakeAll() int {
	q.mu.Lock()
	ws := q.waiters
	q.waiters = nil
	q.mu.Unlock()
	for _, w := range ws {
		w.wake()
	}
	return len(ws)
}

// HasWaiter reports whether any thread is currently queued.
func (q *WaitQueue) HasWaiter() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters) > 0
}

// Len reports the current queue depth.
func (q *WaitQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}
