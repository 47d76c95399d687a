package thread

import (
	"runtime"
	"sync"

	"kernelcore/internal/ksync"
)

// Scheduler tracks the kernel core's notion of runnable/blocked
// threads for introspection and the §8 ownership invariant ("every
// thread is in exactly one of {CPU-current, run queue, a wait queue, a
// sleep object, finished-to-be-joined}"). Per §5, actual dispatch is
// cooperative and non-preemptive: a thread keeps the CPU until it
// voluntarily yields or blocks. This hosted build realizes that by
// running each thread body on its own goroutine and having
// Yield/Sleep/ListWait hand control back to the host scheduler
// (runtime.Gosched / channel park) rather than by implementing a
// user-level context switch -- the same shortcut the teacher's biscuit
// kernel takes by running entirely as goroutines atop the Go runtime.
type Scheduler struct {
	mu      sync.Mutex
	live    map[TID]*Thread
	runq    []*Thread
	idle    *Thread
}

// NewScheduler constructs a Scheduler with a parked idle thread that
// "runs" (conceptually halts the CPU) whenever nothing else is
// Runnable.
func NewScheduler() *Scheduler {
	s := &Scheduler{live: make(map[TID]*Thread)}
	s.idle = NewBoxed("idle", nil, func() {})
	s.idle.state = Runnable
	return s
}

// ThreadHandle wraps a thread's completion event so other threads can
// join it (§4.4).
type ThreadHandle struct {
	t *Thread
}

// StartThread arranges for t's body to run to completion, then marks
// it Dead and latches its completion event for joiners. The returned
// handle lets other threads wait for termination.
func (s *Scheduler) StartThread(t *Thread) *ThreadHandle {
	s.mu.Lock()
	s.live[t.Shared.TID] = t
	t.state = Runnable
	s.runq = append(s.runq, t)
	s.mu.Unlock()

	go func() {
		t.fn()
		s.mu.Lock()
		t.state = Dead
		t.exitCode = 0
		delete(s.live, t.Shared.TID)
		s.mu.Unlock()
		t.Shared.Completion.Latch()
	}()

	return &ThreadHandle{t: t}
}

// Join blocks the calling goroutine until the handle's thread has
// terminated. Safe to call concurrently from multiple joiners (§8
// scenario 2): Completion.Latch wakes every current and future Sleep.
func (h *ThreadHandle) Join() {
	if h.t.State() == Dead {
		return
	}
	h.t.Shared.Completion.Sleep()
}

// Thread returns the underlying thread this handle joins.
func (h *ThreadHandle) Thread() *Thread { return h.t }

// Yield cooperatively relinquishes the CPU without changing run state,
// giving other runnable goroutines a chance to proceed (§4.4
// yield_to/yield_time).
func (s *Scheduler) Yield() { runtime.Gosched() }

// Current threads in this hosted model map 1:1 onto goroutines;
// callers that need "the current thread" carry their own *Thread
// reference rather than asking the scheduler to discover it (there is
// no per-goroutine TLS in Go), which keeps the ownership invariant
// explicit in the code that needs it.

// Block transitions t into ListWait against q and parks until woken.
// unlock releases whatever lock protected the decision to block,
// exactly like ksync.WaitQueue.Wait's contract, so the enqueue and
// unlock are atomic with respect to a concurrent WakeOne.
func (s *Scheduler) Block(t *Thread, q *ksync.WaitQueue, unlock func()) {
	s.mu.Lock()
	t.state = ListWait
	t.waitQueue = q
	s.mu.Unlock()

	q.Wait(unlock)

	s.mu.Lock()
	t.state = Runnable
	t.waitQueue = nil
	s.mu.Unlock()
}

// SleepOn transitions t into the Sleep state bound to obj and parks
// until obj is signaled.
func (s *Scheduler) SleepOn(t *Thread, obj *ksync.SleepObject) {
	s.mu.Lock()
	t.state = Sleeping
	t.sleepObj = obj
	s.mu.Unlock()

	obj.Wait()

	s.mu.Lock()
	t.state = Runnable
	t.sleepObj = nil
	s.mu.Unlock()
}

// Snapshot returns the TIDs currently tracked as live (Runnable or
// blocked, i.e. not yet Dead), for diagnostics and tests.
func (s *Scheduler) Snapshot() []TID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TID, 0, len(s.live))
	for tid := range s.live {
		out = append(out, tid)
	}
	return out
}

// LiveCount reports how many threads are tracked as not-yet-terminated.
func (s *Scheduler) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}
