// Package thread implements the cooperative thread/process subsystem
// (§4.4): per-thread control blocks with an intrusive run-queue link,
// per-process address space and PID, cooperative yield/sleep, an idle
// thread, and the worker-thread pattern the GUI compositor and TCP
// stack build on.
//
// biscuit/src/proc has no Go source to ground an allocator on; the
// TID naming comes from defs.Tid_t as used in biscuit/src/tinfo and
// biscuit/src/vm.Vm_t.Pgfault, and biscuit/src/vm.Vm_t itself grounds
// the address-space-per-process idea. The monotonic allocator and the
// explicit run-state machine (Runnable/ListWait/Sleep/Dead) are a
// fresh design: biscuit runs threads as bare goroutines with no
// visible TID allocator or state enum to imitate.
package thread

import (
	"sync"
	"sync/atomic"

	"kernelcore/internal/ksync"
)

// TID and PID are wrap-free monotonic identifiers (§4.4). Overflow is
// a panic, matching the open design note: this is a known limitation
// carried forward rather than silently reinterpreted.
type TID uint64
type PID uint64

var nextTID uint64
var nextPID uint64

func allocTID() TID {
	v := atomic.AddUint64(&nextTID, 1)
	if v == 0 {
		panic("thread: TID counter overflow")
	}
	return TID(v)
}

func allocPID() PID {
	v := atomic.AddUint64(&nextPID, 1)
	if v == 0 {
		panic("thread: PID counter overflow")
	}
	return PID(v)
}

// RunState is the thread run-state enum from §3.
type RunState int

const (
	Runnable RunState = iota
	ListWait
	Sleeping
	Dead
)

// Process is §3's Process record: PID, name, address space handle,
// mutex-guarded exit status plus optional waiter, and a process-local
// object bag.
type Process struct {
	PID  PID
	Name string

	// AddressSpace is an opaque per-process handle; the thread package
	// does not interpret it, mirroring how Thread carries a Process
	// back-reference rather than a VMM dependency (keeps the DAG
	// acyclic: vmm does not import thread).
	AddressSpace any

	mu         sync.Mutex
	exited     bool
	exitStatus int
	waiter     *ksync.SleepObjectRef

	objects sync.Map // process-local object bag, keyed by any
}

// NewProcess allocates a fresh process with a monotonic PID.
func NewProcess(name string, addrSpace any) *Process {
	return &Process{PID: allocPID(), Name: name, AddressSpace: addrSpace}
}

// BindWaitTerminate stores one SleepObjectRef to be signaled when the
// process's exit status is set (§4.4).
func (p *Process) BindWaitTerminate(ref *ksync.SleepObjectRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waiter = ref
	if p.exited {
		ref.Signal()
	}
}

// ClearWaitTerminate removes any bound waiter.
func (p *Process) ClearWaitTerminate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waiter = nil
}

// SetExitStatus records the process's exit status and signals any
// bound waiter exactly once.
func (p *Process) SetExitStatus(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.exited = true
	p.exitStatus = status
	if p.waiter != nil {
		p.waiter.Signal()
	}
}

// ExitStatus returns the recorded exit status and whether the process
// has exited.
func (p *Process) ExitStatus() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitStatus, p.exited
}

// PutObject/GetObject implement the process-local object bag.
func (p *Process) PutObject(key, val any) { p.objects.Store(key, val) }
func (p *Process) GetObject(key any) (any, bool) { return p.objects.Load(key) }

// SharedBlock is the small immutable identity block every owner of a
// Thread can read without taking the scheduler lock: TID, name,
// process, and the completion event fired on thread exit.
type SharedBlock struct {
	TID        TID
	Name       string
	Process    *Process
	Completion ksync.EventChannel
}

// Thread is §3's Thread record. Threads are singly-owned: at any
// instant exactly one of {current-CPU pointer, run queue, a wait
// queue, a sleep object} holds the pointer; ownership transfer is
// always an explicit move performed by the Scheduler.
type Thread struct {
	Shared *SharedBlock

	state    RunState
	exitCode int

	// waitQueue/sleepObj record *why* the thread is blocked, purely for
	// diagnostics; the actual queueing data structure owns the pointer.
	waitQueue  *ksync.WaitQueue
	sleepObj   *ksync.SleepObject

	fn func()

	next *Thread // intrusive run-queue link
}

// NewBoxed builds a fresh thread for the given process, ready to run
// fn as its body once started (§4.4).
func NewBoxed(name string, proc *Process, fn func()) *Thread {
	return &Thread{
		Shared: &SharedBlock{TID: allocTID(), Name: name, Process: proc},
		state:  Runnable,
		fn:     fn,
	}
}

// State returns the thread's current run state.
func (t *Thread) State() RunState { return t.state }

// ExitCode returns the thread's exit code; only meaningful once State
// is Dead.
func (t *Thread) ExitCode() int { return t.exitCode }
