package ksync

import "sync"

// EventChannel is a level-triggered single-flag wakeup primitive
// (§4.3, GLOSSARY): Post sets the flag and wakes one waiter; Sleep
// clears the flag and returns immediately if it was set, otherwise
// blocks until a Post arrives.
type EventChannel struct {
	mu      sync.Mutex
	set     bool
	latched bool
	q       WaitQueue
}

// Post sets the flag and wakes one sleeper.
func (e *EventChannel) Post() {
	e.mu.Lock()
	if e.q.WakeOne() {
		// Ownership (the flag) transfers directly to the woken sleeper;
		// leave `set` false.
		e.mu.Unlock()
		return
	}
	e.set = true
	e.mu.Unlock()
}

// Sleep clears the flag and returns if it was set; otherwise blocks
// until Post is called.
func (e *EventChannel) Sleep() {
	e.mu.Lock()
	if e.latched || e.set {
		e.set = false
		e.mu.Unlock()
		return
	}
	e.q.Wait(e.mu.Unlock)
}

// Latch permanently sets the flag and wakes every current waiter. It
// is the variant used for one-shot terminal events (thread/process
// completion, §4.4's ThreadHandle) where every past and future Sleep
// must observe the event as having happened, rather than the
// single-consumer handoff Post provides.
func (e *EventChannel) Latch() {
	e.mu.Lock()
	e.latched = true
	e.set = false
	e.q.WakeAll()
	e.mu.Unlock()
}
