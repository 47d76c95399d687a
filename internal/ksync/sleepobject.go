package ksync

import "sync"

// SleepObject is a single-target wakeup latch (§3, §4.3): bindable to
// multiple event sources, each of which calls Signal at most once per
// bind. A SleepObjectRef identifies the object to an event source
// without granting it ownership, mirroring the weak back-reference the
// spec describes.
type SleepObject struct {
	mu       sync.Mutex
	signaled bool
	ready    chan struct{}
	source   *SleepObjectRef // the source that last signaled
}

// NewSleepObject constructs a fresh, unsignaled SleepObject.
func NewSleepObject() *SleepObject {
	return &SleepObject{ready: make(chan struct{}, 1)}
}

// SleepObjectRef is the weak handle an event source holds to identify
// which SleepObject it should signal.
type SleepObjectRef struct {
	target *SleepObject
	tag    string
}

// Ref returns a reference event sources can Signal through, tagged
// with a human-readable source name for IsFrom matching.
func (s *SleepObject) Ref(tag string) *SleepObjectRef {
	return &SleepObjectRef{target: s, tag: tag}
}

// Signal wakes the bound SleepObject at most once; redundant signals
// from the same source are no-ops until the object is waited on and
// cleared again.
func (r *SleepObjectRef) Signal() {
	s := r.target
	s.mu.Lock()
	if !s.signaled {
		s.signaled = true
		s.source = r
		select {
		case s.ready <- struct{}{}:
		default:
		}
	}
	s.mu.Unlock()
}

// IsFrom reports whether this reference was created with the given
// source tag.
func (r *SleepObjectRef) IsFrom(tag string) bool { return r.tag == tag }

// Wait blocks until signaled, then clears the latch.
func (s *SleepObject) Wait() {
	<-s.ready
	s.mu.Lock()
	s.signaled = false
	s.mu.Unlock()
}

// Signaled reports whether the object currently holds a pending
// signal without consuming it.
func (s *SleepObject) Signaled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signaled
}

// SleepObjectSet holds many SleepObjects and supports broadcast
// signaling to all of them (§3); it has no wait-for-any operation.
type SleepObjectSet struct {
	mu      sync.Mutex
	members []*SleepObject
}

// Add registers obj as a member of the set.
func (set *SleepObjectSet) Add(obj *SleepObject) {
	set.mu.Lock()
	set.members = append(set.members, obj)
	set.mu.Unlock()
}

// Remove drops obj from the set.
func (set *SleepObjectSet) Remove(obj *SleepObject) {
	set.mu.Lock()
	defer set.mu.Unlock()
	for i, m := range set.members {
		if m == obj {
			set.members = append(set.members[:i], set.members[i+1:]...)
			return
		}
	}
}

// Signal broadcasts a signal to every member of the set, tagged with
// the given source name.
func (set *SleepObjectSet) Signal(tag string) {
	set.mu.Lock()
	members := append([]*SleepObject(nil), set.members...)
	set.mu.Unlock()
	for _, m := range members {
		m.Ref(tag).Signal()
	}
}

// Len reports the current membership count.
func (set *SleepObjectSet) Len() int {
	set.mu.Lock()
	defer set.mu.Unlock()
	return len(set.members)
}
