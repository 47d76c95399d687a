package ksync

import "sync"

// RwLock implements §4.3's writer-priority reader/writer lock and the
// §8 invariant: reader_count >= 0 implies no writer active,
// reader_count == -1 implies exactly one writer and zero readers.
// Grounded on the original kernel's Core/sync/rwlock.rs, which this
// spec's wake policy is distilled from: a released write lock wakes
// either one other queued writer or, failing that, every queued
// reader in one bulk wake; a released read lock wakes one queued
// writer if the count just dropped to zero.
type RwLock struct {
	mu          sync.Mutex
	readerCount int32 // >0 shared, -1 exclusive, 0 idle
	readerQ     WaitQueue
	writerQ     WaitQueue
}

// RLock acquires a shared (reader) hold. New readers wait if a writer
// is active or a writer is already queued (writer priority).
func (l *RwLock) RLock() {
	l.mu.Lock()
	if l.readerCount < 0 || l.writerQ.HasWaiter() {
		l.readerQ.Wait(l.mu.Unlock)
		return
	}
	l.readerCount++
	l.mu.Unlock()
}

// TryRLock attempts a non-blocking shared acquire.
func (l *RwLock) TryRLock() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readerCount < 0 || l.writerQ.HasWaiter() {
		return false
	}
	l.readerCount++
	return true
}

// RUnlock releases one shared hold. If this was the last reader and a
// writer is queued, it is woken and granted exclusive ownership.
func (l *RwLock) RUnlock() {
	l.mu.Lock()
	if l.readerCount <= 0 {
		l.mu.Unlock()
		panic("ksync: RUnlock with no active readers")
	}
	l.readerCount--
	if l.readerCount == 0 && l.writerQ.WakeOne() {
		l.readerCount = -1
	}
	l.mu.Unlock()
}

// Lock acquires an exclusive (writer) hold.
func (l *RwLock) Lock() {
	l.mu.Lock()
	if l.readerCount != 0 {
		l.writerQ.Wait(l.mu.Unlock)
		return
	}
	l.readerCount = -1
	l.mu.Unlock()
}

// TryLock attempts a non-blocking exclusive acquire.
func (l *RwLock) TryLock() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readerCount != 0 {
		return false
	}
	l.readerCount = -1
	return true
}

// Unlock releases an exclusive hold. It prefers waking one other
// queued writer (transferring ownership directly); failing that it
// wakes every queued reader in one bulk pass, crediting readerCount
// for each.
func (l *RwLock) Unlock() {
	l.mu.Lock()
	if l.readerCount != -1 {
		l.mu.Unlock()
		panic("ksync: Unlock with no active writer")
	}
	if l.writerQ.WakeOne() {
		l.mu.Unlock()
		return
	}
	if l.readerQ.HasWaiter() {
		l.readerCount = 0
		for l.readerQ.WakeOne() {
			l.readerCount++
		}
		l.mu.Unlock()
		return
	}
	l.readerCount = 0
	l.mu.Unlock()
}

// ReaderCount exposes the raw counter for the §8 invariant tests.
func (l *RwLock) ReaderCount() int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readerCount
}
