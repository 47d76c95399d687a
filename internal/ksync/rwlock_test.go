package ksync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRwLockBasicShared(t *testing.T) {
	var l RwLock
	l.RLock()
	l.RLock()
	assert.EqualValues(t, 2, l.ReaderCount())
	l.RUnlock()
	l.RUnlock()
	assert.EqualValues(t, 0, l.ReaderCount())
}

func TestRwLockExclusiveExcludesReaders(t *testing.T) {
	var l RwLock
	l.Lock()
	assert.EqualValues(t, -1, l.ReaderCount())
	assert.False(t, l.TryRLock())
	l.Unlock()
	assert.EqualValues(t, 0, l.ReaderCount())
}

// TestRwLockWriterPriority asserts new readers queue behind a pending
// writer instead of jumping ahead of it (§4.3, §8).
func TestRwLockWriterPriority(t *testing.T) {
	var l RwLock
	l.RLock() // first reader active

	writerAcquired := make(chan struct{})
	go func() {
		l.Lock() // queues: reader active
		close(writerAcquired)
	}()
	time.Sleep(20 * time.Millisecond) // let the writer enqueue

	readerBlocked := make(chan struct{})
	go func() {
		l.RLock() // must queue behind the writer, not jump ahead
		close(readerBlocked)
	}()
	time.Sleep(20 * time.Millisecond)

	select {
	case <-readerBlocked:
		t.Fatal("second reader acquired before queued writer")
	default:
	}

	l.RUnlock() // release first reader; writer should now be granted
	select {
	case <-writerAcquired:
	case <-time.After(time.Second):
		t.Fatal("writer never acquired")
	}

	l.Unlock() // writer releases; queued reader wakes
	select {
	case <-readerBlocked:
	case <-time.After(time.Second):
		t.Fatal("queued reader never woken after writer release")
	}
	l.RUnlock()
}

func TestWaitQueueWakeOrder(t *testing.T) {
	var q WaitQueue
	var mu sleepLock
	order := make(chan int, 2)

	go func() {
		mu.Lock()
		q.Wait(mu.Unlock)
		order <- 1
	}()
	time.Sleep(10 * time.Millisecond)
	go func() {
		mu.Lock()
		q.Wait(mu.Unlock)
		order <- 2
	}()
	time.Sleep(10 * time.Millisecond)

	require.True(t, q.WakeOne())
	require.Equal(t, 1, <-order)
	require.True(t, q.WakeOne())
	require.Equal(t, 2, <-order)
}

// sleepLock is a trivial sync.Mutex-alike used only to exercise
// WaitQueue.Wait's unlock-then-park contract in isolation.
type sleepLock struct{ ch chan struct{} }

func (s *sleepLock) Lock() {
	if s.ch == nil {
		s.ch = make(chan struct{}, 1)
	}
	s.ch <- struct{}{}
}
func (s *sleepLock) Unlock() { <-s.ch }
