package thread

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kernelcore/internal/ksync"
)

// TestThreadJoin implements §8 scenario 2: start a thread that stores
// 1, sleeps briefly, then stores 2; joining observes x==2, and a
// second concurrent joiner unblocks at the same instant.
func TestThreadJoin(t *testing.T) {
	s := NewScheduler()
	var x int32
	th := NewBoxed("worker", nil, func() {
		atomic.StoreInt32(&x, 1)
		time.Sleep(10 * time.Millisecond)
		atomic.StoreInt32(&x, 2)
	})
	handle := s.StartThread(th)

	done1 := make(chan struct{})
	done2 := make(chan struct{})
	go func() { handle.Join(); close(done1) }()
	go func() { handle.Join(); close(done2) }()

	for _, ch := range []chan struct{}{done1, done2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("joiner never unblocked")
		}
	}
	require.EqualValues(t, 2, atomic.LoadInt32(&x))
	require.Equal(t, Dead, th.State())
}

func TestProcessExitSignalsBoundWaiter(t *testing.T) {
	p := NewProcess("proc-a", nil)
	obj := ksync.NewSleepObject()
	ref := obj.Ref("proc-exit")
	p.BindWaitTerminate(ref)
	p.SetExitStatus(7)
	obj.Wait()
	status, exited := p.ExitStatus()
	require.True(t, exited)
	require.Equal(t, 7, status)
}

func TestPIDsAreMonotonicAndDistinct(t *testing.T) {
	p1 := NewProcess("a", nil)
	p2 := NewProcess("b", nil)
	require.NotEqual(t, p1.PID, p2.PID)
	require.Less(t, p1.PID, p2.PID)
}
