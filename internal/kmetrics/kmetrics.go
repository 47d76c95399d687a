// Package kmetrics replaces the teacher's Stats/Timing/Rdtsc globals
// with on-demand pprof profile dumps -- counters live where they're
// produced (scheduler live-thread count, heap arena size, connection
// table size); this package only owns capturing a point-in-time
// profile for diagnostics.
package kmetrics

import (
	"fmt"
	"io"
	"runtime"
	"runtime/pprof"
)

// DumpGoroutines writes a pprof-format goroutine profile to w, the
// hosted-build stand-in for a hardware Rdtsc/cycle-counter snapshot:
// both exist to answer "what is every schedulable unit doing right
// now".
func DumpGoroutines(w io.Writer) error {
	return pprof.Lookup("goroutine").WriteTo(w, 2)
}

// DumpHeap writes a pprof-format heap profile of the host process
// itself (not the simulated kernel heap in internal/heap, which
// exposes its own FreeBlocks/ArenaLen introspection).
func DumpHeap(w io.Writer) error {
	runtime.GC()
	return pprof.Lookup("heap").WriteTo(w, 0)
}

// Snapshot is a point-in-time summary of the simulated kernel's own
// counters, gathered from each subsystem rather than from pprof.
type Snapshot struct {
	LiveThreads   int
	HeapArenaLen  int
	HeapFreeBlocks int
	TCPConnections int
	GUIWindows    int
}

// String renders the snapshot for log lines or the kernelctl CLI.
func (s Snapshot) String() string {
	return fmt.Sprintf("threads=%d heap_arena=%d heap_free_blocks=%d tcp_conns=%d gui_windows=%d",
		s.LiveThreads, s.HeapArenaLen, s.HeapFreeBlocks, s.TCPConnections, s.GUIWindows)
}
