package kmetrics

import (
	"bytes"
	"testing"
)

func TestDumpGoroutinesWritesProfile(t *testing.T) {
	var buf bytes.Buffer
	if err := DumpGoroutines(&buf); err != nil {
		t.Fatal(err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected non-empty goroutine profile")
	}
}

func TestSnapshotString(t *testing.T) {
	s := Snapshot{LiveThreads: 3, HeapArenaLen: 4096, HeapFreeBlocks: 2, TCPConnections: 1, GUIWindows: 5}
	got := s.String()
	want := "threads=3 heap_arena=4096 heap_free_blocks=2 tcp_conns=1 gui_windows=5"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
