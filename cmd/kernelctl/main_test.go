package main

import "testing"

func TestDemoHeap(t *testing.T) {
	if err := demoHeap(); err != nil {
		t.Fatal(err)
	}
}

func TestDemoVFS(t *testing.T) {
	if err := demoVFS(); err != nil {
		t.Fatal(err)
	}
}

func TestDemoGUI(t *testing.T) {
	if err := demoGUI(); err != nil {
		t.Fatal(err)
	}
}

func TestDemoStorage(t *testing.T) {
	if err := demoStorage(); err != nil {
		t.Fatal(err)
	}
}

func TestDemoTCP(t *testing.T) {
	if err := demoTCP(); err != nil {
		t.Fatal(err)
	}
}
