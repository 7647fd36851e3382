// Package heaptest loads the VM snapshots stored in _fixtures for use in
// tests.
package heaptest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-delve/asyncstack/pkg/remote"
	"github.com/go-delve/asyncstack/pkg/remote/heap"
)

// FindFixturesDir will search for the directory holding all test fixtures
// beginning with the current directory and searching up 10 directories.
func FindFixturesDir() string {
	parent := ".."
	fixturesDir := "_fixtures"
	for depth := 0; depth < 10; depth++ {
		if _, err := os.Stat(fixturesDir); err == nil {
			break
		}
		fixturesDir = filepath.Join(parent, fixturesDir)
	}
	return fixturesDir
}

// FixturePath returns the path of the snapshot called name.
func FixturePath(name string) string {
	return filepath.Join(FindFixturesDir(), name+".yml")
}

// LoadFixture builds a VM from the snapshot called name.
func LoadFixture(t testing.TB, name string) *heap.VM {
	t.Helper()
	vm, err := heap.LoadSnapshot(FixturePath(name))
	if err != nil {
		t.Fatalf("could not load fixture %s: %v", name, err)
	}
	return vm
}

// ThreadNamed returns the thread called name.
func ThreadNamed(t testing.TB, vm remote.VM, name string) remote.Thread {
	t.Helper()
	threads, err := vm.Threads()
	if err != nil {
		t.Fatalf("Threads: %v", err)
	}
	for _, th := range threads {
		if th.Name == name {
			return th
		}
	}
	t.Fatalf("no thread called %q", name)
	return remote.Thread{}
}

// Frame returns frame n of thread, 0 being the innermost.
func Frame(t testing.TB, vm remote.VM, thread remote.Thread, n int) *remote.StackFrame {
	t.Helper()
	frames, err := vm.Frames(thread.ID)
	if err != nil {
		t.Fatalf("Frames(%s): %v", thread.Name, err)
	}
	if n >= len(frames) {
		t.Fatalf("thread %s has only %d frames", thread.Name, len(frames))
	}
	return &frames[n]
}
