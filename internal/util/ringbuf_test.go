package util

import "testing"

func TestRingBufferKeepsNewest(t *testing.T) {
	r := NewRingBuffer[int](3)

	if got := r.Snapshot(); len(got) != 0 {
		t.Fatalf("empty buffer snapshot = %v", got)
	}

	r.Push(1)
	r.Push(2)
	if got := r.Snapshot(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("snapshot = %v", got)
	}

	r.Push(3)
	r.Push(4)
	r.Push(5)
	got := r.Snapshot()
	if len(got) != 3 || got[0] != 3 || got[1] != 4 || got[2] != 5 {
		t.Fatalf("snapshot after overflow = %v, want [3 4 5]", got)
	}
}

func TestRingBufferSnapshotIsACopy(t *testing.T) {
	r := NewRingBuffer[int](2)
	r.Push(1)

	snap := r.Snapshot()
	snap[0] = 99

	if got := r.Snapshot(); got[0] != 1 {
		t.Fatal("snapshot aliases internal buffer")
	}
}
