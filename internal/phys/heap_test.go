package phys

import "testing"

func TestFixedHeapAllocFirstFit(t *testing.T) {
	h := NewFixedHeap(256)
	a := h.Alloc(64)
	b := h.Alloc(64)
	if a == nil || b == nil {
		t.Fatal("expected both allocations to succeed")
	}
	if &a[0] == &b[0] {
		t.Fatal("allocations must not overlap")
	}
	largest, total := h.Stats()
	if total != 128 {
		t.Fatalf("totalFree = %d, want 128", total)
	}
	if largest != 128 {
		t.Fatalf("largestFree = %d, want 128 (one coalesced remainder)", largest)
	}
}

func TestFixedHeapFreeCoalescesNeighbours(t *testing.T) {
	h := NewFixedHeap(256)
	a := h.Alloc(64)
	b := h.Alloc(64)
	h.Free(a)
	h.Free(b)
	largest, total := h.Stats()
	if total != 256 || largest != 256 {
		t.Fatalf("after freeing both chunks, got largest=%d total=%d, want 256/256", largest, total)
	}
}

func TestFixedHeapFreeDoubleFreePanics(t *testing.T) {
	h := NewFixedHeap(64)
	a := h.Alloc(32)
	h.Free(a)
	defer func() {
		if recover() == nil {
			t.Fatal("expected double free to panic")
		}
	}()
	h.Free(a)
}

func TestFixedHeapReuseAfterFreeDoesNotFragment(t *testing.T) {
	h := NewFixedHeap(128)
	a := h.Alloc(64)
	h.Free(a)
	b := h.Alloc(32)
	if b == nil {
		t.Fatal("expected reuse of freed space")
	}
	sizes := h.FreeChunkSizes()
	if len(sizes) != 1 || sizes[0] != 96 {
		t.Fatalf("FreeChunkSizes = %v, want a single 96-byte chunk (no fragmentation growth)", sizes)
	}
}

func TestFixedHeapReallocGrowsByCopy(t *testing.T) {
	h := NewFixedHeap(128)
	a := h.Alloc(16)
	copy(a, []byte("hello world12345"))
	b := h.Realloc(a, 64)
	if b == nil {
		t.Fatal("expected realloc to succeed")
	}
	if string(b[:11]) != "hello world" {
		t.Fatalf("realloc lost contents: %q", b[:11])
	}
}
