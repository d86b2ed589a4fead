package heap_test

import (
	"errors"
	"testing"

	"github.com/vulcan-os/vulcan/internal/kernel/mem/heap"
)

// fakeMapper backs the heap with a plain Go slice, standing in for mem/pmm + mem/vmm.
type fakeMapper struct {
	grown int
}

func (f *fakeMapper) Grow(n int) (uint64, error) {
	f.grown += n
	return uint64(n) * 4096, nil
}

func newHeap(t *testing.T, size uint64) *heap.Heap {
	t.Helper()

	h := heap.New(&fakeMapper{})
	if err := h.Init(size); err != nil {
		t.Fatalf("init: %s", err)
	}

	return h
}

// TestHeapStress allocates and frees a mix of block sizes and checks the heap stays consistent.
func TestHeapStress(t *testing.T) {
	h := newHeap(t, 16*1024*1024)

	p1, err := h.Alloc(64)
	if err != nil {
		t.Fatalf("alloc p1: %s", err)
	}

	p2, err := h.Alloc(128)
	if err != nil {
		t.Fatalf("alloc p2: %s", err)
	}

	p3, err := h.Alloc(10 * 4) // 10 * sizeof(int)
	if err != nil {
		t.Fatalf("alloc p3: %s", err)
	}

	copy(h.Bytes(p1, 5), []byte("Hello"))
	copy(h.Bytes(p2, 5), []byte("World"))

	ints := h.Bytes(p3, 40)
	for i := 0; i < 10; i++ {
		ints[i*4] = byte(i)
	}

	if string(h.Bytes(p1, 5)) != "Hello" {
		t.Errorf("p1: want Hello, got %q", h.Bytes(p1, 5))
	}

	if string(h.Bytes(p2, 5)) != "World" {
		t.Errorf("p2: want World, got %q", h.Bytes(p2, 5))
	}

	if err := h.Free(p1); err != nil {
		t.Fatalf("free p1: %s", err)
	}

	if err := h.Free(p2); err != nil {
		t.Fatalf("free p2: %s", err)
	}

	if err := h.Free(p3); err != nil {
		t.Fatalf("free p3: %s", err)
	}

	if got := h.Stats().Used; got != 0 {
		t.Errorf("used: want 0, got %d", got)
	}

	if err := h.Check(); err != nil {
		t.Errorf("integrity check: %s", err)
	}
}

func TestReallocNullIsAlloc(t *testing.T) {
	h := newHeap(t, 4096)

	p, err := h.Realloc(0, 32)
	if err != nil {
		t.Fatalf("realloc(NULL, 32): %s", err)
	}

	if p == 0 {
		t.Error("expected non-NULL pointer")
	}
}

func TestReallocZeroIsFree(t *testing.T) {
	h := newHeap(t, 4096)

	p, err := h.Alloc(32)
	if err != nil {
		t.Fatal(err)
	}

	got, err := h.Realloc(p, 0)
	if err != nil {
		t.Fatalf("realloc(p, 0): %s", err)
	}

	if got != 0 {
		t.Errorf("want NULL, got %d", got)
	}

	if err := h.Free(p); !errors.Is(err, heap.ErrDoubleFree) {
		t.Errorf("want ErrDoubleFree for already-freed block, got %v", err)
	}
}

func TestReallocGrowsAndPreservesContent(t *testing.T) {
	h := newHeap(t, 4096)

	p, err := h.Alloc(8)
	if err != nil {
		t.Fatal(err)
	}

	copy(h.Bytes(p, 8), []byte("12345678"))

	p2, err := h.Realloc(p, 256)
	if err != nil {
		t.Fatalf("realloc grow: %s", err)
	}

	if string(h.Bytes(p2, 8)) != "12345678" {
		t.Errorf("content not preserved across realloc: got %q", h.Bytes(p2, 8))
	}
}

func TestFreeNullIsNoop(t *testing.T) {
	h := newHeap(t, 4096)

	if err := h.Free(0); err != nil {
		t.Errorf("free(NULL): want nil, got %v", err)
	}
}

func TestDoubleFreeDetected(t *testing.T) {
	h := newHeap(t, 4096)

	p, err := h.Alloc(16)
	if err != nil {
		t.Fatal(err)
	}

	if err := h.Free(p); err != nil {
		t.Fatal(err)
	}

	if err := h.Free(p); !errors.Is(err, heap.ErrDoubleFree) {
		t.Errorf("want ErrDoubleFree, got %v", err)
	}
}

func TestCoalesceMergesFreedNeighbors(t *testing.T) {
	h := newHeap(t, 4096)

	p1, _ := h.Alloc(64)
	p2, _ := h.Alloc(64)
	p3, _ := h.Alloc(64)

	if err := h.Free(p1); err != nil {
		t.Fatal(err)
	}

	if err := h.Free(p2); err != nil {
		t.Fatal(err)
	}

	if err := h.Free(p3); err != nil {
		t.Fatal(err)
	}

	// After freeing all three, a subsequent large allocation should succeed from the
	// coalesced space without growing the arena.
	if err := h.Check(); err != nil {
		t.Fatalf("integrity check after coalesce: %s", err)
	}

	if _, err := h.Alloc(64 * 3); err != nil {
		t.Errorf("alloc after coalesce: %s", err)
	}
}

func TestGrowsWhenArenaExhausted(t *testing.T) {
	mapper := &fakeMapper{}
	h := heap.New(mapper)

	if err := h.Init(64); err != nil {
		t.Fatal(err)
	}

	if _, err := h.Alloc(4096); err != nil {
		t.Fatalf("alloc requiring growth: %s", err)
	}

	if mapper.grown == 0 {
		t.Error("expected mapper.Grow to be called")
	}
}

func TestUsedPlusFreeEqualsTotal(t *testing.T) {
	h := newHeap(t, 1024*1024)

	var ptrs []heap.Pointer

	for i := 0; i < 20; i++ {
		p, err := h.Alloc(uint64(16 + i*8))
		if err != nil {
			t.Fatalf("alloc %d: %s", i, err)
		}

		ptrs = append(ptrs, p)
	}

	stats := h.Stats()
	if stats.Used+stats.Free != stats.Total {
		t.Errorf("invariant violated: used(%d)+free(%d) != total(%d)", stats.Used, stats.Free, stats.Total)
	}

	for _, p := range ptrs {
		if err := h.Free(p); err != nil {
			t.Fatal(err)
		}
	}

	if err := h.Check(); err != nil {
		t.Errorf("integrity check: %s", err)
	}
}
