package shm

import (
	"errors"
	"math/rand/v2"
	"testing"
)

func checkInvariant(t *testing.T, a *Allocator) Stats {
	t.Helper()
	st := a.Stats()
	if st.Allocated+st.Free != st.Total {
		t.Fatalf("allocated %d + free %d != total %d", st.Allocated, st.Free, st.Total)
	}
	return st
}

func TestAllocFirstFitAndSplit(t *testing.T) {
	a, err := NewHeap(4096, 0)
	if err != nil {
		t.Fatalf("NewHeap: %v", err)
	}

	b1, err := a.Alloc(100)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if b1.Offset != HeaderSize+BlockHeaderSize {
		t.Errorf("first block offset = %d, want %d", b1.Offset, HeaderSize+BlockHeaderSize)
	}
	b2, err := a.Alloc(100)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if b2.Offset <= b1.Offset {
		t.Errorf("second block at %d, not after first at %d", b2.Offset, b1.Offset)
	}

	st := checkInvariant(t, a)
	if st.FreeBlocks != 1 {
		t.Errorf("FreeBlocks = %d, want 1", st.FreeBlocks)
	}

	// Freeing the first block leaves a hole that the next fitting
	// request reuses.
	if err := a.Free(b1); err != nil {
		t.Fatalf("Free: %v", err)
	}
	b3, err := a.Alloc(50)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if b3.Offset != b1.Offset {
		t.Errorf("first fit offset = %d, want %d", b3.Offset, b1.Offset)
	}
	checkInvariant(t, a)
}

func TestFreeCoalesces(t *testing.T) {
	a, err := NewHeap(4096, 0)
	if err != nil {
		t.Fatalf("NewHeap: %v", err)
	}

	var blocks []Block
	for range 4 {
		b, err := a.Alloc(200)
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		blocks = append(blocks, b)
	}

	// Free out of order: 1, 3, then 2 bridges them, then 0 joins the run.
	for _, i := range []int{1, 3, 2, 0} {
		if err := a.Free(blocks[i]); err != nil {
			t.Fatalf("Free(%d): %v", i, err)
		}
		checkInvariant(t, a)
	}

	st := a.Stats()
	if st.FreeBlocks != 1 {
		t.Errorf("FreeBlocks = %d after freeing everything, want 1", st.FreeBlocks)
	}
	if st.Allocated != 0 {
		t.Errorf("Allocated = %d, want 0", st.Allocated)
	}

	// The whole arena is usable again.
	if _, err := a.Alloc(st.Total - BlockHeaderSize); err != nil {
		t.Errorf("Alloc of whole arena after coalescing: %v", err)
	}
}

func TestAllocFailure(t *testing.T) {
	a, err := NewHeap(256, 0)
	if err != nil {
		t.Fatalf("NewHeap: %v", err)
	}
	if _, err := a.Alloc(1 << 20); !errors.Is(err, ErrAllocFailed) {
		t.Errorf("oversized Alloc error = %v, want ErrAllocFailed", err)
	}
	if _, err := a.Alloc(200); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if _, err := a.Alloc(200); !errors.Is(err, ErrAllocFailed) {
		t.Errorf("Alloc on full arena error = %v, want ErrAllocFailed", err)
	}
	checkInvariant(t, a)
}

func TestFreeRejectsBadBlocks(t *testing.T) {
	a, err := NewHeap(1024, 0)
	if err != nil {
		t.Fatalf("NewHeap: %v", err)
	}
	b, err := a.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := a.Free(b); err != nil {
		t.Fatalf("Free: %v", err)
	}

	tests := []struct {
		name string
		b    Block
	}{
		{"double free", b},
		{"inside header", Block{Offset: 8}},
		{"past arena", Block{Offset: 1 << 20}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := a.Free(tt.b); !errors.Is(err, ErrInvalidBlock) {
				t.Errorf("Free error = %v, want ErrInvalidBlock", err)
			}
		})
	}
	checkInvariant(t, a)
}

func TestRandomAllocFreeKeepsTotal(t *testing.T) {
	a, err := NewHeap(64<<10, 0)
	if err != nil {
		t.Fatalf("NewHeap: %v", err)
	}
	total := a.Stats().Total
	rng := rand.New(rand.NewPCG(1, 2))

	var live []Block
	for i := range 5000 {
		if len(live) > 0 && rng.IntN(3) == 0 {
			j := rng.IntN(len(live))
			if err := a.Free(live[j]); err != nil {
				t.Fatalf("step %d: Free: %v", i, err)
			}
			live = append(live[:j], live[j+1:]...)
		} else {
			b, err := a.Alloc(uint64(rng.IntN(2000)))
			if err == nil {
				live = append(live, b)
			} else if !errors.Is(err, ErrAllocFailed) {
				t.Fatalf("step %d: Alloc: %v", i, err)
			}
		}

		st := checkInvariant(t, a)
		if st.Total != total {
			t.Fatalf("step %d: total changed from %d to %d", i, total, st.Total)
		}
	}

	for _, b := range live {
		if err := a.Free(b); err != nil {
			t.Fatalf("Free: %v", err)
		}
	}
	if st := checkInvariant(t, a); st.FreeBlocks != 1 {
		t.Errorf("FreeBlocks = %d after freeing everything, want 1", st.FreeBlocks)
	}
}

func TestBlocksDoNotOverlap(t *testing.T) {
	a, err := NewHeap(8192, 0)
	if err != nil {
		t.Fatalf("NewHeap: %v", err)
	}

	var blocks []Block
	for i := range 20 {
		b, err := a.Alloc(uint64(10 + i*7))
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		data, err := a.Bytes(b.Offset, b.Size)
		if err != nil {
			t.Fatalf("Bytes: %v", err)
		}
		for j := range data {
			data[j] = byte(i)
		}
		blocks = append(blocks, b)
	}
	for i, b := range blocks {
		data, _ := a.Bytes(b.Offset, b.Size)
		for _, v := range data {
			if v != byte(i) {
				t.Fatalf("block %d overwritten", i)
			}
		}
	}
	checkInvariant(t, a)
}

func TestNextRegionID(t *testing.T) {
	a, err := NewHeap(256, 0)
	if err != nil {
		t.Fatalf("NewHeap: %v", err)
	}
	if id := a.NextRegionID(); id != 1 {
		t.Errorf("first id = %d, want 1", id)
	}
	if id := a.NextRegionID(); id != 2 {
		t.Errorf("second id = %d, want 2", id)
	}
}

func TestRetainDefersFree(t *testing.T) {
	a, err := NewHeap(1024, 0)
	if err != nil {
		t.Fatalf("NewHeap: %v", err)
	}
	b, err := a.Alloc(100)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	for range 2 {
		if err := a.Retain(b); err != nil {
			t.Fatalf("Retain: %v", err)
		}
	}

	for i := range 2 {
		if err := a.Free(b); err != nil {
			t.Fatalf("Free %d: %v", i, err)
		}
		if st := a.Stats(); st.Allocated == 0 {
			t.Fatalf("block released after %d of 3 frees", i+1)
		}
	}
	if err := a.Free(b); err != nil {
		t.Fatalf("last Free: %v", err)
	}
	if st := checkInvariant(t, a); st.Allocated != 0 {
		t.Errorf("Allocated = %d after last reference, want 0", st.Allocated)
	}
	if err := a.Retain(b); !errors.Is(err, ErrInvalidBlock) {
		t.Errorf("Retain of freed block error = %v, want ErrInvalidBlock", err)
	}
}
