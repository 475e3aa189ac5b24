// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coreheap

import (
	"testing"
	"unsafe"
)

func unsafeByteSlice(ptr uintptr, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), size)
}

func TestBigAllocFreeRoundTrip(t *testing.T) {
	h := NewHeap()
	size := ZoneLimit + 1024
	ptr, err := h.bigAlloc(size, allocFlags{})
	if err != nil {
		t.Fatal(err)
	}
	if ptr == 0 {
		t.Fatal("bigAlloc returned a nil pointer")
	}
	if rec := h.findBigRecord(ptr); rec == nil {
		t.Fatal("allocated big pointer not present in the bigalloc hash")
	}
	if n, ok := h.bigUsableSize(ptr); !ok || n < size {
		t.Fatalf("bigUsableSize = (%d, %v), want >= %d, true", n, ok, size)
	}
	h.bigFree(ptr)
	if rec := h.findBigRecord(ptr); rec != nil {
		t.Fatal("freed big pointer still present in the bigalloc hash")
	}
}

func TestBigCacheReuse(t *testing.T) {
	h := NewHeap()
	size := 64 << 10 // well under BigCacheLimit
	ptr1, err := h.bigAlloc(size, allocFlags{})
	if err != nil {
		t.Fatal(err)
	}
	mmapsBefore := h.stats.mmaps.Load()
	h.bigFree(ptr1)

	ptr2, err := h.bigAlloc(size, allocFlags{})
	if err != nil {
		t.Fatal(err)
	}
	if ptr2 != ptr1 {
		t.Fatalf("expected the bigcache to hand back the just-freed mapping: got %#x, want %#x", ptr2, ptr1)
	}
	if h.stats.mmaps.Load() != mmapsBefore {
		t.Fatalf("bigcache hit should not have called into the VM adapter again: mmaps %d -> %d", mmapsBefore, h.stats.mmaps.Load())
	}
	if h.stats.bigCacheHits.Load() != 1 {
		t.Fatalf("bigCacheHits = %d, want 1", h.stats.bigCacheHits.Load())
	}
	h.bigFree(ptr2)
}

func TestBigReallocGrowsInPlaceOrCopies(t *testing.T) {
	h := NewHeap()
	size := ZoneLimit + 4096
	ptr, err := h.bigAlloc(size, allocFlags{})
	if err != nil {
		t.Fatal(err)
	}
	b := unsafeByteSlice(ptr, size)
	for i := range b {
		b[i] = byte(i)
	}

	newPtr, err := h.bigRealloc(ptr, size+4096)
	if err != nil {
		t.Fatal(err)
	}
	nb := unsafeByteSlice(newPtr, size)
	for i := range nb {
		if nb[i] != byte(i) {
			t.Fatalf("byte %d corrupted across realloc: got %d, want %d", i, nb[i], byte(i))
		}
	}
	h.bigFree(newPtr)
}

// A fresh bigalloc whose mapped size exceeds its requested (active)
// size carries excess from the moment it is inserted; freeing it
// credits that same excess back out. Round-tripping one must leave the
// counter at exactly 0, never drift negative from crediting on free an
// amount that was never debited on alloc.
func TestExcessAllocRoundTripsToZero(t *testing.T) {
	h := NewHeap()
	size := ZoneLimit + 1024 // not a page multiple -> bytes > active
	ptr, err := h.bigAlloc(size, allocFlags{})
	if err != nil {
		t.Fatal(err)
	}
	if got := h.stats.excessAlloc.Load(); got <= 0 {
		t.Fatalf("excess_alloc after a non-page-aligned bigAlloc = %d, want > 0", got)
	}
	h.bigFree(ptr)
	if got := h.stats.excessAlloc.Load(); got != 0 {
		t.Fatalf("excess_alloc after freeing the only big allocation = %d, want 0", got)
	}
}

// Reusing a bigcache entry must also leave excess_alloc correctly
// accounted: its contribution is zeroed on free (even though the
// mapping stays resident in the cache) and must be credited back in
// full, not as a delta against the cached record's stale (bytes,
// active) pair from its previous life.
func TestExcessAllocCorrectAfterBigCacheReuse(t *testing.T) {
	h := NewHeap()
	size1 := 64 << 10
	ptr1, err := h.bigAlloc(size1, allocFlags{})
	if err != nil {
		t.Fatal(err)
	}
	h.bigFree(ptr1)
	if got := h.stats.excessAlloc.Load(); got != 0 {
		t.Fatalf("excess_alloc after freeing into the bigcache = %d, want 0", got)
	}

	size2 := size1 - 4096 // smaller active size than the cached mapping
	ptr2, err := h.bigAlloc(size2, allocFlags{})
	if err != nil {
		t.Fatal(err)
	}
	if ptr2 != ptr1 {
		t.Fatalf("expected bigcache reuse: got %#x, want %#x", ptr2, ptr1)
	}
	rec := h.findBigRecord(ptr2)
	want := int64(rec.bytes - rec.active)
	if got := h.stats.excessAlloc.Load(); got != want {
		t.Fatalf("excess_alloc after bigcache reuse = %d, want %d (bytes=%d active=%d)", got, want, rec.bytes, rec.active)
	}
	h.bigFree(ptr2)
	if got := h.stats.excessAlloc.Load(); got != 0 {
		t.Fatalf("excess_alloc after freeing the reused record = %d, want 0", got)
	}
}

func TestExcessReclamation(t *testing.T) {
	h := NewHeap()
	size := BigCacheExcess + ZoneLimit
	ptr, err := h.bigAlloc(size, allocFlags{})
	if err != nil {
		t.Fatal(err)
	}
	// Shrink active far below bytes without triggering a sweep yet.
	rec := h.findBigRecord(ptr)
	h.setBigSize(rec, rec.bytes, 4096)

	h.maybeSweepExcess()
	if rec.bytes != roundup(4096, PageSize) {
		t.Fatalf("sweep did not trim bytes down to active: bytes=%d", rec.bytes)
	}
	if h.stats.excessAlloc.Load() != 0 {
		t.Fatalf("excess_alloc should be back to 0 after a full sweep, got %d", h.stats.excessAlloc.Load())
	}
	h.bigFree(ptr)
}
