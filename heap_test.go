// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coreheap

import (
	"math"
	"testing"

	"modernc.org/mathutil"
)

// Reallocating a small pointer to a size that still maps to the same
// class must return the same pointer, never alias a separate big
// allocation, and keep both pointers 8-aligned.
func TestScenario1ReallocSameClass(t *testing.T) {
	h := NewHeap()
	p1, err := h.Malloc(20)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := h.Malloc(20000)
	if err != nil {
		t.Fatal(err)
	}
	if p2 == p1 {
		t.Fatal("a small and a big allocation must not alias")
	}
	p3, err := h.Realloc(p1, 28)
	if err != nil {
		t.Fatal(err)
	}
	if p3 != p1 {
		t.Fatalf("realloc within the same class should be a no-op: p1=%#x p3=%#x", p1, p3)
	}
	if p3%8 != 0 || p2%8 != 0 {
		t.Fatalf("pointers must be 8-aligned: p3=%#x p2=%#x", p3, p2)
	}
	h.Free(p3)
	h.Free(p2)
}

// PosixMemalign must return a pointer aligned to the requested
// boundary whose usable size covers at least what was asked for.
func TestScenario2PosixMemalign(t *testing.T) {
	h := NewHeap()
	p, err := h.PosixMemalign(4096, 100)
	if err != nil {
		t.Fatal(err)
	}
	if p%4096 != 0 {
		t.Fatalf("pointer %#x not aligned to 4096", p)
	}
	if got := h.UsableSize(p); got < 100 {
		t.Fatalf("UsableSize = %d, want >= 100", got)
	}
	h.Free(p)
}

// Growing a big allocation must either extend it in place (adjacent
// grow) or move it, but either way the original bytes must survive the
// resize bitwise intact.
func TestScenario3BigRealloc(t *testing.T) {
	h := NewHeap()
	const n = 1_000_000
	p, err := h.Malloc(n)
	if err != nil {
		t.Fatal(err)
	}
	src := unsafeByteSlice(p, n)
	for i := range src {
		src[i] = byte(i)
	}

	q, err := h.Realloc(p, n+100_000)
	if err != nil {
		t.Fatal(err)
	}
	dst := unsafeByteSlice(q, n)
	for i := range dst {
		if dst[i] != byte(i) {
			t.Fatalf("byte %d corrupted across realloc growth", i)
		}
	}
	h.Free(q)
}

// A count*size product that overflows must fail with ErrCountOverflow
// and return a null pointer, never wrap around into a short allocation.
func TestScenario4CallocOverflow(t *testing.T) {
	h := NewHeap()
	p, err := h.Calloc(1<<40, 1<<40)
	if err != ErrCountOverflow {
		t.Fatalf("err = %v, want ErrCountOverflow", err)
	}
	if p != 0 {
		t.Fatalf("p = %#x, want 0", p)
	}
}

// malloc(0) must return a non-null pointer that free accepts cleanly.
func TestScenario5MallocZero(t *testing.T) {
	h := NewHeap()
	p, err := h.Malloc(0)
	if err != nil {
		t.Fatal(err)
	}
	if p == 0 {
		t.Fatal("malloc(0) must return a non-null pointer")
	}
	h.Free(p)
}

func TestCallocZerosEveryByte(t *testing.T) {
	h := NewHeap()
	p, err := h.Calloc(1000, 37)
	if err != nil {
		t.Fatal(err)
	}
	b := unsafeByteSlice(p, 1000*37)
	for i, v := range b {
		if v != 0 {
			t.Fatalf("byte %d = %d, want 0", i, v)
		}
	}
	h.Free(p)
}

func TestUsableSizeAtLeastRequested(t *testing.T) {
	h := NewHeap()
	rng, err := mathutil.NewFC32(1, 40000, true)
	if err != nil {
		t.Fatal(err)
	}
	rng.Seed(7)
	for i := 0; i < 500; i++ {
		size := rng.Next()
		p, err := h.Malloc(size)
		if err != nil {
			t.Fatal(err)
		}
		if got := h.UsableSize(p); got < size {
			t.Fatalf("UsableSize(%d) = %d, want >= %d", size, got, size)
		}
		h.Free(p)
	}
}

func TestAlignmentForPowerOfTwoSizes(t *testing.T) {
	h := NewHeap()
	for s := 1; s <= MaxSlabPageAlign; s <<= 1 {
		p, err := h.Malloc(s)
		if err != nil {
			t.Fatal(err)
		}
		if p%uintptr(s) != 0 {
			t.Fatalf("Malloc(%d) = %#x not aligned to %d", s, p, s)
		}
		h.Free(p)
	}
}

func TestRoundTripAllocateVerifyFree(t *testing.T) {
	const quota = 8 << 20
	h := NewHeap()
	rem := quota
	var bufs [][]byte
	rng, err := mathutil.NewFC32(0, math.MaxInt32, true)
	if err != nil {
		t.Fatal(err)
	}
	rng.Seed(42)
	pos := rng.Pos()

	for rem > 0 {
		size := rng.Next()%4096 + 1
		rem -= size
		b, err := h.MallocBytes(size)
		if err != nil {
			t.Fatal(err)
		}
		for i := range b {
			b[i] = byte(rng.Next())
		}
		bufs = append(bufs, b)
	}

	rng.Seek(pos)
	for i, b := range bufs {
		wantLen := rng.Next()%4096 + 1
		if len(b) != wantLen {
			t.Fatalf("buf %d: len %d, want %d", i, len(b), wantLen)
		}
		for j, g := range b {
			if e := byte(rng.Next()); g != e {
				t.Fatalf("buf %d byte %d: got %#02x, want %#02x", i, j, g, e)
			}
		}
	}
	for _, b := range bufs {
		h.FreeBytes(b)
	}
	if got := h.Stats().LiveAllocs; got != 0 {
		t.Fatalf("LiveAllocs after freeing everything = %d, want 0", got)
	}
}

// mirrors the teacher's own TestFree: freeing a slice truncated to
// zero length must still resolve to, and release, the original
// allocation.
func TestFreeBytesTruncatedSlice(t *testing.T) {
	h := NewHeap()
	b, err := h.MallocBytes(1)
	if err != nil {
		t.Fatal(err)
	}
	h.FreeBytes(b[:0])
	if got := h.Stats().LiveAllocs; got != 0 {
		t.Fatalf("LiveAllocs after FreeBytes(b[:0]) = %d, want 0", got)
	}
}

func TestFreeOfMallocZeroIsNotDoubleFreed(t *testing.T) {
	h := NewHeap()
	p, err := h.Malloc(0)
	if err != nil {
		t.Fatal(err)
	}
	q, err := h.Malloc(0)
	if err != nil {
		t.Fatal(err)
	}
	if p == q {
		t.Fatal("two live malloc(0) results must not alias")
	}
	h.Free(p)
	h.Free(q)
}

func TestPosixMemalignRejectsBadAlignment(t *testing.T) {
	h := NewHeap()
	if _, err := h.PosixMemalign(3, 16); err != ErrInvalidArgument {
		t.Fatalf("non-power-of-two alignment: err = %v, want ErrInvalidArgument", err)
	}
	if _, err := h.PosixMemalign(1, 16); err != ErrInvalidArgument {
		t.Fatalf("alignment smaller than a pointer: err = %v, want ErrInvalidArgument", err)
	}
}

func TestParseOptionsAlwaysZero(t *testing.T) {
	h := NewHeap()
	h.ParseOptions("Z")
	p, err := h.Malloc(64)
	if err != nil {
		t.Fatal(err)
	}
	b := unsafeByteSlice(p, 64)
	for i := range b {
		b[i] = 0xff
	}
	h.Free(p)

	q, err := h.Malloc(64)
	if err != nil {
		t.Fatal(err)
	}
	nb := unsafeByteSlice(q, 64)
	for i, v := range nb {
		if v != 0 {
			t.Fatalf("with always-zero set, byte %d = %#x, want 0", i, v)
		}
	}
	h.Free(q)
}
