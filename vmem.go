// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coreheap

import "unsafe"

// PageSize is the OS page size, discovered once at process start. It
// plays the role PAGE_SIZE plays in the specification, just determined
// at runtime instead of compile time since Go programs are portable
// across page sizes.
var PageSize int

func initPageDerivedConstants() {
	MaxSlabPageAlign = 2 * PageSize
}

// vmemAlloc obtains size bytes (a PageSize multiple) aligned to align (a
// power-of-two multiple of PageSize), zero-filled. It first tries a
// plain mapping: anonymous mmap commonly already returns page-aligned
// addresses, and for align == PageSize that is sufficient outright. When
// a stronger alignment is required and the plain mapping happens not to
// satisfy it, that mapping is released and it over-maps align extra
// bytes and trims the unaligned head/tail, mirroring the "address hint,
// fall back to over-map-and-trim" contract in the specification.
func vmemAlloc(size, align int) (uintptr, error) {
	b, err := mmapRaw(size)
	if err != nil {
		return 0, ErrOutOfMemory
	}
	plain := uintptr(unsafe.Pointer(&b[0]))
	if align <= PageSize || plain&uintptr(align-1) == 0 {
		return plain, nil
	}
	_ = munmapRaw(plain, size)

	total := size + align
	b, err = mmapRaw(total)
	if err != nil {
		return 0, ErrOutOfMemory
	}
	base := uintptr(unsafe.Pointer(&b[0]))
	aligned := (base + uintptr(align) - 1) &^ uintptr(align-1)

	// Trimming a head/tail fragment back to the OS only works where
	// munmapRaw can release an arbitrary sub-range of a mapping.
	// Windows' UnmapViewOfFile can only release a whole view at its
	// original base address: calling it on the head fragment would
	// tear down the entire over-map (including the aligned region
	// returned below), and calling it on the tail fragment's address
	// is simply rejected. canTrimOverMap is false there, so both
	// fragments stay mapped -- wasted address space, never corruption.
	if head := aligned - base; head > 0 && canTrimOverMap {
		_ = munmapRaw(base, int(head))
	}
	tailStart := aligned + uintptr(size)
	if tail := (base + uintptr(total)) - tailStart; tail > 0 && canTrimOverMap {
		_ = munmapRaw(tailStart, int(tail))
	}
	return aligned, nil
}

// vmemFree unmaps exactly [ptr, ptr+size).
func vmemFree(ptr uintptr, size int) error {
	return munmapRaw(ptr, size)
}

// vmemTryGrow attempts a best-effort adjacent mapping of [base+old,
// base+new). It must not disturb any existing mapping; on any doubt it
// reports failure rather than risk clobbering memory.
func vmemTryGrow(base uintptr, oldSize, newSize int) bool {
	return tryFixedMap(base+uintptr(oldSize), newSize-oldSize)
}

// vmemAdvise tells the kernel [ptr, ptr+size) may be reclaimed; this is
// the backing implementation for the 'H'/'h' tuning option and is
// advisory only -- a no-op implementation is always correct.
func vmemAdvise(ptr uintptr, size int) {
	adviseFree(ptr, size)
}
