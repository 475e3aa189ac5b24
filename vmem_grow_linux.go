// Copyright 2024 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package coreheap

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// tryFixedMap is the adjacent-growth half of vmem_try_grow. It mirrors
// the runtime's own mmap_fixed: probe with mincore that the target
// region is unclaimed, then map it MAP_FIXED_NOREPLACE. The mincore
// probe closes most of the TOCTOU window; any remaining race is caught
// by the kernel refusing a MAP_FIXED_NOREPLACE mapping that overlaps an
// existing one (a kernel that ignores the flag treats addr as a hint,
// and a mapping placed elsewhere is unmapped again). Either way it is
// reported as a plain failure, never a panic -- callers always have a
// copy-and-free fallback.
func tryFixedMap(addr uintptr, size int) bool {
	if size <= 0 {
		return false
	}
	if !regionIsFree(addr, size) {
		return false
	}

	const mapFixedNoreplace = 0x100000
	r1, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(size),
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_SHARED|unix.MAP_ANON|mapFixedNoreplace), ^uintptr(0), 0)
	if errno != 0 {
		return false
	}
	if r1 != addr {
		_ = munmapRaw(r1, size)
		return false
	}
	return true
}

func regionIsFree(addr uintptr, size int) bool {
	pages := (size + PageSize - 1) / PageSize
	vec := make([]byte, pages)
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	if err := unix.Mincore(b, vec); err != nil {
		// ENOMEM means at least part of the range is unmapped; any
		// still-mapped part makes the MAP_FIXED_NOREPLACE mapping
		// fail. Any other error we cannot reason about so we refuse.
		return err == unix.ENOMEM
	}
	// Mincore succeeded: the region (or part of it) is already mapped.
	return false
}
