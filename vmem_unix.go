// Copyright 2011 Evan Shaw. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

// Modifications (c) 2017 The Memory Authors.
// Modifications (c) 2024 ported from raw syscall.Mmap/syscall.Syscall(SYS_MUNMAP)
// to golang.org/x/sys/unix and generalized from a fixed flags value to the
// zone/bigalloc adapter contract (alignment, adjacent grow, madvise).

package coreheap

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// canTrimOverMap is true on every unix target: munmap releases any
// page-aligned sub-range, not just a mapping's original base address.
const canTrimOverMap = true

func init() {
	PageSize = unix.Getpagesize()
	initPageDerivedConstants()
}

func mmapRaw(size int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	if uintptr(unsafe.Pointer(&b[0]))&uintptr(PageSize-1) != 0 {
		corrupt("mmap returned an unaligned page")
	}
	return b, nil
}

func munmapRaw(addr uintptr, size int) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	return unix.Munmap(b)
}

func adviseFree(addr uintptr, size int) {
	if size <= 0 {
		return
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	if err := unix.Madvise(b, unix.MADV_FREE); err != nil {
		_ = unix.Madvise(b, unix.MADV_DONTNEED)
	}
}
