// Copyright 2011 Evan Shaw. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build windows

// Modifications (c) 2017 The Memory Authors.
// Modifications (c) 2024 generalized from a single mmap/unmap pair to the
// full adapter contract (tryFixedMap, adviseFree); CreateFileMapping and
// MapViewOfFile are kept verbatim from the teacher since no other example
// in the pack touches the Windows mapping API.

package coreheap

import (
	"errors"
	"os"
	"sync"
	"syscall"
	"unsafe"
)

// canTrimOverMap is false on Windows: UnmapViewOfFile only ever
// releases a view in its entirety, at the exact address MapViewOfFile
// returned, so an over-mapped head or tail fragment can't be trimmed
// back to the OS independently of the rest of the mapping.
const canTrimOverMap = false

func init() {
	PageSize = os.Getpagesize()
	initPageDerivedConstants()
}

// handleMap lets unmapRaw recover the CreateFileMapping handle that goes
// with a mapped address; guarded by its own mutex since it is consulted
// from arbitrary goroutines, unlike the teacher's single-owner original.
var (
	handleMapMu sync.Mutex
	handleMap   = map[uintptr]syscall.Handle{}
)

func mmapRaw(size int) ([]byte, error) {
	flProtect := uint32(syscall.PAGE_READWRITE)
	dwDesiredAccess := uint32(syscall.FILE_MAP_WRITE)

	maxSizeHigh := uint32(int64(size) >> 32)
	maxSizeLow := uint32(int64(size) & 0xFFFFFFFF)
	h, errno := syscall.CreateFileMapping(syscall.Handle(^uintptr(0)), nil, flProtect, maxSizeHigh, maxSizeLow, nil)
	if h == 0 {
		return nil, os.NewSyscallError("CreateFileMapping", errno)
	}

	addr, errno := syscall.MapViewOfFile(h, dwDesiredAccess, 0, 0, uintptr(size))
	if addr == 0 {
		return nil, os.NewSyscallError("MapViewOfFile", errno)
	}

	if addr&uintptr(PageSize-1) != 0 {
		corrupt("mmap returned an unaligned page")
	}

	handleMapMu.Lock()
	handleMap[addr] = h
	handleMapMu.Unlock()

	var b []byte
	b = unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	return b, nil
}

func munmapRaw(addr uintptr, size int) error {
	if err := syscall.UnmapViewOfFile(addr); err != nil {
		return err
	}

	handleMapMu.Lock()
	handle, ok := handleMap[addr]
	delete(handleMap, addr)
	handleMapMu.Unlock()
	if !ok {
		return errors.New("coreheap: unknown base address")
	}

	e := syscall.CloseHandle(handle)
	return os.NewSyscallError("CloseHandle", e)
}

// tryFixedMap: CreateFileMapping/MapViewOfFile gives no fixed-address
// variant without VirtualAlloc2/MapViewOfFile3 (Windows 10 1803+), which
// the teacher never needed; adjacent growth always falls back to
// copy-then-free on this platform.
func tryFixedMap(addr uintptr, size int) bool { return false }

// adviseFree: no portable equivalent of madvise(MADV_FREE) is wired for
// Windows; VirtualAlloc's MEM_RESET/OfferVirtualMemory exist but would
// need the page to have been obtained through VirtualAlloc, not a file
// mapping, so the page-hint option is a no-op here.
func adviseFree(addr uintptr, size int) {}
