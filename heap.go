// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coreheap

import (
	"fmt"
	"math"
	"os"
	"sync/atomic"
	"unsafe"

	"modernc.org/mathutil"
)

// heapStats backs Stats() with the plain counters the teacher already
// tracked internally (allocs, bytes, mmaps in all_test.go) and the two
// this module adds (excess_alloc, bigcache hit count).
type heapStats struct {
	mmaps        atomic.Int64
	mappedBytes  atomic.Int64
	liveAllocs   atomic.Int64
	excessAlloc  atomic.Int64
	bigCacheHits atomic.Int64
}

// Stats is a point-in-time snapshot, the exported counterpart of
// heapStats.
type Stats struct {
	Mmaps        int64
	MappedBytes  int64
	LiveAllocs   int64
	ExcessBytes  int64
	BigCacheHits int64
}

// Heap is the process-wide singleton every exported function forwards
// to, the generalization of the teacher's Allocator struct: where the
// teacher holds one log-indexed free-list array, Heap holds a
// size-class zone list, a depot, a zone magazine, and a bigalloc hash
// table, each protected by its own lock.
type Heap struct {
	opts  Options
	stats heapStats
	cache cachePool

	zoneListLock [NumSizeClasses]spinlock
	zoneListHead [NumSizeClasses]*zoneHeader

	depotLock  spinlock
	depotFull  [NumSizeClasses]*magazineHeader
	depotEmpty [NumSizeClasses]*magazineHeader

	zoneMagLock  spinlock
	zoneMagHead  *zoneHeader
	zoneMagCount int

	bigHash       [BigHSize]*bigRecord
	bigShardLock  [BigXSize]spinlock
	bigCacheSlots [BigCacheSlots]bigCacheSlot
}

// NewHeap returns a heap with its zero value otherwise ready for use,
// the same "zero value is ready for use" contract the teacher documents
// on Allocator.
func NewHeap() *Heap {
	return &Heap{}
}

// DefaultHeap is the process-wide singleton every package-level
// function in this file forwards to.
var DefaultHeap = NewHeap()

func (h *Heap) trace(op string, size int, ptr uintptr) {
	if !h.opts.trace.Load() {
		return
	}
	fmt.Fprintf(os.Stderr, "coreheap: %s(%d) -> %#x\n", op, size, ptr)
}

// Stats returns a snapshot of the heap's bookkeeping counters.
func (h *Heap) Stats() Stats {
	return Stats{
		Mmaps:        h.stats.mmaps.Load(),
		MappedBytes:  h.stats.mappedBytes.Load(),
		LiveAllocs:   h.stats.liveAllocs.Load(),
		ExcessBytes:  h.stats.excessAlloc.Load(),
		BigCacheHits: h.stats.bigCacheHits.Load(),
	}
}

func calloverflow(n, size int) bool {
	if n <= 0 || size <= 0 {
		return false
	}
	const half = 1 << 32
	if uint64(n) >= half && uint64(size) >= half {
		return true
	}
	return uint64(n) > uint64(math.MaxInt)/uint64(size)
}

// nextPow2 rounds n up to the next power of two, using the same
// BitLen-of-(n-1) trick the teacher's own class-index derivation uses
// (memory.go: "log := uint(mathutil.BitLen(roundup(size, mallocAllign) - 1))").
func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << uint(mathutil.BitLen(n-1))
}

// Malloc allocates size bytes and returns their address, or 0 with
// ErrOutOfMemory. size == 0 is serviced like a 1-byte request: a
// fresh, distinct chunk of the smallest class, never a null pointer.
func (h *Heap) Malloc(size int) (uintptr, error) {
	ptr, err := h.slabAlloc(size, allocFlags{zero: h.opts.alwaysZero.Load()})
	if err != nil {
		return 0, err
	}
	h.trace("malloc", size, ptr)
	return ptr, nil
}

// Calloc allocates a zeroed array of n elements of size bytes each,
// failing with ErrCountOverflow if n*size would overflow.
func (h *Heap) Calloc(n, size int) (uintptr, error) {
	if calloverflow(n, size) {
		return 0, ErrCountOverflow
	}
	ptr, err := h.slabAlloc(n*size, allocFlags{zero: true})
	if err != nil {
		return 0, err
	}
	h.trace("calloc", n*size, ptr)
	return ptr, nil
}

// Free releases ptr, a cheap no-op for a nil pointer. The bigalloc hash
// is always consulted first before falling back to treating ptr as a
// slab pointer.
func (h *Heap) Free(ptr uintptr) {
	if ptr == 0 {
		return
	}
	if h.findBigRecord(ptr) != nil {
		h.bigFree(ptr)
		h.trace("free", 0, ptr)
		return
	}
	h.slabFree(ptr, allocFlags{})
	h.trace("free", 0, ptr)
}

// Realloc resizes the allocation at ptr to size bytes, dispatching to
// bigRealloc for big pointers and otherwise either leaving a slab
// pointer untouched (when size still maps to the same class) or
// migrating to a freshly allocated chunk in the new class.
func (h *Heap) Realloc(ptr uintptr, size int) (uintptr, error) {
	if ptr == 0 {
		return h.Malloc(size)
	}
	if size == 0 {
		h.Free(ptr)
		return 0, nil
	}

	if h.findBigRecord(ptr) != nil {
		return h.bigRealloc(ptr, size)
	}

	z := zoneOf(ptr)
	if z.magic != zoneMagic {
		corrupt("realloc of pointer with bad zone magic")
	}
	oldClass := int(z.classIndex)

	if bypassSlab(size) {
		newPtr, err := h.Malloc(size)
		if err != nil {
			return 0, err
		}
		copySize := usableSlabSize(ptr)
		if size < copySize {
			copySize = size
		}
		copyRegion(newPtr, ptr, copySize)
		h.Free(ptr)
		return newPtr, nil
	}

	newClass, _, _ := classify(size)
	if newClass == oldClass {
		return ptr, nil
	}
	newPtr, err := h.Malloc(size)
	if err != nil {
		return 0, err
	}
	copySize := usableSlabSize(ptr)
	if size < copySize {
		copySize = size
	}
	copyRegion(newPtr, ptr, copySize)
	h.Free(ptr)
	return newPtr, nil
}

// AlignedAlloc returns a pointer to size bytes aligned to align (a
// power of two). Requests small enough to stay within the slab engine
// are serviced there by widening to a power of two or a wide-enough
// chunking; everything else goes through the big-allocation path with
// alignment forwarded to the VM adapter.
func (h *Heap) AlignedAlloc(align, size int) (uintptr, error) {
	ptrSize := int(unsafe.Sizeof(uintptr(0)))
	if align < ptrSize || !isPow2(align) {
		return 0, ErrInvalidArgument
	}

	if size <= align {
		size = align
	} else {
		size = roundup(size, align)
	}

	if size <= MaxSlabPageAlign && isPow2(size) {
		return h.Malloc(size)
	}
	if size < PageSize {
		_, _, chunking := classify(size)
		if chunking >= align {
			return h.Malloc(size)
		}
		return h.Malloc(nextPow2(size))
	}

	bigAlign := align
	if PageSize > bigAlign {
		bigAlign = PageSize
	}
	ptr, err := h.bigAllocAligned(size, bigAlign)
	if err != nil {
		return 0, err
	}
	h.trace("aligned_alloc", size, ptr)
	return ptr, nil
}

// PosixMemalign is AlignedAlloc under the POSIX-style name.
func (h *Heap) PosixMemalign(align, size int) (uintptr, error) {
	return h.AlignedAlloc(align, size)
}

// UsableSize reports the number of bytes actually usable at ptr,
// always at least the size originally requested for it.
func (h *Heap) UsableSize(ptr uintptr) int {
	if ptr == 0 {
		return 0
	}
	if n, ok := h.bigUsableSize(ptr); ok {
		return n
	}
	return usableSlabSize(ptr)
}

// --- []byte-returning surface, the teacher's own safe-call-site shape ---

// MallocBytes is Malloc, wrapped as a []byte the way the teacher's
// exported Malloc (as opposed to UnsafeMalloc) returns a []byte backed
// by the same underlying memory.
func (h *Heap) MallocBytes(size int) ([]byte, error) {
	ptr, err := h.Malloc(size)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), size), nil
}

// FreeBytes is Free for a slice returned by MallocBytes/CallocBytes.
// It recovers the base pointer via unsafe.SliceData rather than
// &b[0], so a caller that has truncated its slice to zero length
// (b[:0]) before freeing it, the same pattern the teacher's own
// all_test.go exercises (TestFree), still resolves to the right
// allocation instead of panicking on an out-of-range index.
func (h *Heap) FreeBytes(b []byte) {
	p := unsafe.SliceData(b)
	if p == nil {
		return
	}
	h.Free(uintptr(unsafe.Pointer(p)))
}

// CallocBytes is Calloc, wrapped as a []byte.
func (h *Heap) CallocBytes(n, size int) ([]byte, error) {
	ptr, err := h.Calloc(n, size)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n*size), nil
}

// --- package-level forwarders to DefaultHeap ---

func Malloc(size int) (uintptr, error)               { return DefaultHeap.Malloc(size) }
func Calloc(n, size int) (uintptr, error)            { return DefaultHeap.Calloc(n, size) }
func Free(ptr uintptr)                               { DefaultHeap.Free(ptr) }
func Realloc(ptr uintptr, size int) (uintptr, error) { return DefaultHeap.Realloc(ptr, size) }
func AlignedAlloc(align, size int) (uintptr, error)  { return DefaultHeap.AlignedAlloc(align, size) }
func PosixMemalign(align, size int) (uintptr, error) { return DefaultHeap.PosixMemalign(align, size) }
func UsableSize(ptr uintptr) int                     { return DefaultHeap.UsableSize(ptr) }
func ParseOptions(opts string)                       { DefaultHeap.ParseOptions(opts) }
