// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coreheap

import "unsafe"

// allocFlags carries the handful of per-request modifiers slabAlloc and
// slabFree need: zero-fill on allocation, a reserved provenance bit, and
// a signal to bypass the magazine cache entirely.
type allocFlags struct {
	zero     bool
	passive  bool // reserved, see DESIGN.md Open Question
	internal bool // bypass the magazine cache entirely
}

func zeroRegion(ptr uintptr, size int) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), size)
	for i := range b {
		b[i] = 0
	}
}

// slabAlloc services a sub-zone-limit request: a magazine-cache hit
// returns immediately, a miss falls through to carving a fresh chunk
// out of the size class's zone list.
func (h *Heap) slabAlloc(size int, flags allocFlags) (uintptr, error) {
	if size == 0 {
		size = 1
	}
	if bypassSlab(size) {
		return h.bigAlloc(size, flags)
	}

	classIndex, rounded, _ := classify(size)

	if !flags.internal {
		slot := h.cache.acquire()
		ptr, ok, err := h.magazineAlloc(slot, classIndex)
		if err != nil {
			h.cache.release(slot)
			return 0, err
		}
		if ok {
			h.cache.release(slot)
			if flags.zero {
				zeroRegion(ptr, rounded)
			}
			h.stats.liveAllocs.Add(1)
			return ptr, nil
		}
		// Cache miss: carve directly, opportunistically refilling
		// this same slot's loaded magazine before releasing it.
		ptr, canSkipZero, err := h.slabCarve(classIndex, slot)
		h.cache.release(slot)
		if err != nil {
			return 0, err
		}
		if flags.zero && !canSkipZero {
			zeroRegion(ptr, rounded)
		}
		h.stats.liveAllocs.Add(1)
		return ptr, nil
	}

	ptr, canSkipZero, err := h.slabCarve(classIndex, nil)
	if err != nil {
		return 0, err
	}
	if flags.zero && !canSkipZero {
		zeroRegion(ptr, rounded)
	}
	return ptr, nil
}

// slabCarve is the zone-list-locked carve path: acquire a zone if the
// list is empty, carve one chunk for the caller, and opportunistically
// bulk-fill slot's loaded magazine (if non-nil) with up to cacheChunks
// more, amortizing the lock across 1..33 operations.
func (h *Heap) slabCarve(classIndex int, slot *cacheSlot) (ptr uintptr, canSkipZero bool, err error) {
	h.zoneListLock[classIndex].Lock()

	z := h.zoneListHead[classIndex]
	if z == nil {
		h.zoneListLock[classIndex].Unlock()
		z, err = h.acquireZone(classIndex)
		if err != nil {
			return 0, false, err
		}
		h.zoneListLock[classIndex].Lock()
		h.linkZone(classIndex, z)
	}

	var fromTail bool
	ptr, fromTail = carveOne(z)
	canSkipZero = fromTail && z.flags&zoneUnotzerod == 0

	if slot != nil {
		if m := slot.loaded[classIndex]; m != nil {
			headroom := int(m.capacity - m.rounds)
			budget := z.nFree - 1
			if budget < 0 {
				budget = 0
			}
			n := headroom
			if int(budget) < n {
				n = int(budget)
			}
			if n > cacheChunks {
				n = cacheChunks
			}
			for i := 0; i < n && z.nFree > 0; i++ {
				p, _ := carveOne(z)
				m.push(p)
			}
		}
	}

	if z.nFree == 0 {
		h.unlinkZone(classIndex, z)
	}
	h.zoneListLock[classIndex].Unlock()
	return ptr, canSkipZero, nil
}

// slabFree frees a pointer already known to belong to the slab engine
// (the bigalloc-hash check happens in Heap.Free before this is called;
// the zone magic is validated here): try the magazine cache first, then
// fall back to returning the chunk straight to its zone.
func (h *Heap) slabFree(ptr uintptr, flags allocFlags) {
	z := zoneOf(ptr)
	if z.magic != zoneMagic {
		corrupt("free of pointer with bad zone magic")
	}
	classIndex := int(z.classIndex)

	if !flags.internal {
		slot := h.cache.acquire()
		ok := h.magazineFree(slot, classIndex, ptr)
		h.cache.release(slot)
		if ok {
			h.stats.liveAllocs.Add(-1)
			return
		}
	}

	h.slabFreeDirect(classIndex, ptr)
	if !flags.internal {
		h.stats.liveAllocs.Add(-1)
	}
}

// slabFreeDirect returns ptr straight to its zone's per-page free list
// under the size class's lock, used both as slabFree's fallback and by
// cache draining.
func (h *Heap) slabFreeDirect(classIndex int, ptr uintptr) {
	z := zoneOf(ptr)
	h.zoneListLock[classIndex].Lock()
	wasUnlinked := z.nFree == 0
	becameFull := returnOne(z, ptr)
	if wasUnlinked {
		h.linkZone(classIndex, z)
	}
	if becameFull {
		h.unlinkZone(classIndex, z)
		h.zoneListLock[classIndex].Unlock()
		h.releaseZone(z)
		return
	}
	h.zoneListLock[classIndex].Unlock()
}

// usableSlabSize returns the bytes remaining in the chunk containing
// ptr, from ptr up to the end of that chunk.
func usableSlabSize(ptr uintptr) int {
	z := zoneOf(ptr)
	if z.magic != zoneMagic {
		corrupt("usable_size of pointer with bad zone magic")
	}
	chunkSize := uintptr(z.chunkSize)
	offsetInChunk := (ptr - z.basePtr) % chunkSize
	return int(chunkSize - offsetInChunk)
}
