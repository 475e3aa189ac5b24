// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coreheap

import (
	"sync"
	"sync/atomic"
)

// numCacheSlots bounds the fixed pool of magazine-pair slots a caller
// can pin without contention. Go has no portable way to read real
// OS-thread-local storage, so each top-level entry point pins one of
// these slots for the duration of the call instead of keeping one
// alive for a goroutine's whole lifetime -- the same pin-a-slot-then-
// retry shape used throughout the pack's own per-P/per-shard caches.
const numCacheSlots = 256

// cacheSlot is the per-goroutine-call substitute for real thread-local
// storage: a loaded/prev magazine pair per size class, plus one
// pre-staged spare ("newmag") per class to break the recursion that
// would otherwise result from installing a fresh magazine by
// allocating one from the size class it itself serves.
type cacheSlot struct {
	inUse  atomic.Bool
	loaded [NumSizeClasses]*magazineHeader
	prev   [NumSizeClasses]*magazineHeader
	newmag [NumSizeClasses]*magazineHeader
}

type cachePool struct {
	slots      [numCacheSlots]cacheSlot
	overflowMu sync.Mutex
	overflow   []*cacheSlot
}

// acquire pins a free slot, falling back to a mutex-guarded overflow
// slot if every fixed slot is currently held (heavy contention from
// more concurrent callers than numCacheSlots). The overflow path is
// still correct, just loses the lock-free fast path.
func (p *cachePool) acquire() *cacheSlot {
	for i := range p.slots {
		s := &p.slots[i]
		if s.inUse.CompareAndSwap(false, true) {
			return s
		}
	}

	p.overflowMu.Lock()
	defer p.overflowMu.Unlock()
	for _, s := range p.overflow {
		if s.inUse.CompareAndSwap(false, true) {
			return s
		}
	}
	s := &cacheSlot{}
	s.inUse.Store(true)
	p.overflow = append(p.overflow, s)
	return s
}

func (p *cachePool) release(s *cacheSlot) {
	s.inUse.Store(false)
}

// ensureNewmag pre-stages slot.newmag[classIndex] if it is not already
// present. Failure here is not fatal to the caller: it just means the
// upcoming cache operation may have to fall through to the slow path
// instead of installing a fresh magazine.
func (h *Heap) ensureNewmag(slot *cacheSlot, classIndex int) {
	if slot.newmag[classIndex] != nil {
		return
	}
	m, err := h.newMagazine(magazineCapacity(classIndex))
	if err != nil {
		return
	}
	slot.newmag[classIndex] = m
}

// depotPushFull/depotPushEmpty/depotPopFull/depotPopEmpty assume the
// caller already holds h.depotLock, the single process-wide spinlock
// covering every size class's depot.
func (h *Heap) depotPushFull(classIndex int, m *magazineHeader) {
	m.next = h.depotFull[classIndex]
	h.depotFull[classIndex] = m
}

func (h *Heap) depotPushEmpty(classIndex int, m *magazineHeader) {
	m.next = h.depotEmpty[classIndex]
	h.depotEmpty[classIndex] = m
}

func (h *Heap) depotPopFull(classIndex int) *magazineHeader {
	m := h.depotFull[classIndex]
	if m != nil {
		h.depotFull[classIndex] = m.next
		m.next = nil
	}
	return m
}

func (h *Heap) depotPopEmpty(classIndex int) *magazineHeader {
	m := h.depotEmpty[classIndex]
	if m != nil {
		h.depotEmpty[classIndex] = m.next
		m.next = nil
	}
	return m
}

// magazineAlloc is the magazine-cache allocation side: it returns
// (ptr, true, nil) on a cache hit, or (0, false, nil) when the caller
// must fall through to slabAlloc's zone-list path.
func (h *Heap) magazineAlloc(slot *cacheSlot, classIndex int) (uintptr, bool, error) {
	h.ensureNewmag(slot, classIndex)

	for {
		if m := slot.loaded[classIndex]; m != nil && !m.empty() {
			return m.pop(), true, nil
		}
		if m := slot.prev[classIndex]; m != nil && m.full() {
			slot.loaded[classIndex], slot.prev[classIndex] = slot.prev[classIndex], slot.loaded[classIndex]
			continue
		}

		h.depotLock.Lock()
		if h.depotFull[classIndex] != nil {
			if slot.prev[classIndex] != nil {
				h.depotPushEmpty(classIndex, slot.prev[classIndex])
			}
			slot.prev[classIndex] = slot.loaded[classIndex]
			slot.loaded[classIndex] = h.depotPopFull(classIndex)
			h.depotLock.Unlock()
			continue
		}
		h.depotLock.Unlock()

		if slot.loaded[classIndex] == nil && slot.newmag[classIndex] != nil {
			slot.loaded[classIndex] = slot.newmag[classIndex]
			slot.newmag[classIndex] = nil
		}
		return 0, false, nil
	}
}

// magazineFree is the magazine-cache free side: it returns true if ptr
// was absorbed by the cache, false if the caller must fall through to
// slabFree's zone free-list path.
func (h *Heap) magazineFree(slot *cacheSlot, classIndex int, ptr uintptr) bool {
	h.ensureNewmag(slot, classIndex)

	for {
		if m := slot.loaded[classIndex]; m != nil && !m.full() {
			m.push(ptr)
			return true
		}
		if m := slot.prev[classIndex]; m != nil && m.empty() {
			slot.loaded[classIndex], slot.prev[classIndex] = slot.prev[classIndex], slot.loaded[classIndex]
			continue
		}

		h.depotLock.Lock()
		if h.depotEmpty[classIndex] != nil {
			if slot.prev[classIndex] != nil {
				h.depotPushFull(classIndex, slot.prev[classIndex])
			}
			slot.prev[classIndex] = slot.loaded[classIndex]
			slot.loaded[classIndex] = h.depotPopEmpty(classIndex)
			h.depotLock.Unlock()
			continue
		}
		h.depotLock.Unlock()

		if slot.newmag[classIndex] == nil {
			return false
		}
		nm := slot.newmag[classIndex]
		slot.newmag[classIndex] = nil
		if slot.prev[classIndex] != nil {
			h.depotLock.Lock()
			h.depotPushFull(classIndex, slot.prev[classIndex])
			h.depotLock.Unlock()
		}
		slot.prev[classIndex] = slot.loaded[classIndex]
		slot.loaded[classIndex] = nm
		continue
	}
}

// drainSlot empties every magazine a slot owns back to the slab/big
// engine and frees the magazines themselves. Nothing in the package
// calls it: Go gives no destructor hook the way thread-local storage
// does, and a slot is pinned only for the duration of one call, so the
// magazines stay with the slot for the next caller that pins it.
func (h *Heap) drainSlot(slot *cacheSlot) {
	for ci := 0; ci < NumSizeClasses; ci++ {
		for _, mp := range [2]**magazineHeader{&slot.loaded[ci], &slot.prev[ci]} {
			m := *mp
			if m == nil {
				continue
			}
			for !m.empty() {
				h.slabFreeDirect(ci, m.pop())
			}
			h.freeMagazine(m)
			*mp = nil
		}
		if nm := slot.newmag[ci]; nm != nil {
			h.freeMagazine(nm)
			slot.newmag[ci] = nil
		}
	}
}
