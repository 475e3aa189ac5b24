// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coreheap

import "sync/atomic"

// bigCacheSlot is one entry of the fixed BigCacheSlots-wide reuse cache
// sitting in front of vmemFree/vmemAlloc for big allocations. size is
// read and written without synchronization outside of the atomic swap
// on rec itself: a stale size read just means a slightly suboptimal
// probe, never a correctness problem, since rec is always re-checked
// after the swap.
type bigCacheSlot struct {
	rec  atomic.Pointer[bigRecord]
	size int
}

// bigCacheTake looks for the first cached record big enough to satisfy
// a mapped-size request, swapping it out atomically. If the slot it
// finds turns out (after the swap raced a concurrent writer) to be
// smaller than needed, that record is released for real and the
// search fails outright rather than continuing, falling through to a
// fresh mapping.
func (h *Heap) bigCacheTake(size int) (*bigRecord, bool) {
	for i := range h.bigCacheSlots {
		s := &h.bigCacheSlots[i]
		if s.size < size {
			continue
		}
		rec := s.rec.Swap(nil)
		if rec == nil {
			continue
		}
		if rec.bytes < size {
			h.releaseBigRecord(rec)
			return nil, false
		}
		return rec, true
	}
	return nil, false
}

// bigCacheStash tries to park rec in the slot holding the
// smallest-but-still-less-than-rec.bytes record, displacing whatever
// was pinned there. Returns the displaced record (nil if the slot was
// empty) and whether a slot was found at all.
func (h *Heap) bigCacheStash(rec *bigRecord) (*bigRecord, bool) {
	best := -1
	bestSize := 0
	for i := range h.bigCacheSlots {
		s := &h.bigCacheSlots[i]
		if s.size < rec.bytes && (best == -1 || s.size < bestSize) {
			best = i
			bestSize = s.size
		}
	}
	if best == -1 {
		return nil, false
	}
	slot := &h.bigCacheSlots[best]
	old := slot.rec.Swap(rec)
	slot.size = rec.bytes
	return old, true
}

// maybeSweepExcess is the reclamation trigger, run synchronously by
// bigAlloc and bigRealloc: once the
// global excess_alloc counter (bytes mapped but not backing any live
// allocation's active size) crosses BigCacheExcess, walk every bigalloc
// chain and trim each record's mapping down to its active size.
func (h *Heap) maybeSweepExcess() {
	if h.stats.excessAlloc.Load() <= BigCacheExcess {
		return
	}
	for bucket := 0; bucket < BigHSize; bucket++ {
		shard := h.bigShard(bucket)
		h.bigShardLock[shard].Lock()
		for r := h.bigHash[bucket]; r != nil; r = r.next {
			trimmed := roundup(r.active, PageSize)
			if trimmed >= r.bytes {
				continue
			}
			tailStart := r.base + uintptr(trimmed)
			tailLen := r.bytes - trimmed
			_ = vmemFree(tailStart, tailLen)
			h.stats.mappedBytes.Add(-int64(tailLen))
			h.setBigSize(r, trimmed, r.active)
		}
		h.bigShardLock[shard].Unlock()
	}
}
