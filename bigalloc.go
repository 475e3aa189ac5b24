// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coreheap

import (
	"encoding/binary"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// BigHSize/BigXSize/BigCacheLimit/BigCacheSlots/BigCacheExcess size the
// big-allocation hash table, its lock sharding, and its small reuse
// cache sitting in front of the VM adapter.
const (
	BigHSize       = 1024
	BigXSize       = 64
	BigCacheLimit  = 1 << 20 // 1 MiB
	BigCacheSlots  = 16
	BigCacheExcess = 16 << 20 // 16 MiB
)

// bigRecord tracks one big (above the slab engine's ceiling)
// allocation's mapped base and size. Like magazineHeader it is carved
// from the slab engine rather than the Go heap, and like zoneHeader it
// is overlaid via unsafe.Pointer: its only pointer field (next)
// ever references another off-heap record, so the GC never needs to
// trace through it (see zone.go's comment on zoneHeader for the full
// argument).
type bigRecord struct {
	base   uintptr
	bytes  int
	active int
	next   *bigRecord
}

var bigRecordSize = int(unsafe.Sizeof(bigRecord{}))

func hashBase(base uintptr) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(base))
	return xxhash.Sum64(buf[:])
}

func (h *Heap) newBigRecord() (*bigRecord, error) {
	ptr, err := h.slabAlloc(bigRecordSize, allocFlags{internal: true})
	if err != nil {
		return nil, err
	}
	rec := (*bigRecord)(unsafe.Pointer(ptr))
	*rec = bigRecord{}
	return rec, nil
}

func (h *Heap) freeBigRecord(rec *bigRecord) {
	rec.next = nil
	h.slabFree(uintptr(unsafe.Pointer(rec)), allocFlags{internal: true})
}

func (h *Heap) bigBucket(base uintptr) int { return int(hashBase(base) % BigHSize) }
func (h *Heap) bigShard(bucket int) int    { return bucket % BigXSize }

// setBigSize updates a record's (bytes, active) pair and keeps the
// global excess_alloc counter consistent by adding only the delta.
// Caller must hold the record's shard lock, and rec must already be
// one whose (bytes, active) are currently reflected in excess_alloc
// (i.e. linked in the hash since its last creditBigRecord/setBigSize
// call) -- resizing an in-place realloc or sweeping excess are the
// two cases, not initial insertion (see creditBigRecord).
func (h *Heap) setBigSize(rec *bigRecord, bytes, active int) {
	oldExcess := rec.bytes - rec.active
	rec.bytes = bytes
	rec.active = active
	newExcess := bytes - active
	h.stats.excessAlloc.Add(int64(newExcess - oldExcess))
}

// creditBigRecord fills rec's (bytes, active) pair for a record that is
// not yet (or no longer) reflected in excess_alloc -- a fresh VM
// mapping, or one just pulled out of the bigcache. bigFree's credit of
// `active - bytes` on removal zeroes a record's contribution the
// instant it leaves the hash table, whether or not it goes on to sit
// in the bigcache; creditBigRecord is the matching flat re-add for
// when it (or a record plucked from the bigcache, carrying whatever
// stale (bytes, active) it had the last time it was live) re-enters
// the hash, so excess_alloc always equals the sum of bytes-active over
// exactly the records currently linked.
func (h *Heap) creditBigRecord(rec *bigRecord, bytes, active int) {
	rec.bytes = bytes
	rec.active = active
	h.stats.excessAlloc.Add(int64(bytes - active))
}

func (h *Heap) insertBigRecord(rec *bigRecord) {
	bucket := h.bigBucket(rec.base)
	shard := h.bigShard(bucket)
	h.bigShardLock[shard].Lock()
	rec.next = h.bigHash[bucket]
	h.bigHash[bucket] = rec
	h.bigShardLock[shard].Unlock()
}

// findBigRecord looks up ptr as a big-allocation base address. It holds
// the shard lock only for the walk itself: callers needing to mutate the
// record must re-acquire the shard lock and re-walk, since the record
// may be freed by a concurrent call once the lock is dropped -- bigFree
// and bigRealloc do exactly that.
func (h *Heap) findBigRecord(ptr uintptr) *bigRecord {
	bucket := h.bigBucket(ptr)
	shard := h.bigShard(bucket)
	h.bigShardLock[shard].Lock()
	defer h.bigShardLock[shard].Unlock()
	for r := h.bigHash[bucket]; r != nil; r = r.next {
		if r.base == ptr {
			return r
		}
	}
	return nil
}

// bigAlloc services a request at or above the slab engine's ceiling:
// a cache hit reuses a parked mapping, a miss maps fresh pages and
// registers a new record.
func (h *Heap) bigAlloc(size int, flags allocFlags) (uintptr, error) {
	mapped := roundup(size, PageSize)
	if mapped%(2*PageSize) == 0 {
		mapped += PageSize
	}

	if mapped <= BigCacheLimit {
		if rec, ok := h.bigCacheTake(mapped); ok {
			h.creditBigRecord(rec, rec.bytes, size)
			h.insertBigRecord(rec)
			if flags.zero {
				zeroRegion(rec.base, size)
			}
			h.stats.liveAllocs.Add(1)
			h.stats.bigCacheHits.Add(1)
			h.maybeSweepExcess()
			return rec.base, nil
		}
	}

	base, err := vmemAlloc(mapped, PageSize)
	if err != nil {
		return 0, err
	}
	h.stats.mmaps.Add(1)
	h.stats.mappedBytes.Add(int64(mapped))

	rec, err := h.newBigRecord()
	if err != nil {
		_ = vmemFree(base, mapped)
		h.stats.mmaps.Add(-1)
		h.stats.mappedBytes.Add(-int64(mapped))
		return 0, err
	}
	rec.base = base
	h.creditBigRecord(rec, mapped, size)
	h.insertBigRecord(rec)
	h.stats.liveAllocs.Add(1)
	// Fresh mappings from the VM adapter are zero by contract; no need
	// to zero even if the caller asked for zero-fill.
	h.maybeSweepExcess()
	return base, nil
}

// bigFree releases a pointer already known to be a big-allocation base
// address, reclaiming it to the reuse cache when it's small enough to
// fit and otherwise unmapping it outright.
func (h *Heap) bigFree(ptr uintptr) {
	bucket := h.bigBucket(ptr)
	shard := h.bigShard(bucket)

	h.bigShardLock[shard].Lock()
	var prev, rec *bigRecord
	for r := h.bigHash[bucket]; r != nil; r = r.next {
		if r.base == ptr {
			rec = r
			break
		}
		prev = r
	}
	if rec == nil {
		h.bigShardLock[shard].Unlock()
		corrupt("free of unknown big-allocation pointer")
	}
	if prev == nil {
		h.bigHash[bucket] = rec.next
	} else {
		prev.next = rec.next
	}
	rec.next = nil
	h.stats.excessAlloc.Add(int64(rec.active - rec.bytes))
	bytes := rec.bytes
	h.bigShardLock[shard].Unlock()

	h.stats.liveAllocs.Add(-1)

	if bytes <= BigCacheLimit {
		if displaced, stashed := h.bigCacheStash(rec); stashed {
			if displaced != nil {
				h.releaseBigRecord(displaced)
			}
			return
		}
	}
	h.releaseBigRecord(rec)
}

func (h *Heap) releaseBigRecord(rec *bigRecord) {
	_ = vmemFree(rec.base, rec.bytes)
	h.stats.mmaps.Add(-1)
	h.stats.mappedBytes.Add(-int64(rec.bytes))
	h.freeBigRecord(rec)
}

// bigUsableSize reports the bytes usable at ptr for a big-allocation
// base address.
func (h *Heap) bigUsableSize(ptr uintptr) (int, bool) {
	rec := h.findBigRecord(ptr)
	if rec == nil {
		return 0, false
	}
	return int(rec.base) + rec.bytes - int(ptr), true
}

// bigRealloc resizes a big allocation in place when it fits within the
// existing mapping's range, grows the mapping when the VM adapter can
// extend it contiguously, and otherwise maps a fresh region with
// headroom and copies over.
func (h *Heap) bigRealloc(ptr uintptr, size int) (uintptr, error) {
	bucket := h.bigBucket(ptr)
	shard := h.bigShard(bucket)

	h.bigShardLock[shard].Lock()
	var rec *bigRecord
	for r := h.bigHash[bucket]; r != nil; r = r.next {
		if r.base == ptr {
			rec = r
			break
		}
	}
	if rec == nil {
		h.bigShardLock[shard].Unlock()
		corrupt("realloc of unknown big-allocation pointer")
	}

	newRounded := roundup(size, PageSize)
	if newRounded >= rec.bytes/2 && newRounded <= rec.bytes {
		h.setBigSize(rec, rec.bytes, size)
		h.bigShardLock[shard].Unlock()
		return ptr, nil
	}

	if newRounded > rec.bytes && vmemTryGrow(rec.base, rec.bytes, newRounded) {
		grew := newRounded - rec.bytes
		h.setBigSize(rec, newRounded, size)
		h.bigShardLock[shard].Unlock()
		h.stats.mappedBytes.Add(int64(grew))
		h.maybeSweepExcess()
		return ptr, nil
	}
	oldActive := rec.active
	h.bigShardLock[shard].Unlock()

	headroom := size + size/8
	newPtr, err := h.bigAlloc(headroom, allocFlags{})
	if err != nil {
		return 0, err
	}
	copySize := oldActive
	if size < copySize {
		copySize = size
	}
	copyRegion(newPtr, ptr, copySize)

	// bigAlloc recorded active==headroom's requested size; shrink it
	// to the caller's actual size, leaving the deliberate excess of a
	// grow-with-headroom realloc.
	newBucket := h.bigBucket(newPtr)
	newShard := h.bigShard(newBucket)
	h.bigShardLock[newShard].Lock()
	for r := h.bigHash[newBucket]; r != nil; r = r.next {
		if r.base == newPtr {
			h.setBigSize(r, r.bytes, size)
			break
		}
	}
	h.bigShardLock[newShard].Unlock()

	h.bigFree(ptr)
	return newPtr, nil
}

// bigAllocAligned services a request whose alignment exceeds what the
// slab engine can satisfy. It bypasses the bigcache entirely, since
// cache slots only ever hold page-aligned mappings and re-probing them
// for stronger alignment would rarely hit; every such allocation goes
// straight to the VM adapter.
func (h *Heap) bigAllocAligned(size, align int) (uintptr, error) {
	mapped := roundup(size, PageSize)
	base, err := vmemAlloc(mapped, align)
	if err != nil {
		return 0, err
	}
	h.stats.mmaps.Add(1)
	h.stats.mappedBytes.Add(int64(mapped))

	rec, err := h.newBigRecord()
	if err != nil {
		_ = vmemFree(base, mapped)
		h.stats.mmaps.Add(-1)
		h.stats.mappedBytes.Add(-int64(mapped))
		return 0, err
	}
	rec.base = base
	h.creditBigRecord(rec, mapped, size)
	h.insertBigRecord(rec)
	h.stats.liveAllocs.Add(1)
	return base, nil
}

func copyRegion(dst, src uintptr, size int) {
	if size <= 0 {
		return
	}
	d := unsafe.Slice((*byte)(unsafe.Pointer(dst)), size)
	s := unsafe.Slice((*byte)(unsafe.Pointer(src)), size)
	copy(d, s)
}
