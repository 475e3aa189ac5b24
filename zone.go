// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coreheap

import "unsafe"

// maxZonePages bounds the fixed-size per-page free-list array carried
// in-band in every zone header. No supported OS page size makes
// ZoneSize/PageSize exceed this; it is checked on first use, in
// ensureZoneLayout.
const maxZonePages = 16

const zoneMagic = 0x5a4f4e455f76321 // "ZONE_v2" mashed into a uint64

// zoneFlag bits.
const zoneUnotzerod = 1 << 0

// zoneHeader sits at offset 0 of every zone, exactly like the teacher's
// page header sitting at offset 0 of its mmap'd region; ZoneSize
// alignment is what makes zoneOf(ptr) an exact mask, same trick the
// teacher relies on for page ownership.
//
// next and the page free-list heads are real Go pointers stored inside
// memory the Go heap does not own. That is safe here exactly the way it
// is safe in the teacher: these pointers only ever reference other
// zones or chunks, which are OS mappings outside any Go arena, so the
// garbage collector's write barrier treats them as plain non-heap
// values and never needs to trace through them.
type zoneHeader struct {
	magic        uint64
	classIndex   int32
	chunkSize    int32
	nMax         int32
	nFree        int32
	uIndex       int32
	uEndIndex    int32
	firstFreePg  int32
	flags        uint32
	basePtr      uintptr
	next         *zoneHeader
	pageFreeList [maxZonePages]uintptr
}

var zoneHeaderSize = int(unsafe.Sizeof(zoneHeader{}))

var zonePageCount int

func init() {
	// PageSize is set by the platform vmem_*.go init();
	// zonePageCount is computed on first use via ensureZoneLayout
	// instead of here, to avoid relying on init() ordering across
	// files.
}

func ensureZoneLayout() {
	if zonePageCount != 0 {
		return
	}
	n := ZoneSize / PageSize
	if n > maxZonePages {
		corrupt("page size too small for zone page-free-list table")
	}
	if n == 0 {
		n = 1
	}
	zonePageCount = n
}

func zoneOf(ptr uintptr) *zoneHeader {
	return (*zoneHeader)(unsafe.Pointer(ptr &^ uintptr(ZoneSize-1)))
}

func chunkPage(z *zoneHeader, ptr uintptr) int {
	return int((ptr - uintptr(unsafe.Pointer(z))) / uintptr(PageSize))
}

// freelistNext/SetFreelistNext read and write the link word occupying
// the first machine word of a freed chunk, same as the teacher's node
// struct overlaid on a freed slot.
func freelistNext(ptr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(ptr))
}

func setFreelistNext(ptr, next uintptr) {
	*(*uintptr)(unsafe.Pointer(ptr)) = next
}

// formatZone lays out a fresh zone's header for classIndex. It does not
// link the zone onto the size class's zone list; slabCarve does that
// under the class's list lock.
func formatZone(base uintptr, classIndex int) *zoneHeader {
	ensureZoneLayout()
	ci := classTable[classIndex]
	rounded, chunking := ci.size, ci.chunking

	var off int
	if isPow2(rounded) {
		off = roundup(zoneHeaderSize, rounded)
	} else {
		off = roundup(zoneHeaderSize, chunking)
	}

	z := (*zoneHeader)(unsafe.Pointer(base))
	*z = zoneHeader{
		magic:       zoneMagic,
		classIndex:  int32(classIndex),
		chunkSize:   int32(rounded),
		basePtr:     base + uintptr(off),
		firstFreePg: int32(zonePageCount),
	}
	z.nMax = int32((ZoneSize - off) / rounded)
	z.nFree = z.nMax
	return z
}

// carveOne takes one chunk out of z, preferring the lowest non-empty
// per-page free list and otherwise carving the never-used tail. Caller
// must hold the owning class's list lock and must have already
// verified z.nFree > 0. fromTail reports whether the chunk came from
// the never-yet-used tail region, which matters for deciding whether
// zeroing can be skipped.
func carveOne(z *zoneHeader) (ptr uintptr, fromTail bool) {
	for pg := int(z.firstFreePg); pg < zonePageCount; pg++ {
		if z.pageFreeList[pg] != 0 {
			p := z.pageFreeList[pg]
			z.pageFreeList[pg] = freelistNext(p)
			if z.pageFreeList[pg] == 0 {
				z.firstFreePg = int32(advanceFirstFreePage(z, pg))
			}
			z.nFree--
			return p, false
		}
	}

	if z.uIndex == z.uEndIndex && z.nFree > 0 && (z.uIndex != 0 || z.uEndIndex != 0 || z.nFree != int32(z.nMax)) {
		corrupt("zone tail cursor double-carve")
	}
	p := z.basePtr + uintptr(z.uIndex)*uintptr(z.chunkSize)
	z.uIndex = (z.uIndex + 1) % z.nMax
	z.nFree--
	return p, true
}

func advanceFirstFreePage(z *zoneHeader, from int) int {
	for pg := from + 1; pg < zonePageCount; pg++ {
		if z.pageFreeList[pg] != 0 {
			return pg
		}
	}
	return zonePageCount
}

// returnOne pushes ptr back onto its page's free list and reports
// whether the zone just became fully free (n_free == n_max).
func returnOne(z *zoneHeader, ptr uintptr) (becameFull bool) {
	if ptr < z.basePtr || ptr >= z.basePtr+uintptr(z.nMax)*uintptr(z.chunkSize) {
		corrupt("free of pointer outside its zone's chunk range")
	}
	pg := chunkPage(z, ptr)
	setFreelistNext(ptr, z.pageFreeList[pg])
	z.pageFreeList[pg] = ptr
	if int32(pg) < z.firstFreePg {
		z.firstFreePg = int32(pg)
	}
	z.nFree++
	return z.nFree == z.nMax
}

// --- per-size-class zone list, owned by Heap ---

func (h *Heap) linkZone(classIndex int, z *zoneHeader) {
	z.next = h.zoneListHead[classIndex]
	h.zoneListHead[classIndex] = z
}

func (h *Heap) unlinkZone(classIndex int, z *zoneHeader) {
	head := h.zoneListHead[classIndex]
	if head == z {
		h.zoneListHead[classIndex] = z.next
		z.next = nil
		return
	}
	for cur := head; cur != nil; cur = cur.next {
		if cur.next == z {
			cur.next = z.next
			z.next = nil
			return
		}
	}
}

// acquireZone obtains a zone for classIndex, first trying the recycled
// zone magazine and falling back to the VM adapter.
func (h *Heap) acquireZone(classIndex int) (*zoneHeader, error) {
	if base, ok := h.popZoneMagazine(); ok {
		z := formatZone(base, classIndex)
		z.flags |= zoneUnotzerod
		return z, nil
	}

	base, err := vmemAlloc(ZoneSize, ZoneSize)
	if err != nil {
		return nil, err
	}
	h.stats.mmaps.Add(1)
	h.stats.mappedBytes.Add(int64(ZoneSize))
	return formatZone(base, classIndex), nil
}

// releaseZone returns a fully-free zone to the zone magazine, draining
// to the VM adapter under hysteresis if the magazine is full.
func (h *Heap) releaseZone(z *zoneHeader) {
	base := uintptr(unsafe.Pointer(z))
	*z = zoneHeader{}
	if h.opts.pageHint.Load() {
		vmemAdvise(base, ZoneSize)
	}
	h.pushZoneMagazine(base)
}

const zoneMagazineHysteresis = 32

func (h *Heap) popZoneMagazine() (uintptr, bool) {
	h.zoneMagLock.Lock()
	defer h.zoneMagLock.Unlock()
	if h.zoneMagHead == nil {
		return 0, false
	}
	z := h.zoneMagHead
	h.zoneMagHead = z.next
	h.zoneMagCount--
	return uintptr(unsafe.Pointer(z)), true
}

func (h *Heap) pushZoneMagazine(base uintptr) {
	h.zoneMagLock.Lock()
	if h.zoneMagCount >= zoneMagazineHysteresis {
		// Drain M_ZONE_HYSTERESIS entries to the VM adapter before
		// admitting the new one, so the magazine never grows without
		// bound.
		drained := 0
		for drained < zoneMagazineHysteresis && h.zoneMagHead != nil {
			z := h.zoneMagHead
			h.zoneMagHead = z.next
			h.zoneMagCount--
			h.zoneMagLock.Unlock()
			_ = vmemFree(uintptr(unsafe.Pointer(z)), ZoneSize)
			h.stats.mmaps.Add(-1)
			h.stats.mappedBytes.Add(-int64(ZoneSize))
			h.zoneMagLock.Lock()
			drained++
		}
	}
	z := (*zoneHeader)(unsafe.Pointer(base))
	z.next = h.zoneMagHead
	h.zoneMagHead = z
	h.zoneMagCount++
	h.zoneMagLock.Unlock()
}
