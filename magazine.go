// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coreheap

import "unsafe"

// magazineHeader is a fixed-capacity stack of freed chunk addresses.
// Every magazine, regardless of which size class it serves, is carved
// from the same storage shape (capacity pinned at mMaxRounds words);
// classes with a smaller magazineCapacity simply leave the tail of
// objects unused. This trades a little memory for a single, simple
// allocation path for magazine storage itself, which is what lets
// newmag pre-staging (below) stay a single-shot allocation instead of
// needing a size-matched variant per class.
type magazineHeader struct {
	capacity int32
	rounds   int32
	next     *magazineHeader
	objects  [mMaxRounds]uintptr
}

var magazineStorageSize = int(unsafe.Sizeof(magazineHeader{}))

func (m *magazineHeader) full() bool  { return int(m.rounds) == int(m.capacity) }
func (m *magazineHeader) empty() bool { return m.rounds == 0 }

func (m *magazineHeader) push(p uintptr) {
	m.objects[m.rounds] = p
	m.rounds++
}

func (m *magazineHeader) pop() uintptr {
	m.rounds--
	return m.objects[m.rounds]
}

// newMagazine allocates magazine storage straight from the slab engine,
// bypassing the magazine cache entirely (spec's MAGS_INTERNAL flag):
// servicing a magazine-cache miss by trying to pull another magazine
// out of the magazine cache would recurse forever.
func (h *Heap) newMagazine(capacity int) (*magazineHeader, error) {
	ptr, err := h.slabAlloc(magazineStorageSize, allocFlags{internal: true})
	if err != nil {
		return nil, err
	}
	m := (*magazineHeader)(unsafe.Pointer(ptr))
	m.capacity = int32(capacity)
	m.rounds = 0
	m.next = nil
	return m, nil
}

func (h *Heap) freeMagazine(m *magazineHeader) {
	m.next = nil
	h.slabFree(uintptr(unsafe.Pointer(m)), allocFlags{internal: true})
}
