// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coreheap

import "modernc.org/mathutil"

// Size classes, modeled on the class_to_size/size_to_class split found in
// the Go runtime's own allocator (see class_to_size in runtime/msize.go):
// a small static table built once and consulted by classify on every
// call, never mutated afterwards.

const (
	// ZoneSize is the size, and required alignment, of a zone.
	ZoneSize = 1 << 16

	// ZoneLimit is the smallest request size serviced by the
	// big-allocation path instead of the slab engine.
	ZoneLimit = 1 << 14

	// NumSizeClasses is the number of slots in the class table,
	// including the unused holes the table below leaves between bands.
	NumSizeClasses = 71

	mMaxRounds = 509
	mMinRounds = 16

	cacheChunks = 32
)

// MaxSlabPageAlign is the largest power-of-two request size still routed
// through the slab engine for alignment purposes (spec: 2*PAGE_SIZE).
var MaxSlabPageAlign int

type sizeBand struct {
	lo, hi           int
	chunking         int
	startIdx, endIdx int
}

// sizeBands is the literal table from the specification: each row is an
// (input range, chunking, class index range) tuple. Rows are consulted in
// order; the first row whose [lo,hi] contains the request wins.
var sizeBands = []sizeBand{
	{1, 15, 8, 0, 1},
	{16, 127, 16, 3, 10},
	{128, 255, 16, 12, 17},
	{256, 511, 32, 23, 30},
	{512, 1023, 64, 31, 38},
	{1024, 2047, 128, 39, 46},
	{2048, 4095, 256, 47, 54},
	{4096, 8191, 512, 55, 62},
	{8192, 16383, 1024, 63, 70},
}

type sizeClassInfo struct {
	valid    bool
	chunking int
	size     int // chunk_size represented by this class index
}

var classTable [NumSizeClasses]sizeClassInfo

// bandStep returns the stride, in multiples of b.chunking, between
// consecutive class sizes in b. A band's declared index range does
// not always hold one slot per chunking-step between lo and hi (e.g.
// 128-255 at a chunking of 16 spans 9 distinct rounded values but
// reserves only 6 indices) -- the same coarsening real slab allocators
// apply when they cap the number of size classes below one-per-quantum,
// trading a little internal fragmentation at the top of the band for a
// bounded table. bandStep spreads the band's declared indices evenly
// across [base, roundup(hi, chunking)], rounding the stride itself up
// to a multiple of chunking so every class size stays chunking-aligned,
// and rounding the division up so the band's last class is always big
// enough to hold its declared hi.
func bandStep(b sizeBand) int {
	count := b.endIdx - b.startIdx + 1
	if count <= 1 {
		return b.chunking
	}
	base := roundup(b.lo, b.chunking)
	maxRounded := roundup(b.hi, b.chunking)
	span := maxRounded - base
	steps := count - 1
	step := roundup((span+steps-1)/steps, b.chunking)
	if step < b.chunking {
		step = b.chunking
	}
	return step
}

func init() {
	for _, b := range sizeBands {
		base := roundup(b.lo, b.chunking)
		step := bandStep(b)
		for idx := b.startIdx; idx <= b.endIdx; idx++ {
			classTable[idx] = sizeClassInfo{
				valid:    true,
				chunking: b.chunking,
				size:     base + (idx-b.startIdx)*step,
			}
		}

		// classify only ever selects indices up to reachableIdx for
		// this band (see its own off computation below); any indices
		// above that, if the band's index range is wider than one
		// step per reachable offset, sit unused as harmless dead
		// entries. What must never happen is reachableIdx itself
		// coming up short of the band's hi bound.
		reachableOff := 0
		if maxRounded := roundup(b.hi, b.chunking); maxRounded > base {
			reachableOff = (maxRounded - base + step - 1) / step
		}
		reachableIdx := b.startIdx + reachableOff
		if reachableIdx > b.endIdx || classTable[reachableIdx].size < b.hi {
			corrupt("size class table: reachable top index undersized for its band")
		}
	}
}

// roundup rounds n up to a multiple of m. m must be a power of two.
func roundup(n, m int) int { return (n + m - 1) &^ (m - 1) }

// isPow2 reports whether n is a power of two.
func isPow2(n int) bool { return n > 0 && n&(n-1) == 0 }

// classify partitions [1, ZoneLimit) into the fixed set of size classes
// described by sizeBands. It is pure: the same size always yields the
// same classIndex, and the returned chunk size always satisfies
// chunkSize >= size, so usable_size(malloc(s)) is always at least s,
// by construction of bandStep above: the offset into the band is
// computed by ceiling division so it never underselects, and clamping
// it to the band's last index is safe only because bandStep guarantees
// that last index's size already covers the band's entire hi bound.
func classify(size int) (classIndex, rounded, chunking int) {
	for _, b := range sizeBands {
		if size < b.lo || size > b.hi {
			continue
		}
		chunking = b.chunking
		base := roundup(b.lo, chunking)
		step := bandStep(b)
		count := b.endIdx - b.startIdx + 1
		naive := roundup(size, chunking)

		off := 0
		if naive > base {
			off = (naive - base + step - 1) / step
		}
		if off > count-1 {
			off = count - 1
		}
		rounded = base + off*step
		if rounded < size {
			corrupt("classify: size-class table failed to cover a requested size")
		}
		return b.startIdx + off, rounded, chunking
	}
	// Unreachable for any size in [1, ZoneLimit) given sizeBands covers
	// that whole range; callers must not call classify outside it.
	corrupt("classify: size outside slab range")
	return 0, 0, 0
}

// bypassSlab reports whether size should skip the slab engine entirely:
// it is at or above the zone limit, or it is an exact multiple of the
// page size larger than MaxSlabPageAlign.
func bypassSlab(size int) bool {
	if size >= ZoneLimit {
		return true
	}
	return size%PageSize == 0 && size > MaxSlabPageAlign
}

// magazineCapacity decreases linearly from mMaxRounds at class 0 to
// mMinRounds at the largest class: small objects get deeper magazines.
func magazineCapacity(classIndex int) int {
	span := mMaxRounds - mMinRounds
	v := int(mathutil.MinInt64(mMaxRounds, int64(mMaxRounds-span*classIndex/(NumSizeClasses-1))))
	if v < mMinRounds {
		v = mMinRounds
	}
	return v
}
