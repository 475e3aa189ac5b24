// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package coreheap implements a general purpose process heap allocator: a
// drop-in engine for malloc/calloc/realloc/free/aligned_alloc/
// posix_memalign/malloc_usable_size semantics.
//
// The design is a two-level slab engine. Requests below a zone limit are
// mapped to one of a fixed set of size classes and served out of 64KiB
// zones subdivided into equal chunks; each top-level call pins one slot of
// a shared cache pool, which keeps a pair of magazines per size class to
// avoid taking any lock on the common path, cycling through a
// per-size-class depot on miss. Requests at or
// above the zone limit, or any page-aligned request past two pages, go
// through a separate big-allocation path backed by a sharded hash table of
// bookkeeping records and a small bigcache that retains recently freed
// buffers to avoid repeated mmap/munmap traffic.
//
// Changelog
//
// 2024-01-08 Added the magazine/depot per-goroutine cache and the
// oversized-block bigcache; both replace the single free-list design.
package coreheap
