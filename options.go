// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coreheap

import "sync/atomic"

// Options holds the heap's runtime tuning flags, each guarded by its
// own atomic so ParseOptions can be called at any point in a heap's
// lifetime without additional locking.
type Options struct {
	trace      atomic.Bool // U / u
	alwaysZero atomic.Bool // Z / z
	pageHint   atomic.Bool // H / h
}

// ParseOptions applies a tuning-option string to h: unknown characters
// are ignored, later characters win over earlier ones for the same
// option.
func (h *Heap) ParseOptions(opts string) {
	for _, c := range opts {
		switch c {
		case 'U':
			h.opts.trace.Store(true)
		case 'u':
			h.opts.trace.Store(false)
		case 'Z':
			h.opts.alwaysZero.Store(true)
		case 'z':
			h.opts.alwaysZero.Store(false)
		case 'H':
			h.opts.pageHint.Store(true)
		case 'h':
			h.opts.pageHint.Store(false)
		}
	}
}
