// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package coreheap

import "testing"

// Prefork/ParentFork/ChildFork must bracket cleanly: after a
// Prefork/ParentFork pair, both the depot and zone-magazine locks must
// be free again, so a subsequent allocation (which may take either
// under the hood) does not deadlock.
func TestForkHooksReleaseLocks(t *testing.T) {
	h := NewHeap()
	h.Prefork()
	h.ParentFork()

	p, err := h.Malloc(64)
	if err != nil {
		t.Fatal(err)
	}
	h.Free(p)

	h.Prefork()
	h.ChildFork()

	q, err := h.Malloc(64)
	if err != nil {
		t.Fatal(err)
	}
	h.Free(q)
}
