// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coreheap

import "errors"

// ErrOutOfMemory is returned when the VM adapter refuses a mapping
// request. Callers that need C errno semantics should translate this to
// ENOMEM at their boundary.
var ErrOutOfMemory = errors.New("coreheap: out of memory")

// ErrInvalidArgument is returned by AlignedAlloc/PosixMemalign for an
// alignment that is not a power of two, or smaller than a pointer.
var ErrInvalidArgument = errors.New("coreheap: invalid argument")

// ErrCountOverflow is returned by Calloc when n*size overflows.
var ErrCountOverflow = errors.New("coreheap: count overflow")

// corrupt reports a fatal internal-consistency violation. Any lock held
// by the detector must already be released before this is called, so
// that a panic handler that itself allocates does not deadlock.
func corrupt(msg string) {
	panic("coreheap: corruption detected: " + msg)
}
