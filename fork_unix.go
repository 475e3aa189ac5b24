// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package coreheap

// Prefork, ParentFork and ChildFork give callers that manage raw
// fork() themselves (e.g. via syscall.ForkExec's internals, or cgo) a
// fork-safety bracket. The Go runtime does not expose a portable
// atfork hook the way pthread_atfork does, so these are not wired
// automatically; a caller bracketing its own fork() with these three
// calls gets the guarantee that no other thread can be mid-mutation of
// the depot or the zone magazine at the instant of the fork, so the
// child starts with both in a consistent state.
//
// Size-class and bigalloc shard locks are deliberately not acquired
// here: the lock order (depot, then zone magazine) and the rarity of
// mid-operation forks make that acceptable.
func (h *Heap) Prefork() {
	h.depotLock.Lock()
	h.zoneMagLock.Lock()
}

func (h *Heap) ParentFork() {
	h.zoneMagLock.Unlock()
	h.depotLock.Unlock()
}

func (h *Heap) ChildFork() {
	h.zoneMagLock.Unlock()
	h.depotLock.Unlock()
}
