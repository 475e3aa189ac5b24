// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coreheap

import (
	"runtime"
	"sync/atomic"
)

// spinlock is a tight CAS loop, the same shape as the cas-protected
// sweepgen transitions in the runtime's mcentral: try the swap, and on
// failure give the scheduler a chance to run whichever goroutine is
// holding the lock before retrying.
type spinlock struct {
	state atomic.Uint32
}

const (
	spinUnlocked = 0
	spinLocked   = 1
)

func (l *spinlock) Lock() {
	spins := 0
	for !l.state.CompareAndSwap(spinUnlocked, spinLocked) {
		spins++
		if spins > 16 {
			runtime.Gosched()
			spins = 0
		}
	}
}

func (l *spinlock) Unlock() {
	l.state.Store(spinUnlocked)
}

func (l *spinlock) TryLock() bool {
	return l.state.CompareAndSwap(spinUnlocked, spinLocked)
}
