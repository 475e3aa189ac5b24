// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coreheap

import "testing"

func TestMagazineFullEmptyPushPop(t *testing.T) {
	h := NewHeap()
	m, err := h.newMagazine(4)
	if err != nil {
		t.Fatal(err)
	}
	defer h.freeMagazine(m)

	if !m.empty() || m.full() {
		t.Fatalf("fresh magazine should be empty, not full: %+v", m)
	}

	var pushed []uintptr
	for i := 0; i < 4; i++ {
		p := uintptr(0x1000 + i*8)
		pushed = append(pushed, p)
		m.push(p)
	}
	if !m.full() {
		t.Fatal("magazine should report full after capacity pushes")
	}

	for i := len(pushed) - 1; i >= 0; i-- {
		if got := m.pop(); got != pushed[i] {
			t.Fatalf("pop order: got %#x, want %#x (LIFO)", got, pushed[i])
		}
	}
	if !m.empty() {
		t.Fatal("magazine should be empty after popping everything pushed")
	}
}

func TestCachePoolAcquireRelease(t *testing.T) {
	var p cachePool
	s1 := p.acquire()
	s2 := p.acquire()
	if s1 == s2 {
		t.Fatal("two concurrent acquires returned the same slot")
	}
	p.release(s1)
	s3 := p.acquire()
	if s3 != s1 {
		t.Fatal("acquire after release should be able to reuse the freed slot")
	}
	p.release(s2)
	p.release(s3)
}
