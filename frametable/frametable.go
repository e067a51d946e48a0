// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package frametable arbitrates a fixed pool of physical page frames among
// virtual pages, with pinning and eviction.
package frametable

import (
	"container/list"
	"fmt"

	"github.com/jacobsa/syncutil"
)

// Page is the table's view of a virtual page installed in a frame. It is
// implemented by the paging layer.
type Page interface {
	// Write the page's contents out to its backing store and unmap it, if
	// possible. Return false to refuse eviction for now.
	//
	// Called with the frame table's lock held; must not call back into the
	// table.
	Evict() bool
}

// Frame represents one physical page of RAM in the user pool.
type Frame struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	// The kernel-visible memory of this frame. Immutable after construction
	// (the slice header, that is; the bytes are whatever the installed page
	// makes of them).
	kva []byte

	/////////////////////////
	// Mutable state
	/////////////////////////

	// The virtual page currently installed, or nil.
	page Page // GUARDED_BY(t.mu)

	// Pinned frames are never chosen for eviction. Boolean, not counted; see
	// Table.Pin.
	pinned bool // GUARDED_BY(t.mu)

	// Which of the table's lists the frame is on, and its element there. A
	// frame is off both lists only between a successful Evict and the
	// caller's reinstallation.
	//
	// INVARIANT: onFree => page == nil && !pinned
	// INVARIANT: pinned => onAllocated
	onFree      bool          // GUARDED_BY(t.mu)
	onAllocated bool          // GUARDED_BY(t.mu)
	elem        *list.Element // GUARDED_BY(t.mu)
}

// Return the kernel-visible memory of the frame. The caller must coordinate
// with the installed page for access to the contents.
func (f *Frame) KVA() []byte {
	return f.kva
}

// Table owns all frames in the user pool. Create one at boot with New; there
// is no teardown.
type Table struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	// Backing storage for every frame's memory.
	slab []byte

	// All frames, in construction order.
	frames []*Frame

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu syncutil.InvariantMutex

	// Frames available for allocation. Alloc pops from the back and Free
	// pushes to the back, so reuse is stack-like.
	//
	// INVARIANT: Every element is a *Frame with onFree set.
	free list.List // GUARDED_BY(mu)

	// Frames handed out by Alloc, in allocation order. The eviction scan
	// walks from the front.
	//
	// INVARIANT: Every element is a *Frame with onAllocated set.
	allocated list.List // GUARDED_BY(mu)
}

// Create a table whose pool contains numFrames frames of pageSize bytes
// each, all initially free.
func New(numFrames int, pageSize int) *Table {
	t := &Table{
		slab:   make([]byte, numFrames*pageSize),
		frames: make([]*Frame, numFrames),
	}

	t.free.Init()
	t.allocated.Init()

	for i := 0; i < numFrames; i++ {
		f := &Frame{
			kva: t.slab[i*pageSize : (i+1)*pageSize],
		}

		f.onFree = true
		f.elem = t.free.PushBack(f)
		t.frames[i] = f
	}

	t.mu = syncutil.NewInvariantMutex(t.checkInvariants)
	return t
}

func (t *Table) checkInvariants() {
	onLists := 0

	// INVARIANT: Every element is a *Frame with onFree set.
	for e := t.free.Front(); e != nil; e = e.Next() {
		f := e.Value.(*Frame)
		onLists++

		if !f.onFree || f.onAllocated {
			panic(fmt.Sprintf("Frame %p on free list with bad membership", f))
		}

		// INVARIANT: onFree => page == nil && !pinned
		if f.page != nil || f.pinned {
			panic(fmt.Sprintf("Free frame %p has page or pin", f))
		}
	}

	// INVARIANT: Every element is a *Frame with onAllocated set.
	for e := t.allocated.Front(); e != nil; e = e.Next() {
		f := e.Value.(*Frame)
		onLists++

		if !f.onAllocated || f.onFree {
			panic(fmt.Sprintf("Frame %p on allocated list with bad membership", f))
		}
	}

	if onLists > len(t.frames) {
		panic(fmt.Sprintf(
			"%d frames on lists; only %d exist",
			onLists,
			len(t.frames)))
	}

	// INVARIANT: pinned => onAllocated
	for _, f := range t.frames {
		if f.pinned && !f.onAllocated {
			panic(fmt.Sprintf("Pinned frame %p not allocated", f))
		}
	}
}

// Alloc returns a frame with no page installed and the pinned flag set, so
// that the caller can finish wiring its page before the frame becomes an
// eviction candidate. Unpin when done.
//
// If the pool is exhausted and no allocated frame can be evicted, Alloc
// panics; the machine is genuinely out of memory.
func (t *Table) Alloc() *Frame {
	t.mu.Lock()
	defer t.mu.Unlock()

	var f *Frame
	if e := t.free.Back(); e != nil {
		f = e.Value.(*Frame)
		t.free.Remove(e)
		f.onFree = false
		f.elem = nil
	} else {
		f = t.pickAndEvict()
	}

	f.page = nil
	f.pinned = true
	f.onAllocated = true
	f.elem = t.allocated.PushBack(f)

	return f
}

// Scan the allocated list in insertion order and return the first frame that
// evicts successfully, detached from the list. Panic if none does.
//
// LOCKS_REQUIRED(t.mu)
func (t *Table) pickAndEvict() *Frame {
	for e := t.allocated.Front(); e != nil; e = e.Next() {
		f := e.Value.(*Frame)
		if t.evictLocked(f) {
			return f
		}
	}

	panic("frametable: out of frames")
}

// Free returns the frame to the pool, clearing its page and pin state.
func (t *Table) Free(f *Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if f.onAllocated {
		t.allocated.Remove(f.elem)
		f.onAllocated = false
	}

	f.page = nil
	f.pinned = false
	f.onFree = true
	f.elem = t.free.PushBack(f)
}

// Install the given page in the frame.
//
// REQUIRES: f was returned by Alloc and not since freed or evicted.
func (t *Table) SetPage(f *Frame, p Page) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f.page = p
}

// Return the page currently installed in the frame, or nil.
func (t *Table) Page(f *Frame) Page {
	t.mu.Lock()
	defer t.mu.Unlock()

	return f.page
}

// Pin the frame, making it ineligible for eviction.
//
// The flag is boolean, not a count: two Pins followed by one Unpin leave the
// frame unpinned. Callers that need nesting must serialise above this layer.
func (t *Table) Pin(f *Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f.pinned = true
}

// Clear the frame's pinned flag.
func (t *Table) Unpin(f *Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f.pinned = false
}

// Report whether the frame is currently pinned.
func (t *Table) Pinned(f *Frame) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return f.pinned
}

// Evict attempts to reclaim an allocated frame in place. It fails with no
// state change if the frame is pinned or its page refuses eviction. On
// success the frame's page reference is cleared and the frame is removed
// from the allocated list; the caller decides what happens to it next.
func (t *Table) Evict(f *Frame) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.evictLocked(f)
}

// LOCKS_REQUIRED(t.mu)
func (t *Table) evictLocked(f *Frame) bool {
	if f.pinned {
		return false
	}

	if f.page != nil && !f.page.Evict() {
		return false
	}

	f.page = nil
	t.allocated.Remove(f.elem)
	f.onAllocated = false
	f.elem = nil

	return true
}

// Return the number of frames currently on the free list.
func (t *Table) NumFree() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.free.Len()
}

// Return the number of frames currently allocated.
func (t *Table) NumAllocated() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.allocated.Len()
}
