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

package frametable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pageSize = 64

// A page that accepts or refuses eviction as configured, counting the
// attempts.
type testPage struct {
	evictable bool
	evictions int
}

func (p *testPage) Evict() bool {
	if !p.evictable {
		return false
	}

	p.evictions++
	return true
}

func TestAlloc_DrainsPool(t *testing.T) {
	table := New(4, pageSize)
	assert.Equal(t, 4, table.NumFree())

	var frames []*Frame
	for i := 0; i < 4; i++ {
		f := table.Alloc()
		require.NotNil(t, f)
		assert.Len(t, f.KVA(), pageSize)
		assert.True(t, table.Pinned(f))
		assert.Nil(t, table.Page(f))
		frames = append(frames, f)
	}

	assert.Equal(t, 0, table.NumFree())
	assert.Equal(t, 4, table.NumAllocated())

	// Every frame should have distinct backing memory.
	seen := make(map[*byte]bool)
	for _, f := range frames {
		p := &f.KVA()[0]
		assert.False(t, seen[p])
		seen[p] = true
	}
}

func TestFree_ReturnsToPool(t *testing.T) {
	table := New(2, pageSize)

	f := table.Alloc()
	table.SetPage(f, &testPage{})
	table.Free(f)

	assert.Equal(t, 2, table.NumFree())
	assert.Equal(t, 0, table.NumAllocated())
}

func TestFree_IsLIFO(t *testing.T) {
	table := New(2, pageSize)

	a := table.Alloc()
	b := table.Alloc()
	table.Free(a)
	table.Free(b)

	// The most recently freed frame should come back first.
	assert.Same(t, b, table.Alloc())
	assert.Same(t, a, table.Alloc())
}

func TestPin_IsBoolean(t *testing.T) {
	table := New(1, pageSize)
	f := table.Alloc()

	// Two pins and one unpin leave the frame unpinned; the flag is not a
	// count.
	table.Pin(f)
	table.Pin(f)
	table.Unpin(f)

	assert.False(t, table.Pinned(f))
}

func TestEvict_RefusesPinned(t *testing.T) {
	table := New(1, pageSize)

	f := table.Alloc()
	page := &testPage{evictable: true}
	table.SetPage(f, page)

	assert.False(t, table.Evict(f))
	assert.Equal(t, 0, page.evictions)
	assert.Same(t, page, table.Page(f).(*testPage))
}

func TestEvict_RefusedByPage(t *testing.T) {
	table := New(1, pageSize)

	f := table.Alloc()
	table.Unpin(f)
	page := &testPage{evictable: false}
	table.SetPage(f, page)

	assert.False(t, table.Evict(f))
	assert.Equal(t, 1, table.NumAllocated())
	assert.Same(t, page, table.Page(f).(*testPage))
}

func TestEvict_Success(t *testing.T) {
	table := New(1, pageSize)

	f := table.Alloc()
	table.Unpin(f)
	page := &testPage{evictable: true}
	table.SetPage(f, page)

	assert.True(t, table.Evict(f))
	assert.Equal(t, 1, page.evictions)
	assert.Equal(t, 0, table.NumAllocated())
	assert.Equal(t, 0, table.NumFree())
}

func TestAlloc_EvictsUnderPressure(t *testing.T) {
	const numFrames = 4
	table := New(numFrames, pageSize)

	// Fill the pool, pinning everybody but one.
	pages := make([]*testPage, numFrames)
	for i := 0; i < numFrames; i++ {
		f := table.Alloc()
		pages[i] = &testPage{evictable: true}
		table.SetPage(f, pages[i])
		if i == 2 {
			table.Unpin(f)
		}
	}

	// One more allocation must evict the unpinned page and nobody else.
	f := table.Alloc()
	require.NotNil(t, f)
	assert.Nil(t, table.Page(f))
	assert.True(t, table.Pinned(f))

	for i, page := range pages {
		if i == 2 {
			assert.Equal(t, 1, page.evictions, "page %d", i)
		} else {
			assert.Equal(t, 0, page.evictions, "page %d", i)
		}
	}

	assert.Equal(t, numFrames, table.NumAllocated())
}

func TestAlloc_EvictionScanIsFIFO(t *testing.T) {
	const numFrames = 3
	table := New(numFrames, pageSize)

	pages := make([]*testPage, numFrames)
	for i := 0; i < numFrames; i++ {
		f := table.Alloc()
		pages[i] = &testPage{evictable: true}
		table.SetPage(f, pages[i])
		table.Unpin(f)
	}

	// With everybody evictable, the scan takes the oldest allocation.
	table.Alloc()
	assert.Equal(t, 1, pages[0].evictions)
	assert.Equal(t, 0, pages[1].evictions)
	assert.Equal(t, 0, pages[2].evictions)
}

func TestAlloc_PanicsWhenExhausted(t *testing.T) {
	const numFrames = 3
	table := New(numFrames, pageSize)

	// Everybody pinned: the pool is exhausted for good.
	for i := 0; i < numFrames; i++ {
		table.Alloc()
	}

	assert.PanicsWithValue(t, "frametable: out of frames", func() {
		table.Alloc()
	})
}

func TestAlloc_RefusingPagesAreSkipped(t *testing.T) {
	const numFrames = 2
	table := New(numFrames, pageSize)

	stubborn := &testPage{evictable: false}
	willing := &testPage{evictable: true}

	f := table.Alloc()
	table.SetPage(f, stubborn)
	table.Unpin(f)

	f = table.Alloc()
	table.SetPage(f, willing)
	table.Unpin(f)

	table.Alloc()
	assert.Equal(t, 1, willing.evictions)
}
