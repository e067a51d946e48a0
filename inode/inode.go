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

// Package inode implements persistent file metadata records, each identified
// by the sector holding it and carrying a contiguous extent of data sectors.
package inode

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/jacobsa/oscore/blockcache"
	"github.com/jacobsa/oscore/blockdev"
	"github.com/jacobsa/oscore/freemap"
	"github.com/jacobsa/syncutil"
	"golang.org/x/net/context"
)

// Identifies an inode metadata sector on disk.
const magic = 0x494e4f44

// On-disk layout of an inode's metadata sector, little endian:
//
//	offset 0:  magic     uint32
//	offset 4:  start     uint32  (first data sector; meaningless if capacity == 0)
//	offset 8:  capacity  uint32  (data sectors in the extent)
//	offset 12: isDir     byte
//	offset 16: length    int64   (bytes; <= capacity * SectorSize)
const metaSize = 24

var ErrBadInode = fmt.Errorf("sector does not hold an inode")

// Create a store over the given cache and free map. The store tracks open
// inodes so that all handles for one on-disk inode share a single struct,
// and with it a single directory lock.
func NewStore(
	cache *blockcache.Cache,
	fm *freemap.Freemap) *Store {
	s := &Store{
		cache: cache,
		fm:    fm,
		open:  make(map[blockdev.SectorNum]*Inode),
	}

	s.mu = syncutil.NewInvariantMutex(s.checkInvariants)
	return s
}

type Store struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	cache *blockcache.Cache
	fm    *freemap.Freemap

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu syncutil.InvariantMutex

	// All currently-open inodes, by metadata sector.
	//
	// INVARIANT: For each value in, in.openCount > 0
	// INVARIANT: For each key k and value in, in.sector == k
	open map[blockdev.SectorNum]*Inode // GUARDED_BY(mu)
}

func (s *Store) checkInvariants() {
	for k, in := range s.open {
		// INVARIANT: For each value in, in.openCount > 0
		if in.openCount <= 0 {
			panic(fmt.Sprintf("Open count %d for inode %d", in.openCount, k))
		}

		// INVARIANT: For each key k and value in, in.sector == k
		if in.sector != k {
			panic(fmt.Sprintf("Inode %d filed under %d", in.sector, k))
		}
	}
}

// An open handle-shared inode. The struct is shared by every open of the
// same on-disk inode, so its directory lock is too.
type Inode struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	store *Store

	/////////////////////////
	// Constant data
	/////////////////////////

	// The metadata sector, which is the inode's identity.
	sector blockdev.SectorNum

	start    blockdev.SectorNum
	capacity blockdev.SectorNum
	isDir    bool

	/////////////////////////
	// Mutable state
	/////////////////////////

	// The lock serialising mutation of this inode's contents when it is
	// interpreted as a directory. Held by the directory layer, never by this
	// package.
	dirLock sync.Mutex

	// Guards length.
	metaMu sync.Mutex

	// The current length of the inode's contents, in bytes.
	//
	// INVARIANT: 0 <= length <= int64(capacity) * SectorSize
	length int64 // GUARDED_BY(metaMu)

	openCount int  // GUARDED_BY(store.mu)
	removed   bool // GUARDED_BY(store.mu)
}

////////////////////////////////////////////////////////////////////////
// Store operations
////////////////////////////////////////////////////////////////////////

// Create an inode at the given metadata sector (which the caller has already
// allocated), with a zeroed contiguous extent able to hold capacity bytes
// and an initial length of length bytes.
//
// REQUIRES: 0 <= length <= capacity
func (s *Store) Create(
	ctx context.Context,
	sector blockdev.SectorNum,
	length int64,
	capacity int64,
	isDir bool) error {
	if length < 0 || length > capacity {
		return fmt.Errorf("length %d outside [0, %d]", length, capacity)
	}

	sectors := int((capacity + blockdev.SectorSize - 1) / blockdev.SectorSize)

	var start blockdev.SectorNum
	if sectors > 0 {
		var err error
		start, err = s.fm.Allocate(ctx, sectors)
		if err != nil {
			return fmt.Errorf("Allocate: %w", err)
		}
	}

	// Zero the extent so that stale device contents can't leak into the new
	// inode.
	var zero [blockdev.SectorSize]byte
	for i := 0; i < sectors; i++ {
		n := start + blockdev.SectorNum(i)
		if err := s.cache.WriteAt(ctx, n, zero[:], 0, false); err != nil {
			return fmt.Errorf("WriteAt(%d): %w", n, err)
		}
	}

	var meta [metaSize]byte
	binary.LittleEndian.PutUint32(meta[0:], magic)
	binary.LittleEndian.PutUint32(meta[4:], uint32(start))
	binary.LittleEndian.PutUint32(meta[8:], uint32(sectors))
	if isDir {
		meta[12] = 1
	}
	binary.LittleEndian.PutUint64(meta[16:], uint64(length))

	err := s.cache.WriteAt(ctx, sector, meta[:], 0, true)
	if err != nil {
		return fmt.Errorf("WriteAt: %w", err)
	}

	return nil
}

// Open the inode whose metadata lives at the given sector. All simultaneous
// opens of one sector share a single *Inode. Close when done.
func (s *Store) Open(
	ctx context.Context,
	sector blockdev.SectorNum) (*Inode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if in, ok := s.open[sector]; ok {
		in.openCount++
		return in, nil
	}

	var meta [metaSize]byte
	err := s.cache.ReadAt(ctx, sector, meta[:], 0, true)
	if err != nil {
		return nil, fmt.Errorf("ReadAt: %w", err)
	}

	if binary.LittleEndian.Uint32(meta[0:]) != magic {
		return nil, ErrBadInode
	}

	in := &Inode{
		store:     s,
		sector:    sector,
		start:     blockdev.SectorNum(binary.LittleEndian.Uint32(meta[4:])),
		capacity:  blockdev.SectorNum(binary.LittleEndian.Uint32(meta[8:])),
		isDir:     meta[12] != 0,
		length:    int64(binary.LittleEndian.Uint64(meta[16:])),
		openCount: 1,
	}

	s.open[sector] = in
	return in, nil
}

////////////////////////////////////////////////////////////////////////
// Inode operations
////////////////////////////////////////////////////////////////////////

// Take an additional reference to the inode. Each Reopen requires its own
// Close.
func (in *Inode) Reopen() *Inode {
	in.store.mu.Lock()
	defer in.store.mu.Unlock()

	in.openCount++
	return in
}

// Drop a reference. The last close of an inode marked for removal releases
// its extent and metadata sector back to the free map.
func (in *Inode) Close(ctx context.Context) error {
	s := in.store

	s.mu.Lock()
	in.openCount--
	last := in.openCount == 0
	removed := in.removed
	if last {
		delete(s.open, in.sector)
	}
	s.mu.Unlock()

	if !last || !removed {
		return nil
	}

	if in.capacity > 0 {
		err := s.fm.Release(ctx, in.start, int(in.capacity))
		if err != nil {
			return fmt.Errorf("Release extent: %w", err)
		}
	}

	if err := s.fm.Release(ctx, in.sector, 1); err != nil {
		return fmt.Errorf("Release metadata: %w", err)
	}

	return nil
}

// Mark the inode for deletion when the last handle is closed. Until then it
// remains fully usable.
func (in *Inode) Remove() {
	in.store.mu.Lock()
	defer in.store.mu.Unlock()

	in.removed = true
}

// Return the number of outstanding handles.
func (in *Inode) OpenCount() int {
	in.store.mu.Lock()
	defer in.store.mu.Unlock()

	return in.openCount
}

func (in *Inode) IsDir() bool {
	return in.isDir
}

// Return the metadata sector identifying this inode.
func (in *Inode) Sector() blockdev.SectorNum {
	return in.sector
}

// Return the store the inode was opened from.
func (in *Inode) Store() *Store {
	return in.store
}

func (in *Inode) Length() int64 {
	in.metaMu.Lock()
	defer in.metaMu.Unlock()

	return in.length
}

// Acquire the lock serialising directory mutation of this inode. One lock
// per distinct underlying inode, however many handles exist.
func (in *Inode) Lock() {
	in.dirLock.Lock()
}

func (in *Inode) Unlock() {
	in.dirLock.Unlock()
}

// Read up to len(p) bytes starting at the given offset, stopping at the end
// of the inode. Returns io.EOF when off is at or beyond the end. While
// streaming across sectors, the next sector of the extent is scheduled for
// read-ahead.
func (in *Inode) ReadAt(
	ctx context.Context,
	p []byte,
	off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}

	length := in.Length()
	if off >= length {
		return 0, io.EOF
	}

	if max := length - off; int64(len(p)) > max {
		p = p[:max]
	}

	n := 0
	for n < len(p) {
		idx := (off + int64(n)) / blockdev.SectorSize
		sectorOff := int((off + int64(n)) % blockdev.SectorSize)

		chunk := blockdev.SectorSize - sectorOff
		if rem := len(p) - n; chunk > rem {
			chunk = rem
		}

		sector := in.start + blockdev.SectorNum(idx)

		var err error
		if next := idx + 1; next < int64(in.capacity) {
			err = in.store.cache.ReadAtAhead(
				ctx,
				sector,
				p[n:n+chunk],
				sectorOff,
				in.isDir,
				in.start+blockdev.SectorNum(next))
		} else {
			err = in.store.cache.ReadAt(
				ctx,
				sector,
				p[n:n+chunk],
				sectorOff,
				in.isDir)
		}

		if err != nil {
			return n, err
		}

		n += chunk
	}

	return n, nil
}

// Write len(p) bytes at the given offset, extending the inode's length up to
// its fixed capacity. A write clipped by the capacity returns the number of
// bytes written and io.ErrShortWrite.
func (in *Inode) WriteAt(
	ctx context.Context,
	p []byte,
	off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}

	capacity := int64(in.capacity) * blockdev.SectorSize

	short := false
	if off >= capacity {
		return 0, io.ErrShortWrite
	}

	if max := capacity - off; int64(len(p)) > max {
		p = p[:max]
		short = true
	}

	n := 0
	for n < len(p) {
		idx := (off + int64(n)) / blockdev.SectorSize
		sectorOff := int((off + int64(n)) % blockdev.SectorSize)

		chunk := blockdev.SectorSize - sectorOff
		if rem := len(p) - n; chunk > rem {
			chunk = rem
		}

		sector := in.start + blockdev.SectorNum(idx)
		err := in.store.cache.WriteAt(
			ctx,
			sector,
			p[n:n+chunk],
			sectorOff,
			in.isDir)
		if err != nil {
			return n, err
		}

		n += chunk
	}

	// Extend the length if we wrote past the old end, persisting the new
	// metadata.
	if err := in.extendTo(ctx, off+int64(n)); err != nil {
		return n, err
	}

	if short {
		return n, io.ErrShortWrite
	}

	return n, nil
}

func (in *Inode) extendTo(ctx context.Context, end int64) error {
	in.metaMu.Lock()
	defer in.metaMu.Unlock()

	if end <= in.length {
		return nil
	}

	in.length = end

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(end))
	err := in.store.cache.WriteAt(ctx, in.sector, buf[:], 16, true)
	if err != nil {
		return fmt.Errorf("WriteAt: %w", err)
	}

	return nil
}
