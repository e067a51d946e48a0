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

// Package directory interprets directory inodes as dense arrays of
// name-to-sector entries, and resolves file paths over them.
package directory

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jacobsa/oscore/blockdev"
	"github.com/jacobsa/oscore/inode"
	"golang.org/x/net/context"
)

// The maximum length of one name component, in bytes.
const NameMax = 14

// The well-known sector of the root directory's inode.
const RootSector blockdev.SectorNum = 1

var (
	ErrNotDir      = errors.New("inode is not a directory")
	ErrInvalidName = errors.New("invalid name")
	ErrNameTooLong = errors.New("name too long")
	ErrExists      = errors.New("name already exists")
	ErrNotFound    = errors.New("no such name")
	ErrNotEmpty    = errors.New("directory not empty")
	ErrNoSpace     = errors.New("no room for another entry")
	ErrBadPath     = errors.New("malformed path")
)

// On-disk layout of one directory entry, little endian:
//
//	offset 0:  sector  uint32
//	offset 4:  name    [NameMax+1]byte, NUL padded
//	offset 19: inUse   byte
const entrySize = 4 + (NameMax + 1) + 1

type dirEntry struct {
	sector blockdev.SectorNum
	name   string
	inUse  bool
}

func decodeEntry(buf []byte) dirEntry {
	name := buf[4 : 4+NameMax+1]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}

	return dirEntry{
		sector: blockdev.SectorNum(binary.LittleEndian.Uint32(buf)),
		name:   string(name),
		inUse:  buf[entrySize-1] != 0,
	}
}

func encodeEntry(e dirEntry) []byte {
	buf := make([]byte, entrySize)
	binary.LittleEndian.PutUint32(buf, uint32(e.sector))
	copy(buf[4:4+NameMax], e.name)
	if e.inUse {
		buf[entrySize-1] = 1
	}

	return buf
}

// A handle over a directory inode. Each handle has its own read cursor, but
// all handles over one underlying inode share its lock, so entry mutation is
// serialised across handles.
//
// A handle may be used by one goroutine at a time.
type Directory struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	in *inode.Inode

	/////////////////////////
	// Mutable state
	/////////////////////////

	// The ReadDir cursor, as a slot index. Initialised past the "." and ".."
	// slots at open time.
	pos int64
}

// Create an empty directory backed by a fresh inode at the given sector
// (which the caller has allocated), able to hold entryCnt entries including
// "." and "..". The parent sector seeds the ".." entry; for the root it is
// the root's own sector.
func Create(
	ctx context.Context,
	store *inode.Store,
	sector blockdev.SectorNum,
	entryCnt int,
	parent blockdev.SectorNum) error {
	if entryCnt < 2 {
		return fmt.Errorf("entryCnt %d; need room for at least . and ..", entryCnt)
	}

	err := store.Create(ctx, sector, 0, int64(entryCnt)*entrySize, true)
	if err != nil {
		return fmt.Errorf("Create inode: %w", err)
	}

	in, err := store.Open(ctx, sector)
	if err != nil {
		return fmt.Errorf("Open: %w", err)
	}
	defer in.Close(ctx)

	dots := []dirEntry{
		{sector: sector, name: ".", inUse: true},
		{sector: parent, name: "..", inUse: true},
	}

	for slot, e := range dots {
		if err := writeEntry(ctx, in, int64(slot), e); err != nil {
			return err
		}
	}

	return nil
}

// Open a directory handle over the given inode, taking ownership of the
// caller's reference. If the inode is not a directory it is closed and
// ErrNotDir returned.
func Open(ctx context.Context, in *inode.Inode) (*Directory, error) {
	if !in.IsDir() {
		in.Close(ctx)
		return nil, ErrNotDir
	}

	return &Directory{
		in:  in,
		pos: 2,
	}, nil
}

// Open the root directory.
func OpenRoot(
	ctx context.Context,
	store *inode.Store) (*Directory, error) {
	in, err := store.Open(ctx, RootSector)
	if err != nil {
		return nil, fmt.Errorf("Open root inode: %w", err)
	}

	return Open(ctx, in)
}

// Return an independent handle over the same directory, with a fresh read
// cursor. The inode's open count is incremented.
func (d *Directory) Reopen(ctx context.Context) (*Directory, error) {
	return Open(ctx, d.in.Reopen())
}

// Close the handle, dropping its inode reference.
func (d *Directory) Close(ctx context.Context) error {
	return d.in.Close(ctx)
}

// Return the directory's underlying inode. The handle retains ownership.
func (d *Directory) Inode() *inode.Inode {
	return d.in
}

// Look up the first in-use entry whose name matches exactly, returning an
// opened inode the caller must close, or ErrNotFound.
func (d *Directory) Lookup(
	ctx context.Context,
	name string) (*inode.Inode, error) {
	d.in.Lock()
	defer d.in.Unlock()

	return d.lookupOpenLocked(ctx, name)
}

// LOCKS_REQUIRED(d.in)
func (d *Directory) lookupOpenLocked(
	ctx context.Context,
	name string) (*inode.Inode, error) {
	e, _, err := d.scanForLocked(ctx, name)
	if err != nil {
		return nil, err
	}

	in, err := d.in.Store().Open(ctx, e.sector)
	if err != nil {
		return nil, fmt.Errorf("Open: %w", err)
	}

	return in, nil
}

// Add an entry mapping name to the inode at the given sector. The lowest
// free slot is reused; failing that the entry is appended at the end. The
// entry exists iff nil is returned.
func (d *Directory) Add(
	ctx context.Context,
	name string,
	sector blockdev.SectorNum) error {
	if err := checkName(name); err != nil {
		return err
	}

	d.in.Lock()
	defer d.in.Unlock()

	if _, _, err := d.scanForLocked(ctx, name); err == nil {
		return ErrExists
	} else if err != ErrNotFound {
		return err
	}

	// Find the first slot not in use, or fall off the end.
	slot := int64(0)
	for ; ; slot++ {
		e, err := readEntry(ctx, d.in, slot)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		if !e.inUse {
			break
		}
	}

	return writeEntry(ctx, d.in, slot, dirEntry{
		sector: sector,
		name:   name,
		inUse:  true,
	})
}

// Remove the entry with the given name. A directory may be removed only if
// no handle but the check's own is open over it and it contains nothing
// besides "." and "..". The removed inode is deleted once its last handle
// closes.
func (d *Directory) Remove(ctx context.Context, name string) error {
	// Removing "." or ".." would orphan the subtree.
	if name == "." || name == ".." {
		return ErrInvalidName
	}

	d.in.Lock()
	defer d.in.Unlock()

	e, slot, err := d.scanForLocked(ctx, name)
	if err != nil {
		return err
	}

	in, err := d.in.Store().Open(ctx, e.sector)
	if err != nil {
		return fmt.Errorf("Open: %w", err)
	}
	defer in.Close(ctx)

	if in.IsDir() {
		// The open count check makes the emptiness scan stable: nobody else
		// holds the directory open, so nobody can be adding to it, and our
		// hold on the parent's lock keeps it from being opened by name.
		if in.OpenCount() != 1 {
			return ErrNotEmpty
		}

		empty, err := isEmpty(ctx, in)
		if err != nil {
			return err
		}

		if !empty {
			return ErrNotEmpty
		}
	}

	// Clear the in-use byte on disk, then mark the inode for deletion.
	e.inUse = false
	if err := writeEntry(ctx, d.in, slot, e); err != nil {
		return err
	}

	in.Remove()
	return nil
}

// Return the name of the next in-use entry after the cursor, advancing the
// cursor past it. The "." and ".." entries are skipped by construction of
// the cursor's initial position. Returns io.EOF when the directory is
// exhausted.
func (d *Directory) ReadDir(ctx context.Context) (string, error) {
	d.in.Lock()
	defer d.in.Unlock()

	for {
		e, err := readEntry(ctx, d.in, d.pos)
		if err != nil {
			return "", err
		}

		d.pos++
		if e.inUse {
			return e.name, nil
		}
	}
}

// Report whether the directory contains no in-use entries besides "." and
// "..".
func (d *Directory) Empty(ctx context.Context) (bool, error) {
	d.in.Lock()
	defer d.in.Unlock()

	return isEmpty(ctx, d.in)
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func checkName(name string) error {
	if name == "" {
		return ErrInvalidName
	}

	if strings.ContainsAny(name, "/\x00") {
		return ErrInvalidName
	}

	if len(name) > NameMax {
		return ErrNameTooLong
	}

	return nil
}

// Find the first in-use entry with the given name.
//
// LOCKS_REQUIRED(d.in)
func (d *Directory) scanForLocked(
	ctx context.Context,
	name string) (dirEntry, int64, error) {
	for slot := int64(0); ; slot++ {
		e, err := readEntry(ctx, d.in, slot)
		if err == io.EOF {
			return dirEntry{}, 0, ErrNotFound
		}
		if err != nil {
			return dirEntry{}, 0, err
		}

		if e.inUse && e.name == name {
			return e, slot, nil
		}
	}
}

func isEmpty(ctx context.Context, in *inode.Inode) (bool, error) {
	for slot := int64(0); ; slot++ {
		e, err := readEntry(ctx, in, slot)
		if err == io.EOF {
			return true, nil
		}
		if err != nil {
			return false, err
		}

		if e.inUse && e.name != "." && e.name != ".." {
			return false, nil
		}
	}
}

// Read the entry in the given slot. A read that doesn't cover a full entry
// is treated as the end of the directory.
func readEntry(
	ctx context.Context,
	in *inode.Inode,
	slot int64) (dirEntry, error) {
	var buf [entrySize]byte
	n, err := in.ReadAt(ctx, buf[:], slot*entrySize)
	if err == io.EOF || (err == nil && n < entrySize) {
		return dirEntry{}, io.EOF
	}
	if err != nil {
		return dirEntry{}, fmt.Errorf("ReadAt: %w", err)
	}

	return decodeEntry(buf[:]), nil
}

// Write the entry in the given slot. Failure to commit the full entry is
// ErrNoSpace; the in-use byte is written last, so a clipped write leaves the
// slot unused.
func writeEntry(
	ctx context.Context,
	in *inode.Inode,
	slot int64,
	e dirEntry) error {
	n, err := in.WriteAt(ctx, encodeEntry(e), slot*entrySize)
	if err == io.ErrShortWrite || (err == nil && n < entrySize) {
		return ErrNoSpace
	}
	if err != nil {
		return fmt.Errorf("WriteAt: %w", err)
	}

	return nil
}
