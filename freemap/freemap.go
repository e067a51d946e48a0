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

// Package freemap tracks which device sectors are in use, persisting the
// bitmap in a well-known sector through the block cache.
package freemap

import (
	"fmt"
	"math/bits"

	"github.com/jacobsa/oscore/blockcache"
	"github.com/jacobsa/oscore/blockdev"
	"github.com/jacobsa/syncutil"
	"golang.org/x/net/context"
)

// The sector holding the bitmap.
const Sector blockdev.SectorNum = 0

// The largest device the single-sector bitmap can describe.
const MaxSectors = blockdev.SectorSize * 8

var ErrNoSpace = fmt.Errorf("no contiguous run of free sectors")

// Create a free map for a device with the given number of sectors. The map
// is blank; call Load to read an existing one from the device, or Format to
// initialise a fresh one.
func New(
	cache *blockcache.Cache,
	sectorCount blockdev.SectorNum) (*Freemap, error) {
	if sectorCount > MaxSectors {
		return nil, fmt.Errorf(
			"%d sectors; the bitmap describes at most %d",
			sectorCount,
			MaxSectors)
	}

	fm := &Freemap{
		cache:       cache,
		sectorCount: sectorCount,
	}

	fm.mu = syncutil.NewInvariantMutex(fm.checkInvariants)
	return fm, nil
}

type Freemap struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	cache *blockcache.Cache

	/////////////////////////
	// Constant data
	/////////////////////////

	sectorCount blockdev.SectorNum

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu syncutil.InvariantMutex

	// One bit per sector; set means in use. Bits at and beyond sectorCount
	// are never set.
	//
	// INVARIANT: used == number of set bits
	bitmap [blockdev.SectorSize]byte // GUARDED_BY(mu)
	used   int                       // GUARDED_BY(mu)
}

func (fm *Freemap) checkInvariants() {
	n := 0
	for _, b := range fm.bitmap {
		n += bits.OnesCount8(b)
	}

	// INVARIANT: used == number of set bits
	if n != fm.used {
		panic(fmt.Sprintf("%d bits set; used count says %d", n, fm.used))
	}
}

// Initialise a fresh bitmap in which only the bitmap's own sector is in use,
// and write it through the cache.
func (fm *Freemap) Format(ctx context.Context) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	fm.bitmap = [blockdev.SectorSize]byte{}
	fm.used = 0
	fm.setLocked(Sector)

	return fm.flushLocked(ctx)
}

// Read the bitmap from the device.
func (fm *Freemap) Load(ctx context.Context) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	var buf [blockdev.SectorSize]byte
	err := fm.cache.ReadAt(ctx, Sector, buf[:], 0, true)
	if err != nil {
		return fmt.Errorf("ReadAt: %w", err)
	}

	fm.bitmap = buf
	fm.used = 0
	for _, b := range buf {
		fm.used += bits.OnesCount8(b)
	}

	return nil
}

// Allocate a contiguous run of cnt sectors, first fit, and persist the
// updated bitmap. Returns ErrNoSpace if no such run exists.
func (fm *Freemap) Allocate(
	ctx context.Context,
	cnt int) (blockdev.SectorNum, error) {
	if cnt <= 0 {
		return 0, fmt.Errorf("allocation of %d sectors", cnt)
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()

	run := 0
	for n := blockdev.SectorNum(0); n < fm.sectorCount; n++ {
		if fm.isSetLocked(n) {
			run = 0
			continue
		}

		run++
		if run == cnt {
			start := n - blockdev.SectorNum(cnt) + 1
			for i := 0; i < cnt; i++ {
				fm.setLocked(start + blockdev.SectorNum(i))
			}

			if err := fm.flushLocked(ctx); err != nil {
				return 0, err
			}

			return start, nil
		}
	}

	return 0, ErrNoSpace
}

// Return a run of sectors to the pool and persist the updated bitmap.
func (fm *Freemap) Release(
	ctx context.Context,
	start blockdev.SectorNum,
	cnt int) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	for i := 0; i < cnt; i++ {
		n := start + blockdev.SectorNum(i)
		if !fm.isSetLocked(n) {
			panic(fmt.Sprintf("Release of free sector %d", n))
		}

		fm.clearLocked(n)
	}

	return fm.flushLocked(ctx)
}

// Return the number of sectors currently marked in use.
func (fm *Freemap) NumUsed() int {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	return fm.used
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// LOCKS_REQUIRED(fm.mu)
func (fm *Freemap) isSetLocked(n blockdev.SectorNum) bool {
	return fm.bitmap[n/8]&(1<<(n%8)) != 0
}

// LOCKS_REQUIRED(fm.mu)
func (fm *Freemap) setLocked(n blockdev.SectorNum) {
	if fm.isSetLocked(n) {
		panic(fmt.Sprintf("Sector %d already in use", n))
	}

	fm.bitmap[n/8] |= 1 << (n % 8)
	fm.used++
}

// LOCKS_REQUIRED(fm.mu)
func (fm *Freemap) clearLocked(n blockdev.SectorNum) {
	fm.bitmap[n/8] &^= 1 << (n % 8)
	fm.used--
}

// LOCKS_REQUIRED(fm.mu)
func (fm *Freemap) flushLocked(ctx context.Context) error {
	err := fm.cache.WriteAt(ctx, Sector, fm.bitmap[:], 0, true)
	if err != nil {
		return fmt.Errorf("WriteAt: %w", err)
	}

	return nil
}
