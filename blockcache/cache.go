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

// Package blockcache implements a fixed-size associative cache of device
// sectors, mediating all sector I/O with partial-sector transfers, write-back
// of dirty sectors, and best-effort read-ahead.
package blockcache

import (
	"fmt"
	"sync"
	"time"

	"github.com/jacobsa/oscore/blockdev"
	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"golang.org/x/net/context"
)

// The number of slots in the cache. Sectors beyond this working set are
// evicted with a second-chance policy.
const NumSlots = 64

// How many read-ahead requests may be queued before further ones are
// dropped. Read-ahead is best effort and must never block the requester.
const readAheadQueueLen = 16

// Create a cache in front of the given device. The clock is consulted for
// replacement decisions; pass timeutil.RealClock() outside of tests.
//
// Call Destroy when done to stop the cache's background goroutines. Destroy
// does not flush; call FlushAll first if you care.
func New(dev blockdev.Device, clock timeutil.Clock) *Cache {
	c := &Cache{
		dev:       dev,
		clock:     clock,
		readAhead: make(chan blockdev.SectorNum, readAheadQueueLen),
		stop:      make(chan struct{}),
	}

	c.mu = syncutil.NewInvariantMutex(c.checkInvariants)
	c.slotFreed.L = &c.mu

	for i := range c.slots {
		s := &c.slots[i]
		s.state = stateEvicted
		s.beingRead.L = &c.mu
		s.beingWritten.L = &c.mu
	}

	go c.readAheadLoop()

	return c
}

type Cache struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	dev   blockdev.Device
	clock timeutil.Clock

	/////////////////////////
	// Constant data
	/////////////////////////

	readAhead chan blockdev.SectorNum
	stop      chan struct{}

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu syncutil.InvariantMutex

	// INVARIANT: At most one slot represents any given sector.
	// INVARIANT: For each slot s, s.accessors >= 0
	// INVARIANT: For each slot s, s.state == stateEvicted implies
	//            s.accessors == 0 && !s.dirty
	// INVARIANT: For each slot s, s.state == stateBeingRead or
	//            stateBeingWritten implies s.accessors == 0
	slots [NumSlots]slot // GUARDED_BY(mu)

	// The replacement hand, in [0, NumSlots).
	hand int // GUARDED_BY(mu)

	// Signalled whenever a slot's accessor count drops to zero, a writeback
	// finishes, or a slot becomes evicted, for the benefit of goroutines
	// waiting to reclaim one.
	slotFreed sync.Cond

	flusherOnce sync.Once
	destroyOnce sync.Once
}

func (c *Cache) checkInvariants() {
	seen := make(map[blockdev.SectorNum]bool)
	for i := range c.slots {
		s := &c.slots[i]

		// INVARIANT: For each slot s, s.accessors >= 0
		if s.accessors < 0 {
			panic(fmt.Sprintf("Slot %d: %d accessors", i, s.accessors))
		}

		if s.state == stateEvicted {
			// INVARIANT: s.state == stateEvicted implies
			//            s.accessors == 0 && !s.dirty
			if s.accessors != 0 || s.dirty {
				panic(fmt.Sprintf("Evicted slot %d in use", i))
			}

			continue
		}

		// INVARIANT: At most one slot represents any given sector.
		if seen[s.sector] {
			panic(fmt.Sprintf("Sector %d cached twice", s.sector))
		}
		seen[s.sector] = true

		// INVARIANT: in-flight I/O excludes accessors.
		if s.state == stateBeingRead || s.state == stateBeingWritten {
			if s.accessors != 0 {
				panic(fmt.Sprintf(
					"Slot %d: %d accessors while %v",
					i,
					s.accessors,
					s.state))
			}
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Public interface
////////////////////////////////////////////////////////////////////////

// Read len(p) bytes at the given offset within the sector, loading the
// sector from the device on first touch. metadata declares the sector to
// hold file system metadata, giving it preference against eviction.
//
// REQUIRES: off >= 0 && off+len(p) <= blockdev.SectorSize
func (c *Cache) ReadAt(
	ctx context.Context,
	sector blockdev.SectorNum,
	p []byte,
	off int,
	metadata bool) error {
	return c.ioAt(ctx, sector, p, off, metadata, false)
}

// Like ReadAt, but additionally schedule an asynchronous load of the sector
// next once the synchronous read has completed. The read-ahead is fire and
// forget: it never blocks the caller, and it is silently dropped when the
// queue is full.
func (c *Cache) ReadAtAhead(
	ctx context.Context,
	sector blockdev.SectorNum,
	p []byte,
	off int,
	metadata bool,
	next blockdev.SectorNum) error {
	err := c.ioAt(ctx, sector, p, off, metadata, false)
	if err != nil {
		return err
	}

	select {
	case c.readAhead <- next:
	default:
		// Queue full; drop it.
	}

	return nil
}

// Write len(p) bytes at the given offset within the sector, marking the
// cached sector dirty. The device is updated only by writeback.
//
// REQUIRES: off >= 0 && off+len(p) <= blockdev.SectorSize
func (c *Cache) WriteAt(
	ctx context.Context,
	sector blockdev.SectorNum,
	p []byte,
	off int,
	metadata bool) error {
	return c.ioAt(ctx, sector, p, off, metadata, true)
}

// Synchronously write every dirty sector back to the device. On return,
// every cached sector's buffer matches the device image, until somebody
// writes again.
func (c *Cache) FlushAll(ctx context.Context) error {
	// Stage one: move every dirty slot to statePendingWrite, collecting the
	// set to write back. Slots already pending (a racing flush) are included
	// so that we too wait for their completion.
	c.mu.Lock()
	var pending []*slot
	for i := range c.slots {
		s := &c.slots[i]
		switch s.state {
		case stateReady:
			if s.dirty {
				s.state = statePendingWrite
				pending = append(pending, s)
			}

		case statePendingWrite:
			pending = append(pending, s)
		}
	}
	c.mu.Unlock()

	// Stage two: write them back in parallel.
	b := syncutil.NewBundle(ctx)
	for _, s := range pending {
		s := s
		b.Add(func(ctx context.Context) error {
			return c.writeBack(ctx, s)
		})
	}

	return b.Join()
}

// Start a background goroutine that calls FlushAll every interval, until
// Destroy. May be called at most once.
func (c *Cache) StartFlusher(interval time.Duration) {
	c.flusherOnce.Do(func() {
		go c.flusherLoop(interval)
	})
}

// Stop the cache's background goroutines. Does not flush.
func (c *Cache) Destroy() {
	c.destroyOnce.Do(func() {
		close(c.stop)
	})
}

////////////////////////////////////////////////////////////////////////
// Core
////////////////////////////////////////////////////////////////////////

func (c *Cache) ioAt(
	ctx context.Context,
	sector blockdev.SectorNum,
	p []byte,
	off int,
	metadata bool,
	write bool) error {
	if off < 0 || off+len(p) > blockdev.SectorSize {
		return fmt.Errorf(
			"transfer [%d, %d) out of sector bounds",
			off,
			off+len(p))
	}

	s, err := c.acquire(ctx, sector, metadata, write)
	if err != nil {
		return err
	}

	// Copy without the lock. The cache admits concurrent accessors of a
	// ready slot; callers needing mutual exclusion serialise above us.
	if write {
		copy(s.buf[off:], p)
	} else {
		copy(p, s.buf[off:off+len(p)])
	}

	c.release(s)
	return nil
}

// Return the slot holding the given sector with its accessor count
// incremented, loading the sector from the device if necessary. For write
// accesses the dirty bit is set before any concurrent flush could observe
// the slot.
func (c *Cache) acquire(
	ctx context.Context,
	sector blockdev.SectorNum,
	metadata bool,
	write bool) (*slot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		// Is the sector already cached?
		if s := c.findLocked(sector); s != nil {
			switch s.state {
			case stateReady, statePendingWrite:
				s.accessors++
				s.recentlyUsed = true
				s.lastUse = c.clock.Now()
				if metadata {
					s.metadata = true
				}
				if write {
					s.dirty = true
				}

				return s, nil

			case stateBeingRead:
				s.beingRead.Wait()

			case stateBeingWritten:
				s.beingWritten.Wait()
			}

			// The slot may have been repurposed while we slept; look again.
			continue
		}

		// Miss. Find a slot to repurpose, waiting if every slot is busy.
		s := c.victimLocked(ctx)
		if s == nil {
			c.slotFreed.Wait()
			continue
		}

		// Writing back a dirty victim releases the lock, so a peer may have
		// cached the sector in the meantime. The victim stays evicted.
		if c.findLocked(sector) != nil {
			continue
		}

		// Load the sector, with the lock released. Peers that arrive in the
		// meantime see stateBeingRead and wait.
		s.sector = sector
		s.state = stateBeingRead
		s.dirty = false
		s.metadata = metadata

		c.mu.Unlock()
		err := c.dev.ReadSector(ctx, sector, s.buf[:])
		c.mu.Lock()

		if err != nil {
			s.state = stateEvicted
			s.beingRead.Broadcast()
			c.slotFreed.Broadcast()
			return nil, fmt.Errorf("ReadSector: %w", err)
		}

		s.state = stateReady
		s.beingRead.Broadcast()

		s.accessors++
		s.recentlyUsed = true
		s.lastUse = c.clock.Now()
		if write {
			s.dirty = true
		}

		return s, nil
	}
}

// Drop an accessor count taken by acquire.
func (c *Cache) release(s *slot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s.accessors--
	if s.accessors == 0 {
		c.slotFreed.Broadcast()
	}
}

// Return the slot currently representing the given sector, or nil.
//
// LOCKS_REQUIRED(c.mu)
func (c *Cache) findLocked(sector blockdev.SectorNum) *slot {
	for i := range c.slots {
		s := &c.slots[i]
		if s.state != stateEvicted && s.sector == sector {
			return s
		}
	}

	return nil
}

// Return an unassigned slot in stateEvicted, evicting somebody if need be,
// or nil if every slot is in flight or held by accessors. May release and
// reacquire the lock to write back a dirty victim.
//
// LOCKS_REQUIRED(c.mu)
func (c *Cache) victimLocked(ctx context.Context) *slot {
	// An already-evicted slot is free for the taking.
	for i := range c.slots {
		if c.slots[i].state == stateEvicted {
			return &c.slots[i]
		}
	}

	// Second-chance sweep, preferring clean non-metadata slots: clear
	// recently-used bits as the hand passes, and take the first clean,
	// non-metadata, not-recently-used slot with no accessors.
	for n := 0; n < 2*NumSlots; n++ {
		s := &c.slots[c.hand]
		c.hand = (c.hand + 1) % NumSlots

		if s.state != stateReady && s.state != statePendingWrite {
			continue
		}
		if s.accessors > 0 {
			continue
		}

		if s.recentlyUsed {
			s.recentlyUsed = false
			continue
		}

		if s.state == stateReady && !s.dirty && !s.metadata {
			s.state = stateEvicted
			c.slotFreed.Broadcast()
			return s
		}
	}

	// No cheap victim. Fall back on the least recently used eligible slot,
	// dirty or not.
	var victim *slot
	for i := range c.slots {
		s := &c.slots[i]
		if s.state != stateReady && s.state != statePendingWrite {
			continue
		}
		if s.accessors > 0 {
			continue
		}

		if victim == nil || s.lastUse.Before(victim.lastUse) {
			victim = s
		}
	}

	if victim == nil {
		return nil
	}

	// A dirty victim sequences through stateBeingWritten first.
	if victim.dirty {
		if err := c.writeBackLocked(ctx, victim); err != nil {
			// The sector can't be persisted right now; leave it cached and
			// let the caller wait for some other slot.
			return nil
		}

		// The slot may have been repurposed or reacquired while the lock was
		// released for the writeback.
		if victim.state != stateReady || victim.dirty || victim.accessors > 0 {
			return nil
		}
	}

	victim.state = stateEvicted
	c.slotFreed.Broadcast()
	return victim
}

// Write the slot back to the device if it is still pending, waiting out any
// accessors first.
func (c *Cache) writeBack(ctx context.Context, s *slot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for s.state == statePendingWrite && s.accessors > 0 {
		c.slotFreed.Wait()
	}

	switch s.state {
	case statePendingWrite:
		return c.writeBackLocked(ctx, s)

	case stateBeingWritten:
		// A peer is already on it; wait for the result.
		s.beingWritten.Wait()
		return nil

	default:
		// Somebody else already wrote it back, or the slot has moved on.
		return nil
	}
}

// Transition the slot to stateBeingWritten, perform the device write with
// the lock released, and return it to stateReady.
//
// LOCKS_REQUIRED(c.mu)
// REQUIRES: s.state == stateReady || s.state == statePendingWrite
// REQUIRES: s.accessors == 0
func (c *Cache) writeBackLocked(ctx context.Context, s *slot) error {
	s.state = stateBeingWritten
	s.dirty = false

	c.mu.Unlock()
	err := c.dev.WriteSector(ctx, s.sector, s.buf[:])
	c.mu.Lock()

	if err != nil {
		s.dirty = true
	}

	s.state = stateReady
	s.beingWritten.Broadcast()
	c.slotFreed.Broadcast()

	if err != nil {
		return fmt.Errorf("WriteSector: %w", err)
	}

	return nil
}

////////////////////////////////////////////////////////////////////////
// Background goroutines
////////////////////////////////////////////////////////////////////////

func (c *Cache) readAheadLoop() {
	for {
		select {
		case sector := <-c.readAhead:
			// Touch the sector so that a later synchronous read hits. Errors
			// are of no interest; the synchronous path will see them again.
			s, err := c.acquire(context.Background(), sector, false, false)
			if err == nil {
				c.release(s)
			} else {
				debugLogf("read-ahead of sector %d: %v", sector, err)
			}

		case <-c.stop:
			return
		}
	}
}

func (c *Cache) flusherLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.FlushAll(context.Background()); err != nil {
				debugLogf("background flush: %v", err)
			}

		case <-c.stop:
			return
		}
	}
}
