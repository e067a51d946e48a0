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

package blockcache

import (
	"fmt"
	"sync"
	"time"

	"github.com/jacobsa/oscore/blockdev"
)

// The lifecycle state of a cache slot. Transitions:
//
//	stateEvicted -> stateBeingRead        (repurposed for a new sector)
//	stateBeingRead -> stateReady          (device load finished)
//	stateBeingRead -> stateEvicted        (device load failed)
//	stateReady -> statePendingWrite       (flush requested, not begun)
//	statePendingWrite -> stateBeingWritten
//	stateReady -> stateBeingWritten       (eviction of a dirty slot)
//	stateBeingWritten -> stateReady       (writeback finished)
//	stateReady -> stateEvicted            (clean slot chosen for replacement)
//
// While stateBeingRead or stateBeingWritten, exactly one goroutine owns the
// in-flight device operation; everybody else waits on the slot's condition
// variables.
type slotState int

const (
	// The slot holds a loaded sector; accessors may come and go freely.
	stateReady slotState = iota

	// The slot is dirty and a flush has been requested but not yet begun.
	// Accessors are still admitted.
	statePendingWrite

	// A writeback to the device is in flight.
	stateBeingWritten

	// A load from the device is in flight.
	stateBeingRead

	// The slot is unassigned and available for reclamation.
	stateEvicted
)

func (s slotState) String() string {
	switch s {
	case stateReady:
		return "ready"
	case statePendingWrite:
		return "pending_write"
	case stateBeingWritten:
		return "being_written"
	case stateBeingRead:
		return "being_read"
	case stateEvicted:
		return "evicted"
	}

	return fmt.Sprintf("slotState(%d)", int(s))
}

// One entry of the cache. All fields are guarded by the cache-wide mutex;
// the buffer is additionally stable whenever the state is stateBeingRead or
// stateBeingWritten, because accessors are excluded then.
type slot struct {
	// Signalled when a device load of this slot completes (either way).
	beingRead sync.Cond

	// Signalled when a writeback of this slot completes.
	beingWritten sync.Cond

	// The sector this slot represents. Meaningless when state ==
	// stateEvicted.
	sector blockdev.SectorNum

	state slotState

	// Set when the buffer differs from the device image. Cleared only by a
	// successful writeback.
	dirty bool

	// Set if any accessor declared the sector to hold file system metadata.
	// Metadata slots are dispreferred for eviction.
	metadata bool

	// The number of goroutines currently reading or writing the buffer (not
	// the device). Eviction and writeback require this to be zero.
	//
	// INVARIANT: accessors >= 0
	accessors int

	// Replacement policy state: a second-chance bit and the time of the most
	// recent access.
	recentlyUsed bool
	lastUse      time.Time

	buf [blockdev.SectorSize]byte
}
