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

// Package fstesting provides common scaffolding for tests that need a
// formatted file system over an in-memory device.
package fstesting

import (
	"fmt"
	"time"

	"github.com/jacobsa/ogletest"
	"github.com/jacobsa/oscore/blockcache"
	"github.com/jacobsa/oscore/blockdev"
	"github.com/jacobsa/oscore/directory"
	"github.com/jacobsa/oscore/freemap"
	"github.com/jacobsa/oscore/inode"
	"github.com/jacobsa/timeutil"
	"golang.org/x/net/context"
)

// The entry capacity requested for the formatted root directory, counting
// "." and "..". The inode layer rounds it up to whole sectors, so the root
// can hold more entries than this.
const RootEntries = 16

// A struct that implements common behavior needed by tests of the file
// system layers. Use it as an embedded field in your test fixture; its SetUp
// formats a fresh file system on an in-memory device.
type FsTest struct {
	// A context object that can be used for long-running operations.
	Ctx context.Context

	// A clock with a fixed initial time, wired into the cache.
	Clock timeutil.SimulatedClock

	// The stack under test, assembled by SetUp.
	Device  *blockdev.MemDevice
	Cache   *blockcache.Cache
	Freemap *freemap.Freemap
	Store   *inode.Store
}

// How many sectors the in-memory device has.
const deviceSectors = 1024

// Format a fresh file system. Panics on error.
func (t *FsTest) SetUp(ti *ogletest.TestInfo) {
	if err := t.initialize(); err != nil {
		panic(err)
	}
}

// Like SetUp, but doesn't panic.
func (t *FsTest) initialize() error {
	t.Ctx = context.Background()
	t.Clock.SetTime(time.Date(2012, 8, 15, 22, 56, 0, 0, time.Local))

	t.Device = blockdev.NewMemDevice(deviceSectors)
	t.Cache = blockcache.New(t.Device, &t.Clock)

	var err error
	t.Freemap, err = freemap.New(t.Cache, t.Device.SectorCount())
	if err != nil {
		return fmt.Errorf("freemap.New: %w", err)
	}

	if err := t.Freemap.Format(t.Ctx); err != nil {
		return fmt.Errorf("Format: %w", err)
	}

	t.Store = inode.NewStore(t.Cache, t.Freemap)

	// The first allocation must land on the root's well-known sector.
	rootSector, err := t.Freemap.Allocate(t.Ctx, 1)
	if err != nil {
		return fmt.Errorf("Allocate: %w", err)
	}

	if rootSector != directory.RootSector {
		return fmt.Errorf(
			"root allocated at sector %d; want %d",
			rootSector,
			directory.RootSector)
	}

	err = directory.Create(
		t.Ctx,
		t.Store,
		directory.RootSector,
		RootEntries,
		directory.RootSector)
	if err != nil {
		return fmt.Errorf("directory.Create: %w", err)
	}

	return nil
}

// Stop the cache's background goroutines.
func (t *FsTest) TearDown() {
	t.Cache.Destroy()
}

// Allocate a metadata sector for a new inode. Panics on error.
func (t *FsTest) AllocSector() blockdev.SectorNum {
	n, err := t.Freemap.Allocate(t.Ctx, 1)
	if err != nil {
		panic(err)
	}

	return n
}
