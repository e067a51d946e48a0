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

package blockdev

import (
	"fmt"
	"sync"

	"golang.org/x/net/context"
)

// Create a device with the given number of sectors, all initially zero,
// backed by process memory. Useful for tests and for throwaway file systems.
func NewMemDevice(sectorCount SectorNum) *MemDevice {
	return &MemDevice{
		contents: make([]byte, int(sectorCount)*SectorSize),
	}
}

type MemDevice struct {
	/////////////////////////
	// Mutable state
	/////////////////////////

	mu sync.Mutex

	// The raw contents of the device.
	//
	// INVARIANT: len(contents) % SectorSize == 0
	contents []byte // GUARDED_BY(mu)
}

var _ Device = &MemDevice{}

func (d *MemDevice) ReadSector(
	ctx context.Context,
	n SectorNum,
	p []byte) error {
	if err := d.checkTransfer(n, p); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	copy(p, d.contents[int(n)*SectorSize:])
	return nil
}

func (d *MemDevice) WriteSector(
	ctx context.Context,
	n SectorNum,
	p []byte) error {
	if err := d.checkTransfer(n, p); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	copy(d.contents[int(n)*SectorSize:], p)
	return nil
}

func (d *MemDevice) SectorCount() SectorNum {
	d.mu.Lock()
	defer d.mu.Unlock()

	return SectorNum(len(d.contents) / SectorSize)
}

// No-op; memory is as durable as this device gets.
func (d *MemDevice) Flush(ctx context.Context) error {
	return nil
}

func (d *MemDevice) checkTransfer(n SectorNum, p []byte) error {
	if len(p) != SectorSize {
		return fmt.Errorf("transfer of %d bytes; want %d", len(p), SectorSize)
	}

	if n >= d.SectorCount() {
		return fmt.Errorf("sector %d out of range [0, %d)", n, d.SectorCount())
	}

	return nil
}
