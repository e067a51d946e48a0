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

// Package blockdev defines the interface to a sector-addressed block device,
// along with an in-memory implementation for testing and a file-backed
// implementation for real disk images.
package blockdev

import (
	"golang.org/x/net/context"
)

// The fixed size of a device sector, in bytes. All transfers are in units of
// this size.
const SectorSize = 512

// SectorNum identifies a sector on a particular device, in
// [0, Device.SectorCount()).
type SectorNum uint32

// Device is a synchronous, sector-addressed block device. Implementations
// must be safe for concurrent use.
type Device interface {
	// Read the sector with the given number into p.
	//
	// REQUIRES: len(p) == SectorSize
	// REQUIRES: n < SectorCount()
	ReadSector(ctx context.Context, n SectorNum, p []byte) error

	// Write p to the sector with the given number.
	//
	// REQUIRES: len(p) == SectorSize
	// REQUIRES: n < SectorCount()
	WriteSector(ctx context.Context, n SectorNum, p []byte) error

	// Return the total number of sectors on the device.
	SectorCount() SectorNum

	// Block until all previously-written sectors are durable, to the extent
	// the underlying medium supports that.
	Flush(ctx context.Context) error
}
