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
	"os"

	fallocate "github.com/detailyang/go-fallocate"
	"golang.org/x/net/context"
	"golang.org/x/sys/unix"
)

// Open the disk image at the given path, which must have a size that is a
// multiple of SectorSize.
func OpenFileDevice(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("OpenFile: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("Stat: %w", err)
	}

	if fi.Size()%SectorSize != 0 {
		f.Close()
		return nil, fmt.Errorf(
			"image size %d is not a multiple of %d",
			fi.Size(),
			SectorSize)
	}

	return &FileDevice{
		f:           f,
		sectorCount: SectorNum(fi.Size() / SectorSize),
	}, nil
}

// Create a disk image at the given path with the given number of sectors,
// preallocating its full size so that later writes don't run out of space at
// an awkward moment.
func CreateFileDevice(
	path string,
	sectorCount SectorNum) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("OpenFile: %w", err)
	}

	size := int64(sectorCount) * SectorSize
	if err := fallocate.Fallocate(f, 0, size); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("Fallocate: %w", err)
	}

	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("Truncate: %w", err)
	}

	return &FileDevice{
		f:           f,
		sectorCount: sectorCount,
	}, nil
}

// A device backed by an ordinary file containing a disk image. The file's
// offset i*SectorSize holds sector i.
type FileDevice struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	sectorCount SectorNum

	/////////////////////////
	// Dependencies
	/////////////////////////

	// Positional reads and writes only; no seeking, so no mutex is needed
	// beyond what the OS provides.
	f *os.File
}

var _ Device = &FileDevice{}

func (d *FileDevice) ReadSector(
	ctx context.Context,
	n SectorNum,
	p []byte) error {
	if err := d.checkTransfer(n, p); err != nil {
		return err
	}

	if _, err := d.f.ReadAt(p, int64(n)*SectorSize); err != nil {
		return fmt.Errorf("ReadAt(%d): %w", n, err)
	}

	return nil
}

func (d *FileDevice) WriteSector(
	ctx context.Context,
	n SectorNum,
	p []byte) error {
	if err := d.checkTransfer(n, p); err != nil {
		return err
	}

	if _, err := d.f.WriteAt(p, int64(n)*SectorSize); err != nil {
		return fmt.Errorf("WriteAt(%d): %w", n, err)
	}

	return nil
}

func (d *FileDevice) SectorCount() SectorNum {
	return d.sectorCount
}

func (d *FileDevice) Flush(ctx context.Context) error {
	if err := unix.Fsync(int(d.f.Fd())); err != nil {
		return fmt.Errorf("Fsync: %w", err)
	}

	return nil
}

// Close the underlying file. The device must not be used afterward.
func (d *FileDevice) Close() error {
	return d.f.Close()
}

func (d *FileDevice) checkTransfer(n SectorNum, p []byte) error {
	if len(p) != SectorSize {
		return fmt.Errorf("transfer of %d bytes; want %d", len(p), SectorSize)
	}

	if n >= d.sectorCount {
		return fmt.Errorf("sector %d out of range [0, %d)", n, d.sectorCount)
	}

	return nil
}
