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

// Create and format a disk image.
package main

import (
	"flag"
	"log"

	"github.com/jacobsa/oscore/blockcache"
	"github.com/jacobsa/oscore/blockdev"
	"github.com/jacobsa/oscore/directory"
	"github.com/jacobsa/oscore/freemap"
	"github.com/jacobsa/oscore/inode"
	"github.com/jacobsa/timeutil"
	"golang.org/x/net/context"
)

var fImage = flag.String("image", "", "Path for the new disk image.")

var fSectors = flag.Uint(
	"sectors",
	1024,
	"Size of the image, in sectors.")

var fRootEntries = flag.Uint(
	"root_entries",
	64,
	"Capacity of the root directory, in entries.")

func main() {
	flag.Parse()

	if *fImage == "" {
		log.Fatalf("You must set --image.")
	}

	ctx := context.Background()

	dev, err := blockdev.CreateFileDevice(
		*fImage,
		blockdev.SectorNum(*fSectors))
	if err != nil {
		log.Fatalf("CreateFileDevice: %v", err)
	}

	cache := blockcache.New(dev, timeutil.RealClock())
	defer cache.Destroy()

	fm, err := freemap.New(cache, dev.SectorCount())
	if err != nil {
		log.Fatalf("freemap.New: %v", err)
	}

	if err := fm.Format(ctx); err != nil {
		log.Fatalf("Format: %v", err)
	}

	store := inode.NewStore(cache, fm)

	// The root directory goes in the first sector after the free map.
	rootSector, err := fm.Allocate(ctx, 1)
	if err != nil {
		log.Fatalf("Allocate: %v", err)
	}

	if rootSector != directory.RootSector {
		log.Fatalf(
			"Root allocated at sector %d; want %d",
			rootSector,
			directory.RootSector)
	}

	err = directory.Create(
		ctx,
		store,
		directory.RootSector,
		int(*fRootEntries),
		directory.RootSector)
	if err != nil {
		log.Fatalf("directory.Create: %v", err)
	}

	if err := cache.FlushAll(ctx); err != nil {
		log.Fatalf("FlushAll: %v", err)
	}

	if err := dev.Flush(ctx); err != nil {
		log.Fatalf("Flush: %v", err)
	}

	if err := dev.Close(); err != nil {
		log.Fatalf("Close: %v", err)
	}

	log.Printf("Formatted %s: %d sectors.", *fImage, *fSectors)
}
