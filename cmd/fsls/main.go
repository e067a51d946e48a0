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

// List the contents of a directory within a disk image.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"path"

	"github.com/jacobsa/oscore/blockcache"
	"github.com/jacobsa/oscore/blockdev"
	"github.com/jacobsa/oscore/directory"
	"github.com/jacobsa/oscore/freemap"
	"github.com/jacobsa/oscore/inode"
	"github.com/jacobsa/timeutil"
	"golang.org/x/net/context"
)

var fImage = flag.String("image", "", "Path to the disk image.")
var fPath = flag.String("path", "/", "Directory to list.")
var fRecursive = flag.Bool("r", false, "Recurse into subdirectories.")

func main() {
	flag.Parse()

	if *fImage == "" {
		log.Fatalf("You must set --image.")
	}

	ctx := context.Background()

	dev, err := blockdev.OpenFileDevice(*fImage)
	if err != nil {
		log.Fatalf("OpenFileDevice: %v", err)
	}
	defer dev.Close()

	cache := blockcache.New(dev, timeutil.RealClock())
	defer cache.Destroy()

	fm, err := freemap.New(cache, dev.SectorCount())
	if err != nil {
		log.Fatalf("freemap.New: %v", err)
	}

	if err := fm.Load(ctx); err != nil {
		log.Fatalf("Load: %v", err)
	}

	store := inode.NewStore(cache, fm)

	d, err := openDir(ctx, store, *fPath)
	if err != nil {
		log.Fatalf("Open %q: %v", *fPath, err)
	}

	if err := list(ctx, store, d, *fPath); err != nil {
		log.Fatalf("List: %v", err)
	}
}

// Open the directory named by p, which must be absolute.
func openDir(
	ctx context.Context,
	store *inode.Store,
	p string) (*directory.Directory, error) {
	if p == "/" {
		return directory.OpenRoot(ctx, store)
	}

	parent, err := directory.OpenDirs(ctx, store, nil, p)
	if err != nil {
		return nil, err
	}
	defer parent.Close(ctx)

	in, err := parent.Lookup(ctx, directory.ParseFilename(p))
	if err != nil {
		return nil, err
	}

	return directory.Open(ctx, in)
}

// Print the directory's entries, recursing if requested. Takes ownership of
// the handle.
func list(
	ctx context.Context,
	store *inode.Store,
	d *directory.Directory,
	prefix string) error {
	defer d.Close(ctx)

	for {
		name, err := d.ReadDir(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		in, err := d.Lookup(ctx, name)
		if err != nil {
			return err
		}

		full := path.Join(prefix, name)
		if in.IsDir() {
			fmt.Printf("%s/\n", full)

			if *fRecursive {
				child, err := directory.Open(ctx, in)
				if err != nil {
					return err
				}

				if err := list(ctx, store, child, full); err != nil {
					return err
				}

				continue
			}
		} else {
			fmt.Printf("%s  (%d bytes)\n", full, in.Length())
		}

		in.Close(ctx)
	}
}
