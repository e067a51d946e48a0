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

package directory

import (
	"strings"

	"github.com/jacobsa/oscore/inode"
	"golang.org/x/net/context"
)

// OpenDirs resolves all but the last component of the given path and
// returns a handle to that parent directory. Absolute paths start at the
// root; relative paths start at cwd, which is reopened so the returned
// handle is independent (nil means the root). Repeated slashes collapse; a
// trailing slash is a syntax error, because the path must name a file's
// parent, not a directory form.
//
// Each component is looked up under its parent's inode lock, which is
// released before descending; no two inode locks are ever held at once.
func OpenDirs(
	ctx context.Context,
	store *inode.Store,
	cwd *Directory,
	path string) (*Directory, error) {
	components, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	var d *Directory
	if strings.HasPrefix(path, "/") || cwd == nil {
		d, err = OpenRoot(ctx, store)
	} else {
		d, err = cwd.Reopen(ctx)
	}
	if err != nil {
		return nil, err
	}

	// Descend through everything but the final component.
	for _, name := range components[:len(components)-1] {
		child, err := d.Lookup(ctx, name)
		if err != nil {
			d.Close(ctx)
			return nil, err
		}

		// Open takes ownership of child, closing it on failure.
		next, err := Open(ctx, child)
		if err != nil {
			d.Close(ctx)
			return nil, err
		}

		d.Close(ctx)
		d = next
	}

	return d, nil
}

// ParseFilename returns the final component of the path: the suffix after
// the last slash, or the whole path if there is none.
func ParseFilename(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}

	return path
}

// Split the path into its components, collapsing repeated slashes and
// enforcing the grammar: at least one component, no empty final component,
// every component within NameMax.
func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, ErrBadPath
	}

	if strings.HasSuffix(path, "/") {
		return nil, ErrBadPath
	}

	var components []string
	for _, name := range strings.Split(path, "/") {
		if name == "" {
			continue
		}

		if len(name) > NameMax {
			return nil, ErrNameTooLong
		}

		components = append(components, name)
	}

	if len(components) == 0 {
		return nil, ErrBadPath
	}

	return components, nil
}
