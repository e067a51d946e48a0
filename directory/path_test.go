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

package directory_test

import (
	"strings"

	. "github.com/jacobsa/ogletest"
	"github.com/jacobsa/oscore/blockdev"
	"github.com/jacobsa/oscore/directory"
	"github.com/jacobsa/oscore/fstesting"
)

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type PathTest struct {
	fstesting.FsTest

	root *directory.Directory

	// Sectors of the directories created by SetUp: /a, /a/b, /u, /u/a,
	// /u/a/b.
	a, ab, u, ua, uab blockdev.SectorNum
}

func init() { RegisterTestSuite(&PathTest{}) }

func (t *PathTest) SetUp(ti *TestInfo) {
	t.FsTest.SetUp(ti)

	var err error
	t.root, err = directory.OpenRoot(t.Ctx, t.Store)
	AssertEq(nil, err)

	t.a = t.mkdir(t.root, "a")

	d := t.openDir(t.a)
	t.ab = t.mkdir(d, "b")
	AssertEq(nil, d.Close(t.Ctx))

	t.u = t.mkdir(t.root, "u")

	d = t.openDir(t.u)
	t.ua = t.mkdir(d, "a")
	AssertEq(nil, d.Close(t.Ctx))

	d = t.openDir(t.ua)
	t.uab = t.mkdir(d, "b")
	AssertEq(nil, d.Close(t.Ctx))
}

func (t *PathTest) TearDown() {
	if t.root != nil {
		t.root.Close(t.Ctx)
	}

	t.FsTest.TearDown()
}

func (t *PathTest) mkdir(
	d *directory.Directory,
	name string) blockdev.SectorNum {
	sector := t.AllocSector()

	err := directory.Create(
		t.Ctx,
		t.Store,
		sector,
		fstesting.RootEntries,
		d.Inode().Sector())
	AssertEq(nil, err)

	AssertEq(nil, d.Add(t.Ctx, name, sector))
	return sector
}

func (t *PathTest) openDir(sector blockdev.SectorNum) *directory.Directory {
	in, err := t.Store.Open(t.Ctx, sector)
	AssertEq(nil, err)

	d, err := directory.Open(t.Ctx, in)
	AssertEq(nil, err)

	return d
}

// Resolve the path and return the parent directory's inode sector.
func (t *PathTest) resolve(
	cwd *directory.Directory,
	path string) blockdev.SectorNum {
	d, err := directory.OpenDirs(t.Ctx, t.Store, cwd, path)
	AssertEq(nil, err)
	defer d.Close(t.Ctx)

	return d.Inode().Sector()
}

////////////////////////////////////////////////////////////////////////
// Test functions
////////////////////////////////////////////////////////////////////////

func (t *PathTest) AbsolutePaths() {
	ExpectEq(t.ab, t.resolve(nil, "/a/b/c"))
	ExpectEq(t.a, t.resolve(nil, "/a/b"))
	ExpectEq(directory.RootSector, t.resolve(nil, "/a"))
}

func (t *PathTest) RelativePaths() {
	cwd := t.openDir(t.u)
	defer cwd.Close(t.Ctx)

	ExpectEq(t.uab, t.resolve(cwd, "a/b/c"))
	ExpectEq(t.ua, t.resolve(cwd, "a/b"))
	ExpectEq(t.u, t.resolve(cwd, "a"))
}

func (t *PathTest) AbsoluteIgnoresCwd() {
	cwd := t.openDir(t.u)
	defer cwd.Close(t.Ctx)

	ExpectEq(t.ab, t.resolve(cwd, "/a/b/c"))
}

func (t *PathTest) NilCwdMeansRoot() {
	ExpectEq(t.ab, t.resolve(nil, "a/b/c"))
}

func (t *PathTest) RepeatedSlashesCollapse() {
	ExpectEq(t.ab, t.resolve(nil, "/a//b/c"))
	ExpectEq(t.ab, t.resolve(nil, "//a///b//c"))
}

func (t *PathTest) TrailingSlashRejected() {
	_, err := directory.OpenDirs(t.Ctx, t.Store, nil, "/a/b/")
	ExpectEq(directory.ErrBadPath, err)

	_, err = directory.OpenDirs(t.Ctx, t.Store, nil, "/")
	ExpectEq(directory.ErrBadPath, err)
}

func (t *PathTest) EmptyPathRejected() {
	_, err := directory.OpenDirs(t.Ctx, t.Store, nil, "")
	ExpectEq(directory.ErrBadPath, err)
}

func (t *PathTest) OverlongComponentRejected() {
	long := strings.Repeat("A", directory.NameMax+1)

	// Even as an intermediate component, and even when the final component
	// is fine.
	_, err := directory.OpenDirs(t.Ctx, t.Store, nil, "/"+long+"/x")
	ExpectEq(directory.ErrNameTooLong, err)

	// The final component is checked too.
	_, err = directory.OpenDirs(t.Ctx, t.Store, nil, "/a/"+long)
	ExpectEq(directory.ErrNameTooLong, err)
}

func (t *PathTest) MissingComponent() {
	_, err := directory.OpenDirs(t.Ctx, t.Store, nil, "/missing/b/c")
	ExpectEq(directory.ErrNotFound, err)
}

func (t *PathTest) FileAsIntermediateComponent() {
	sector := t.AllocSector()
	AssertEq(nil, t.Store.Create(t.Ctx, sector, 0, blockdev.SectorSize, false))
	AssertEq(nil, t.root.Add(t.Ctx, "f", sector))

	_, err := directory.OpenDirs(t.Ctx, t.Store, nil, "/f/x")
	ExpectEq(directory.ErrNotDir, err)
}

func (t *PathTest) ReturnedHandleIsIndependent() {
	cwd := t.openDir(t.u)

	d, err := directory.OpenDirs(t.Ctx, t.Store, cwd, "a/b/c")
	AssertEq(nil, err)

	// Closing the cwd must not invalidate the returned handle.
	AssertEq(nil, cwd.Close(t.Ctx))

	in, err := d.Lookup(t.Ctx, ".")
	AssertEq(nil, err)
	ExpectEq(t.uab, in.Sector())

	AssertEq(nil, in.Close(t.Ctx))
	AssertEq(nil, d.Close(t.Ctx))
}

func (t *PathTest) ResolutionAgreesWithLookup() {
	// Resolving a path's parent and then looking up its final component
	// must land on the entry's inode.
	d, err := directory.OpenDirs(t.Ctx, t.Store, nil, "/a/b")
	AssertEq(nil, err)
	defer d.Close(t.Ctx)

	in, err := d.Lookup(t.Ctx, directory.ParseFilename("/a/b"))
	AssertEq(nil, err)
	defer in.Close(t.Ctx)

	ExpectEq(t.ab, in.Sector())
}

func (t *PathTest) DotDotComponents() {
	// ".." is an ordinary entry, so it resolves like any other component.
	ExpectEq(t.ab, t.resolve(nil, "/a/b/../b/c"))
	ExpectEq(directory.RootSector, t.resolve(nil, "/u/../a"))
}

func (t *PathTest) ParseFilename() {
	ExpectEq("c", directory.ParseFilename("/a/b/c"))
	ExpectEq("c", directory.ParseFilename("a/b/c"))
	ExpectEq("x", directory.ParseFilename("x"))
	ExpectEq("", directory.ParseFilename("a/b/"))
}
