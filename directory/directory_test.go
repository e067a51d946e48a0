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
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/kylelemons/godebug/pretty"
	. "github.com/jacobsa/ogletest"
	"github.com/jacobsa/oscore/blockdev"
	"github.com/jacobsa/oscore/directory"
	"github.com/jacobsa/oscore/fstesting"
)

func TestDirectory(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type DirTest struct {
	fstesting.FsTest

	root *directory.Directory
}

func init() { RegisterTestSuite(&DirTest{}) }

func (t *DirTest) SetUp(ti *TestInfo) {
	t.FsTest.SetUp(ti)

	var err error
	t.root, err = directory.OpenRoot(t.Ctx, t.Store)
	AssertEq(nil, err)
}

func (t *DirTest) TearDown() {
	if t.root != nil {
		t.root.Close(t.Ctx)
	}

	t.FsTest.TearDown()
}

// Create a subdirectory of d and return its inode sector.
func (t *DirTest) mkdir(
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

// Create a file inode in d and return its sector.
func (t *DirTest) mkfile(
	d *directory.Directory,
	name string) blockdev.SectorNum {
	sector := t.AllocSector()
	AssertEq(nil, t.Store.Create(t.Ctx, sector, 0, blockdev.SectorSize, false))
	AssertEq(nil, d.Add(t.Ctx, name, sector))

	return sector
}

// Open the directory whose inode is at the given sector.
func (t *DirTest) openDir(sector blockdev.SectorNum) *directory.Directory {
	in, err := t.Store.Open(t.Ctx, sector)
	AssertEq(nil, err)

	d, err := directory.Open(t.Ctx, in)
	AssertEq(nil, err)

	return d
}

// A distinct legal name for the i'th test entry.
func nameForIndex(i int) string {
	return "f" + strconv.Itoa(i)
}

// Read all of d's entry names.
func (t *DirTest) listNames(d *directory.Directory) []string {
	var names []string
	for {
		name, err := d.ReadDir(t.Ctx)
		if err == io.EOF {
			return names
		}

		AssertEq(nil, err)
		names = append(names, name)
	}
}

////////////////////////////////////////////////////////////////////////
// Test functions
////////////////////////////////////////////////////////////////////////

func (t *DirTest) EmptyRoot() {
	empty, err := t.root.Empty(t.Ctx)
	AssertEq(nil, err)
	ExpectTrue(empty)

	ExpectEq("", pretty.Compare([]string(nil), t.listNames(t.root)))

	_, err = t.root.Lookup(t.Ctx, "anything")
	ExpectEq(directory.ErrNotFound, err)
}

func (t *DirTest) AddThenLookup() {
	sector := t.mkfile(t.root, "x")

	in, err := t.root.Lookup(t.Ctx, "x")
	AssertEq(nil, err)
	defer in.Close(t.Ctx)

	ExpectEq(sector, in.Sector())
	ExpectFalse(in.IsDir())
}

func (t *DirTest) AddRemoveLookup() {
	t.mkfile(t.root, "x")

	AssertEq(nil, t.root.Remove(t.Ctx, "x"))

	_, err := t.root.Lookup(t.Ctx, "x")
	ExpectEq(directory.ErrNotFound, err)
}

func (t *DirTest) DotAndDotDotResolve() {
	sector := t.mkdir(t.root, "a")
	d := t.openDir(sector)
	defer d.Close(t.Ctx)

	// "." names the directory itself.
	in, err := d.Lookup(t.Ctx, ".")
	AssertEq(nil, err)
	ExpectEq(sector, in.Sector())
	in.Close(t.Ctx)

	// ".." names the parent.
	in, err = d.Lookup(t.Ctx, "..")
	AssertEq(nil, err)
	ExpectEq(directory.RootSector, in.Sector())
	in.Close(t.Ctx)
}

func (t *DirTest) AddDuplicate() {
	t.mkfile(t.root, "x")

	err := t.root.Add(t.Ctx, "x", t.AllocSector())
	ExpectEq(directory.ErrExists, err)
}

func (t *DirTest) AddInvalidNames() {
	sector := t.AllocSector()

	ExpectEq(directory.ErrInvalidName, t.root.Add(t.Ctx, "", sector))
	ExpectEq(directory.ErrInvalidName, t.root.Add(t.Ctx, "a/b", sector))
	ExpectEq(directory.ErrInvalidName, t.root.Add(t.Ctx, "a\x00b", sector))
}

func (t *DirTest) NameLengthLimits() {
	AssertEq(nil, t.Store.Create(
		t.Ctx, t.AllocSector(), 0, blockdev.SectorSize, false))

	justRight := strings.Repeat("A", directory.NameMax)
	tooLong := strings.Repeat("A", directory.NameMax+1)

	ExpectEq(
		directory.ErrNameTooLong,
		t.root.Add(t.Ctx, tooLong, t.AllocSector()))

	sector := t.AllocSector()
	AssertEq(nil, t.Store.Create(t.Ctx, sector, 0, blockdev.SectorSize, false))
	AssertEq(nil, t.root.Add(t.Ctx, justRight, sector))

	in, err := t.root.Lookup(t.Ctx, justRight)
	AssertEq(nil, err)
	defer in.Close(t.Ctx)

	ExpectEq(sector, in.Sector())
}

func (t *DirTest) SlotsAreReused() {
	t.mkfile(t.root, "a")
	t.mkfile(t.root, "b")
	t.mkfile(t.root, "c")

	AssertEq(nil, t.root.Remove(t.Ctx, "b"))
	t.mkfile(t.root, "d")

	// "d" should have taken "b"'s slot, so it lists in b's position.
	ExpectEq(
		"",
		pretty.Compare([]string{"a", "d", "c"}, t.listNames(t.root)))
}

func (t *DirTest) DirectoryFillsUp() {
	// The entry capacity requested at creation is rounded up to a whole
	// sector, so probe for the limit rather than assuming it.
	added := 0
	for ; added < 4*fstesting.RootEntries; added++ {
		sector := t.AllocSector()
		AssertEq(
			nil,
			t.Store.Create(t.Ctx, sector, 0, blockdev.SectorSize, false))

		err := t.root.Add(t.Ctx, nameForIndex(added), sector)
		if err == directory.ErrNoSpace {
			break
		}

		AssertEq(nil, err)
	}

	// The capacity must cover at least what was asked for, and must be
	// finite.
	AssertGe(added, fstesting.RootEntries-2)
	AssertLt(added, 4*fstesting.RootEntries)

	// Removing an entry makes room again.
	AssertEq(nil, t.root.Remove(t.Ctx, nameForIndex(0)))

	sector := t.AllocSector()
	AssertEq(nil, t.Store.Create(t.Ctx, sector, 0, blockdev.SectorSize, false))
	ExpectEq(nil, t.root.Add(t.Ctx, "straw", sector))
}

func (t *DirTest) RemoveMissing() {
	ExpectEq(directory.ErrNotFound, t.root.Remove(t.Ctx, "x"))
}

func (t *DirTest) RemoveDots() {
	ExpectEq(directory.ErrInvalidName, t.root.Remove(t.Ctx, "."))
	ExpectEq(directory.ErrInvalidName, t.root.Remove(t.Ctx, ".."))
}

func (t *DirTest) RemoveNonEmptyDirectory() {
	aSector := t.mkdir(t.root, "a")

	a := t.openDir(aSector)
	t.mkfile(a, "b")
	AssertEq(nil, a.Close(t.Ctx))

	// Not empty: refused.
	ExpectEq(directory.ErrNotEmpty, t.root.Remove(t.Ctx, "a"))

	// Empty it out, then retry.
	a = t.openDir(aSector)
	AssertEq(nil, a.Remove(t.Ctx, "b"))
	AssertEq(nil, a.Close(t.Ctx))

	ExpectEq(nil, t.root.Remove(t.Ctx, "a"))
	_, err := t.root.Lookup(t.Ctx, "a")
	ExpectEq(directory.ErrNotFound, err)
}

func (t *DirTest) RemoveOpenDirectory() {
	sector := t.mkdir(t.root, "a")

	// Somebody else holds the directory open.
	d := t.openDir(sector)
	defer d.Close(t.Ctx)

	ExpectEq(directory.ErrNotEmpty, t.root.Remove(t.Ctx, "a"))
}

func (t *DirTest) RemoveReleasesSectors() {
	before := t.Freemap.NumUsed()

	t.mkdir(t.root, "a")
	AssertNe(before, t.Freemap.NumUsed())

	AssertEq(nil, t.root.Remove(t.Ctx, "a"))
	ExpectEq(before, t.Freemap.NumUsed())
}

func (t *DirTest) ReaddirSkipsDots() {
	t.mkfile(t.root, "x")
	t.mkdir(t.root, "y")

	ExpectEq("", pretty.Compare([]string{"x", "y"}, t.listNames(t.root)))
}

func (t *DirTest) IndependentCursors() {
	t.mkfile(t.root, "x")
	t.mkfile(t.root, "y")

	other, err := t.root.Reopen(t.Ctx)
	AssertEq(nil, err)
	defer other.Close(t.Ctx)

	// Advance one handle; the other must be unaffected.
	name, err := t.root.ReadDir(t.Ctx)
	AssertEq(nil, err)
	AssertEq("x", name)

	ExpectEq("", pretty.Compare([]string{"x", "y"}, t.listNames(other)))

	name, err = t.root.ReadDir(t.Ctx)
	AssertEq(nil, err)
	ExpectEq("y", name)
}

func (t *DirTest) ReopenSharesInode() {
	other, err := t.root.Reopen(t.Ctx)
	AssertEq(nil, err)
	defer other.Close(t.Ctx)

	ExpectEq(t.root.Inode(), other.Inode())
	ExpectEq(2, t.root.Inode().OpenCount())
}

func (t *DirTest) OpenNonDirectory() {
	sector := t.mkfile(t.root, "f")

	in, err := t.Store.Open(t.Ctx, sector)
	AssertEq(nil, err)

	_, err = directory.Open(t.Ctx, in)
	ExpectEq(directory.ErrNotDir, err)

	// Open closed the inode for us; looking it up again gives a fresh open
	// with a count of one.
	in, err = t.root.Lookup(t.Ctx, "f")
	AssertEq(nil, err)
	defer in.Close(t.Ctx)

	ExpectEq(1, in.OpenCount())
}

func (t *DirTest) ContentsSurviveFlush() {
	t.mkfile(t.root, "x")
	t.mkdir(t.root, "y")

	AssertEq(nil, t.Cache.FlushAll(t.Ctx))

	ExpectEq("", pretty.Compare([]string{"x", "y"}, t.listNames(t.root)))
}
