// Copyright 2024 Google LLC
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

package vfs

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"

	"github.com/jacobsa/syncutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/vfsd/vfsd/internal/backend"
	"github.com/vfsd/vfsd/internal/backend/memfs"
)

type MutatorsTest struct {
	vfsTest
}

func TestMutatorsSuite(t *testing.T) {
	suite.Run(t, new(MutatorsTest))
}

////////////////////////////////////////////////////////////////////////
// Create
////////////////////////////////////////////////////////////////////////

func (t *MutatorsTest) TestMkdirDefaults() {
	t.mkdir("/d")

	st := t.stat("/d")
	assert.True(t.T(), st.Flags.IsDirectory())
	assert.EqualValues(t.T(), DefaultDirMode, st.Permissions)
	assert.Equal(t.T(), []string{"d"}, t.names("/"))
}

func (t *MutatorsTest) TestMkdirExisting() {
	t.mkdir("/d")

	err := t.vfs.Mkdir(t.ctx, "/d", 0)

	assert.ErrorIs(t.T(), err, ErrExists)
	assert.ErrorIs(t.T(), err, syscall.EEXIST)
}

func (t *MutatorsTest) TestMkdirMissingParent() {
	err := t.vfs.Mkdir(t.ctx, "/a/b", 0)

	assert.ErrorIs(t.T(), err, ErrNotFound)
}

func (t *MutatorsTest) TestCreateRejectsLongName() {
	err := t.vfs.Mkdir(t.ctx, "/"+strings.Repeat("x", maxNameLength+1), 0)

	assert.ErrorIs(t.T(), err, ErrInvalid)
}

func (t *MutatorsTest) TestOpenMissingWithoutCreate() {
	_, err := t.vfs.Open(t.ctx, "/nope", 0, sharedRead, 0)

	assert.ErrorIs(t.T(), err, ErrNotFound)
}

func (t *MutatorsTest) TestOpenFailOnExist() {
	t.writeFile("/f", "")

	_, err := t.vfs.Open(t.ctx, "/f", OptCreate|OptFailOnExist, sharedRead, 0)

	assert.ErrorIs(t.T(), err, ErrExists)
}

func (t *MutatorsTest) TestOpenDirectoryOption() {
	t.writeFile("/f", "")

	_, err := t.vfs.Open(t.ctx, "/f", OptDirectory, sharedRead, 0)
	assert.ErrorIs(t.T(), err, ErrNotDirectory)

	id, err := t.vfs.Open(t.ctx, "/d", OptCreate|OptDirectory, sharedRead, 0)
	require.NoError(t.T(), err)
	t.closeHandle(id)
	assert.True(t.T(), t.stat("/d").Flags.IsDirectory())
}

func (t *MutatorsTest) TestConcurrentCreateSucceedsOnce() {
	const creators = 16

	var created, existed atomic.Int32
	b := syncutil.NewBundle(t.ctx)
	for i := 0; i < creators; i++ {
		b.Add(func(ctx context.Context) (err error) {
			id, err := t.vfs.Open(ctx, "/race", OptCreate|OptFailOnExist, sharedWrite, 0)
			switch {
			case err == nil:
				created.Add(1)
				err = t.vfs.CloseHandle(ctx, id)
			case errors.Is(err, ErrExists):
				existed.Add(1)
				err = nil
			}
			return
		})
	}

	require.NoError(t.T(), b.Join())
	assert.EqualValues(t.T(), 1, created.Load())
	assert.EqualValues(t.T(), creators-1, existed.Load())
	assert.Equal(t.T(), []string{"race"}, t.names("/"))
}

func (t *MutatorsTest) TestHardLink() {
	t.writeFile("/f", "taco")

	require.NoError(t.T(), t.vfs.Link(t.ctx, "/g", "/f", false))

	assert.Equal(t.T(), "taco", t.readFile("/g"))
	assert.False(t.T(), t.stat("/g").Flags.IsLink())
}

func (t *MutatorsTest) TestHardLinkAcrossFileSystems() {
	t.mkdir("/mnt")
	_, err := t.vfs.Mount(t.ctx, "/mnt", memfs.New(&t.clock, "other", 0), "")
	require.NoError(t.T(), err)
	t.writeFile("/f", "")

	err = t.vfs.Link(t.ctx, "/mnt/g", "/f", false)

	assert.ErrorIs(t.T(), err, ErrNotSupported)
}

////////////////////////////////////////////////////////////////////////
// Delete
////////////////////////////////////////////////////////////////////////

func (t *MutatorsTest) TestUnlinkFile() {
	t.writeFile("/f", "")

	require.NoError(t.T(), t.vfs.Unlink(t.ctx, "/f"))

	_, err := t.vfs.Stat(t.ctx, "/f", true)
	assert.ErrorIs(t.T(), err, ErrNotFound)
	_, err = t.backend.Open(t.ctx, "/f")
	assert.ErrorIs(t.T(), err, syscall.ENOENT)
}

func (t *MutatorsTest) TestUnlinkNonEmptyDirectoryLeavesTreeAlone() {
	t.mkdir("/d")
	t.writeFile("/d/f", "x")
	before := t.stat("/d/f")

	err := t.vfs.Unlink(t.ctx, "/d")

	assert.ErrorIs(t.T(), err, ErrNotEmpty)
	assert.Equal(t.T(), []string{"f"}, t.names("/d"))
	assert.Equal(t.T(), before.ID, t.stat("/d/f").ID)
	assert.Equal(t.T(), "x", t.readFile("/d/f"))
}

func (t *MutatorsTest) TestUnlinkUnlistedNonEmptyDirectory() {
	t.backendCreate("/", "d", backend.FlagDirectory)
	t.backendCreate("/d", "f", backend.FlagFile)
	t.stat("/d")
	require.False(t.T(), t.vfs.root.root.children["d"].loaded)

	err := t.vfs.Unlink(t.ctx, "/d")

	assert.ErrorIs(t.T(), err, ErrNotEmpty)
	assert.Equal(t.T(), []string{"f"}, t.names("/d"))
	_, err = t.backend.Open(t.ctx, "/d/f")
	assert.NoError(t.T(), err)
}

func (t *MutatorsTest) TestUnlinkUnlistedEmptyDirectory() {
	t.backendCreate("/", "d", backend.FlagDirectory)
	t.stat("/d")

	require.NoError(t.T(), t.vfs.Unlink(t.ctx, "/d"))

	assert.Empty(t.T(), t.names("/"))
}

func (t *MutatorsTest) TestUnlinkOpenFileIsBusy() {
	t.writeFile("/f", "")
	id, err := t.vfs.Open(t.ctx, "/f", 0, sharedRead, 0)
	require.NoError(t.T(), err)

	err = t.vfs.Unlink(t.ctx, "/f")
	assert.ErrorIs(t.T(), err, ErrBusy)

	t.closeHandle(id)
	assert.NoError(t.T(), t.vfs.Unlink(t.ctx, "/f"))
}

func (t *MutatorsTest) TestUnlinkSymlinkKeepsTarget() {
	t.writeFile("/f", "x")
	require.NoError(t.T(), t.vfs.Link(t.ctx, "/l", "f", true))

	require.NoError(t.T(), t.vfs.Unlink(t.ctx, "/l"))

	assert.Equal(t.T(), []string{"f"}, t.names("/"))
}

func (t *MutatorsTest) TestUnlinkMissing() {
	err := t.vfs.Unlink(t.ctx, "/nope")

	assert.ErrorIs(t.T(), err, ErrNotFound)
}

func (t *MutatorsTest) TestUnlinkWaitsOutWriter() {
	t.mkdir("/d")
	d := t.vfs.root.root.children["d"]

	e, err := d.lock.Lock(t.ctx)
	require.NoError(t.T(), err)

	done := make(chan error)
	go func() { done <- t.vfs.Unlink(t.ctx, "/d") }()

	e.Unlock()
	assert.NoError(t.T(), <-done)
	assert.Empty(t.T(), t.names("/"))
}

////////////////////////////////////////////////////////////////////////
// Move
////////////////////////////////////////////////////////////////////////

func (t *MutatorsTest) TestRename() {
	t.writeFile("/f", "taco")

	require.NoError(t.T(), t.vfs.Move(t.ctx, "/f", "/g", false))

	assert.Equal(t.T(), []string{"g"}, t.names("/"))
	assert.Equal(t.T(), "taco", t.readFile("/g"))
}

func (t *MutatorsTest) TestMoveDirectoryBetweenParents() {
	t.mkdir("/a")
	t.mkdir("/b")
	t.mkdir("/a/d")
	t.writeFile("/a/d/f", "x")

	require.NoError(t.T(), t.vfs.Move(t.ctx, "/a/d", "/b/d", false))

	assert.Empty(t.T(), t.names("/a"))
	assert.Equal(t.T(), "x", t.readFile("/b/d/f"))
}

func (t *MutatorsTest) TestCopyKeepsSource() {
	t.writeFile("/f", "taco")

	require.NoError(t.T(), t.vfs.Move(t.ctx, "/f", "/g", true))

	assert.Equal(t.T(), "taco", t.readFile("/f"))
	assert.Equal(t.T(), "taco", t.readFile("/g"))
	assert.NotEqual(t.T(), t.stat("/f").ID, t.stat("/g").ID)
}

func (t *MutatorsTest) TestMoveOntoExisting() {
	t.writeFile("/f", "")
	t.writeFile("/g", "")

	err := t.vfs.Move(t.ctx, "/f", "/g", false)

	assert.ErrorIs(t.T(), err, ErrExists)
}

func (t *MutatorsTest) TestMoveIntoItself() {
	t.mkdir("/a")
	t.mkdir("/a/b")

	err := t.vfs.Move(t.ctx, "/a", "/a/b/c", false)

	assert.ErrorIs(t.T(), err, ErrInvalid)
}

func (t *MutatorsTest) TestMoveWithOpenDescendantIsBusy() {
	t.mkdir("/a")
	t.writeFile("/a/f", "")
	id, err := t.vfs.Open(t.ctx, "/a/f", 0, sharedRead, 0)
	require.NoError(t.T(), err)
	defer t.closeHandle(id)

	err = t.vfs.Move(t.ctx, "/a", "/b", false)

	assert.ErrorIs(t.T(), err, ErrBusy)
}

func (t *MutatorsTest) TestMoveSymlinkItself() {
	t.writeFile("/f", "")
	require.NoError(t.T(), t.vfs.Link(t.ctx, "/l", "f", true))

	require.NoError(t.T(), t.vfs.Move(t.ctx, "/l", "/m", false))

	target, err := t.vfs.ReadLink(t.ctx, "/m")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), "f", target)
	assert.Equal(t.T(), []string{"f", "m"}, t.names("/"))
}

func (t *MutatorsTest) mountScratch(at string, capacity uint64) *memfs.FileSystem {
	t.mkdir(at)
	mfs := memfs.New(&t.clock, "scratch", capacity)
	_, err := t.vfs.Mount(t.ctx, at, mfs, "")
	require.NoError(t.T(), err)
	return mfs
}

func (t *MutatorsTest) TestMoveAcrossFileSystems() {
	t.mountScratch("/mnt", 0)
	content := strings.Repeat("0123456789", 200)
	t.writeFile("/f", content)

	require.NoError(t.T(), t.vfs.Move(t.ctx, "/f", "/mnt/f", false))

	assert.Equal(t.T(), content, t.readFile("/mnt/f"))
	assert.NotEqual(t.T(), t.vfs.Root(), t.stat("/mnt/f").FileSystem)
	_, err := t.vfs.Stat(t.ctx, "/f", true)
	assert.ErrorIs(t.T(), err, ErrNotFound)
}

func (t *MutatorsTest) TestCopyAcrossFileSystems() {
	t.mountScratch("/mnt", 0)
	t.writeFile("/f", "taco")

	require.NoError(t.T(), t.vfs.Move(t.ctx, "/f", "/mnt/g", true))

	assert.Equal(t.T(), "taco", t.readFile("/mnt/g"))
	assert.Equal(t.T(), "taco", t.readFile("/f"))
}

func (t *MutatorsTest) TestFailedCrossMoveLeavesNoTrace() {
	mfs := t.mountScratch("/small", 1024)
	content := strings.Repeat("x", 4000)
	t.writeFile("/big", content)

	err := t.vfs.Move(t.ctx, "/big", "/small/big", false)

	assert.ErrorIs(t.T(), err, syscall.ENOSPC)
	assert.Empty(t.T(), t.names("/small"))
	_, err = mfs.Open(t.ctx, "/big")
	assert.ErrorIs(t.T(), err, syscall.ENOENT)
	assert.Equal(t.T(), content, t.readFile("/big"))
}

func (t *MutatorsTest) TestMoveDirectoryAcrossFileSystems() {
	t.mountScratch("/mnt", 0)
	t.mkdir("/d")

	err := t.vfs.Move(t.ctx, "/d", "/mnt/d", false)

	assert.ErrorIs(t.T(), err, ErrNotSupported)
}

func (t *MutatorsTest) TestMoveSymlinkAcrossFileSystems() {
	t.mountScratch("/mnt", 0)
	require.NoError(t.T(), t.vfs.Link(t.ctx, "/l", "/somewhere", true))

	require.NoError(t.T(), t.vfs.Move(t.ctx, "/l", "/mnt/l", false))

	target, err := t.vfs.ReadLink(t.ctx, "/mnt/l")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), "/somewhere", target)
	assert.Equal(t.T(), []string{"mnt"}, t.names("/"))
}
