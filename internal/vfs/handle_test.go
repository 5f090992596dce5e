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
	"testing"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/vfsd/vfsd/internal/backend"
	"github.com/vfsd/vfsd/internal/backend/memfs"
)

type HandleTest struct {
	vfsTest
}

func TestHandleSuite(t *testing.T) {
	suite.Run(t, new(HandleTest))
}

func (t *HandleTest) open(path string, options OpenOptions, access Access) fuseops.HandleID {
	id, err := t.vfs.Open(t.ctx, path, options, access, 0)
	require.NoError(t.T(), err)
	return id
}

////////////////////////////////////////////////////////////////////////
// Exclusivity
////////////////////////////////////////////////////////////////////////

func (t *HandleTest) TestAccessKinds() {
	assert.True(t.T(), AccessRead.Exclusive())
	assert.True(t.T(), (AccessWrite | AccessReadShare).Exclusive())
	assert.False(t.T(), (AccessRead | AccessReadShare).Exclusive())
	assert.False(t.T(), sharedWrite.Exclusive())
	assert.False(t.T(), pinAccess.Exclusive())
}

func (t *HandleTest) TestTwoExclusiveWritersConflict() {
	t.writeFile("/f", "")
	id := t.open("/f", 0, AccessWrite)
	defer t.closeHandle(id)

	_, err := t.vfs.Open(t.ctx, "/f", 0, AccessWrite, 0)

	assert.ErrorIs(t.T(), err, ErrPermission)
}

func (t *HandleTest) TestExclusiveWriterBlocksSharedReader() {
	t.writeFile("/f", "")
	id := t.open("/f", 0, AccessWrite)
	defer t.closeHandle(id)

	_, err := t.vfs.Open(t.ctx, "/f", 0, AccessRead|AccessReadShare, 0)

	assert.ErrorIs(t.T(), err, ErrPermission)
}

func (t *HandleTest) TestSharedReadersCoexist() {
	t.writeFile("/f", "")
	a := t.open("/f", 0, AccessRead|AccessReadShare)
	b := t.open("/f", 0, AccessRead|AccessReadShare)

	assert.NotEqual(t.T(), a, b)
	t.closeHandle(a)
	t.closeHandle(b)
}

func (t *HandleTest) TestExclusiveAfterCloseSucceeds() {
	t.writeFile("/f", "")
	t.closeHandle(t.open("/f", 0, AccessRead|AccessReadShare))

	id := t.open("/f", 0, AccessWrite)
	t.closeHandle(id)
}

func (t *HandleTest) TestSetAccessRechecks() {
	t.writeFile("/f", "")
	a := t.open("/f", 0, sharedRead)
	defer t.closeHandle(a)
	b := t.open("/f", 0, sharedRead)
	defer t.closeHandle(b)

	err := t.vfs.SetAccess(t.ctx, a, AccessWrite)
	assert.ErrorIs(t.T(), err, ErrPermission)

	require.NoError(t.T(), t.vfs.SetAccess(t.ctx, a, sharedWrite))
	got, err := t.vfs.GetAccess(t.ctx, a)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), sharedWrite, got)
}

////////////////////////////////////////////////////////////////////////
// I/O
////////////////////////////////////////////////////////////////////////

func (t *HandleTest) TestWriteAdvancesAndUpdatesStat() {
	id := t.open("/f", OptCreate, sharedWrite)
	defer t.closeHandle(id)

	t.clock.AdvanceTime(time.Minute)
	_, err := t.vfs.Write(t.ctx, id, []byte("taco"))
	require.NoError(t.T(), err)

	pos, err := t.vfs.GetPosition(t.ctx, id)
	require.NoError(t.T(), err)
	assert.EqualValues(t.T(), 4, pos)

	st := t.stat("/f")
	assert.EqualValues(t.T(), 4, st.Size)
	assert.Equal(t.T(), t.clock.Now(), st.Modified)
}

func (t *HandleTest) TestReadNeedsReadAccess() {
	t.writeFile("/f", "taco")
	id := t.open("/f", 0, AccessWrite|AccessWriteShare|AccessReadShare)
	defer t.closeHandle(id)

	_, err := t.vfs.Read(t.ctx, id, make([]byte, 4))

	assert.ErrorIs(t.T(), err, ErrPermission)
}

func (t *HandleTest) TestWriteNeedsWriteAccess() {
	t.writeFile("/f", "taco")
	id := t.open("/f", 0, sharedRead)
	defer t.closeHandle(id)

	_, err := t.vfs.Write(t.ctx, id, []byte("x"))

	assert.ErrorIs(t.T(), err, ErrPermission)
}

func (t *HandleTest) TestSeekAndRead() {
	t.writeFile("/f", "burrito")
	id := t.open("/f", 0, sharedRead)
	defer t.closeHandle(id)

	pos, err := t.vfs.Seek(t.ctx, id, 3)
	require.NoError(t.T(), err)
	assert.EqualValues(t.T(), 3, pos)

	buf := make([]byte, 10)
	n, err := t.vfs.Read(t.ctx, id, buf)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), "rito", string(buf[:n]))
}

func (t *HandleTest) TestReadAtWriteAtKeepPosition() {
	t.writeFile("/f", "burrito")
	id := t.open("/f", 0, sharedWrite)
	defer t.closeHandle(id)

	_, err := t.vfs.Seek(t.ctx, id, 1)
	require.NoError(t.T(), err)

	_, err = t.vfs.WriteAt(t.ctx, id, []byte("B"), 0)
	require.NoError(t.T(), err)

	buf := make([]byte, 3)
	n, err := t.vfs.ReadAt(t.ctx, id, buf, 4)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), "ito", string(buf[:n]))

	pos, err := t.vfs.GetPosition(t.ctx, id)
	require.NoError(t.T(), err)
	assert.EqualValues(t.T(), 1, pos)

	assert.Equal(t.T(), "Burrito", t.readFile("/f"))
}

func (t *HandleTest) TestAppend() {
	t.writeFile("/f", "taco")
	id := t.open("/f", OptAppend, sharedWrite)
	defer t.closeHandle(id)

	pos, err := t.vfs.GetPosition(t.ctx, id)
	require.NoError(t.T(), err)
	assert.EqualValues(t.T(), 4, pos)

	_, err = t.vfs.Seek(t.ctx, id, 0)
	require.NoError(t.T(), err)
	_, err = t.vfs.Write(t.ctx, id, []byte("s"))
	require.NoError(t.T(), err)

	assert.Equal(t.T(), "tacos", t.readFile("/f"))
}

func (t *HandleTest) TestTruncateOnOpen() {
	t.writeFile("/f", "taco")

	t.closeHandle(t.open("/f", OptTruncate, sharedWrite))

	assert.Equal(t.T(), "", t.readFile("/f"))
	assert.Zero(t.T(), t.stat("/f").Size)
}

func (t *HandleTest) TestTruncateNeedsWriteAccess() {
	t.writeFile("/f", "taco")

	_, err := t.vfs.Open(t.ctx, "/f", OptTruncate, sharedRead, 0)

	assert.ErrorIs(t.T(), err, ErrPermission)
	assert.Equal(t.T(), "taco", t.readFile("/f"))
}

func (t *HandleTest) TestSizes() {
	t.writeFile("/f", "taco")
	id := t.open("/f", 0, sharedWrite)
	defer t.closeHandle(id)

	size, err := t.vfs.GetSize(t.ctx, id)
	require.NoError(t.T(), err)
	assert.EqualValues(t.T(), 4, size)

	require.NoError(t.T(), t.vfs.SetSize(t.ctx, id, 2))

	size, err = t.vfs.GetSize(t.ctx, id)
	require.NoError(t.T(), err)
	assert.EqualValues(t.T(), 2, size)
	assert.EqualValues(t.T(), 2, t.stat("/f").Size)
}

func (t *HandleTest) TestStatHandle() {
	t.writeFile("/f", "taco")
	id := t.open("/f", 0, sharedRead)
	defer t.closeHandle(id)

	st, err := t.vfs.StatHandle(t.ctx, id)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), t.stat("/f").ID, st.ID)
	assert.Equal(t.T(), "f", st.Name)
	assert.EqualValues(t.T(), 4, st.Size)

	fst, err := t.vfs.StatFSHandle(t.ctx, id)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), t.vfs.Root(), fst.FileSystem)
	assert.Equal(t.T(), "root", fst.Label)
}

func (t *HandleTest) TestDuplicateCopiesPosition() {
	t.writeFile("/f", "burrito")
	id := t.open("/f", 0, AccessRead)
	defer t.closeHandle(id)
	_, err := t.vfs.Seek(t.ctx, id, 3)
	require.NoError(t.T(), err)

	dup, err := t.vfs.Duplicate(t.ctx, id)
	require.NoError(t.T(), err)
	defer t.closeHandle(dup)

	assert.NotEqual(t.T(), id, dup)
	buf := make([]byte, 10)
	n, err := t.vfs.Read(t.ctx, dup, buf)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), "rito", string(buf[:n]))

	access, err := t.vfs.GetAccess(t.ctx, dup)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), AccessRead, access)
}

func (t *HandleTest) TestDirectoryHandle() {
	t.mkdir("/d")
	t.writeFile("/d/a", "1")
	t.mkdir("/d/b")
	id := t.open("/d", OptDirectory, sharedWrite)
	defer t.closeHandle(id)

	buf := make([]byte, 4096)
	n, err := t.vfs.Read(t.ctx, id, buf)
	require.NoError(t.T(), err)
	entries, err := backend.DecodeDirents(buf[:n])
	require.NoError(t.T(), err)
	require.Len(t.T(), entries, 2)
	assert.Equal(t.T(), "a", entries[0].Name)
	assert.True(t.T(), entries[1].Flags.IsDirectory())

	_, err = t.vfs.Write(t.ctx, id, []byte("x"))
	assert.ErrorIs(t.T(), err, ErrIsDirectory)
}

func (t *HandleTest) TestClosedHandle() {
	t.writeFile("/f", "")
	id := t.open("/f", 0, sharedRead)
	t.closeHandle(id)

	_, err := t.vfs.Read(t.ctx, id, make([]byte, 1))
	assert.ErrorIs(t.T(), err, ErrBadHandle)

	assert.NoError(t.T(), t.vfs.CloseHandle(t.ctx, id))
	assert.ErrorIs(t.T(), t.vfs.CloseHandle(t.ctx, id+100), ErrBadHandle)
}

func (t *HandleTest) TestFullPathCrossesMounts() {
	t.mkdir("/mnt")
	_, err := t.vfs.Mount(t.ctx, "/mnt", memfs.New(&t.clock, "other", 0), "")
	require.NoError(t.T(), err)
	t.mkdir("/mnt/inner")
	t.writeFile("/mnt/inner/f", "")
	id := t.open("/mnt/inner/f", 0, sharedRead)
	defer t.closeHandle(id)

	path, err := t.vfs.GetFullPath(t.ctx, id)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), "/mnt/inner/f", path)
}
