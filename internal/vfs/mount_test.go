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

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/vfsd/vfsd/internal/backend/memfs"
)

type MountTest struct {
	vfsTest
}

func TestMountSuite(t *testing.T) {
	suite.Run(t, new(MountTest))
}

func (t *MountTest) mount(at string, label string) uuid.UUID {
	guid, err := t.vfs.Mount(t.ctx, at, memfs.New(&t.clock, label, 0), label)
	require.NoError(t.T(), err)
	return guid
}

func (t *MountTest) TestMountHidesAndRestores() {
	t.mkdir("/mnt")
	t.writeFile("/mnt/under", "")

	guid := t.mount("/mnt", "scratch")
	t.writeFile("/mnt/over", "x")

	assert.Equal(t.T(), []string{"over"}, t.names("/mnt"))
	assert.Equal(t.T(), guid, t.stat("/mnt/over").FileSystem)
	assert.Equal(t.T(), guid, t.stat("/mnt").FileSystem)

	require.NoError(t.T(), t.vfs.Unmount(t.ctx, "/mnt"))

	assert.Equal(t.T(), []string{"under"}, t.names("/mnt"))
	_, err := t.vfs.Stat(t.ctx, "/mnt/over", true)
	assert.ErrorIs(t.T(), err, ErrNotFound)
}

func (t *MountTest) TestStatFS() {
	t.mkdir("/mnt")
	guid := t.mount("/mnt", "scratch")

	st, err := t.vfs.StatFS(t.ctx, "/mnt")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), guid, st.FileSystem)
	assert.Equal(t.T(), "scratch", st.Label)

	st, err = t.vfs.StatFS(t.ctx, "/")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), t.vfs.Root(), st.FileSystem)
}

func (t *MountTest) TestDotDotLeavesMount() {
	t.mkdir("/mnt")
	t.writeFile("/f", "")
	t.mount("/mnt", "scratch")

	assert.Equal(t.T(), t.stat("/f").ID, t.stat("/mnt/../f").ID)
}

func (t *MountTest) TestMountOnFileOrRoot() {
	t.writeFile("/f", "")

	_, err := t.vfs.Mount(t.ctx, "/f", memfs.New(&t.clock, "x", 0), "")
	assert.ErrorIs(t.T(), err, ErrNotDirectory)

	_, err = t.vfs.Mount(t.ctx, "/", memfs.New(&t.clock, "x", 0), "")
	assert.ErrorIs(t.T(), err, ErrBusy)
}

func (t *MountTest) TestMountTwiceStacksOnMountedRoot() {
	t.mkdir("/mnt")
	t.mount("/mnt", "first")

	_, err := t.vfs.Mount(t.ctx, "/mnt", memfs.New(&t.clock, "second", 0), "")

	assert.ErrorIs(t.T(), err, ErrBusy)
}

func (t *MountTest) TestUnmountBusyWhileOpen() {
	t.mkdir("/mnt")
	t.mount("/mnt", "scratch")
	t.writeFile("/mnt/f", "")
	id, err := t.vfs.Open(t.ctx, "/mnt/f", 0, sharedRead, 0)
	require.NoError(t.T(), err)

	err = t.vfs.Unmount(t.ctx, "/mnt")
	assert.ErrorIs(t.T(), err, ErrBusy)

	t.closeHandle(id)
	assert.NoError(t.T(), t.vfs.Unmount(t.ctx, "/mnt"))
}

func (t *MountTest) TestUnmountBusyWithNestedMount() {
	t.mkdir("/mnt")
	t.mount("/mnt", "outer")
	t.mkdir("/mnt/inner")
	t.mount("/mnt/inner", "inner")

	assert.ErrorIs(t.T(), t.vfs.Unmount(t.ctx, "/mnt"), ErrBusy)

	require.NoError(t.T(), t.vfs.Unmount(t.ctx, "/mnt/inner"))
	assert.NoError(t.T(), t.vfs.Unmount(t.ctx, "/mnt"))
}

func (t *MountTest) TestUnmountNotMounted() {
	t.mkdir("/d")

	assert.ErrorIs(t.T(), t.vfs.Unmount(t.ctx, "/d"), ErrNotMounted)
}

func (t *MountTest) TestUnlinkMountPointIsBusy() {
	t.mkdir("/mnt")
	t.mount("/mnt", "scratch")

	assert.ErrorIs(t.T(), t.vfs.Unlink(t.ctx, "/mnt"), ErrBusy)
}

func (t *MountTest) TestBind() {
	t.mkdir("/src")
	t.writeFile("/src/f", "taco")
	t.mkdir("/at")

	require.NoError(t.T(), t.vfs.Bind(t.ctx, "/src", "/at"))

	assert.Equal(t.T(), t.stat("/src/f").ID, t.stat("/at/f").ID)
	t.writeFile("/at/g", "x")
	assert.Equal(t.T(), []string{"f", "g"}, t.names("/src"))

	require.NoError(t.T(), t.vfs.Unbind(t.ctx, "/at"))

	assert.Empty(t.T(), t.names("/at"))
}

func (t *MountTest) TestBindSourceCannotBeRemoved() {
	t.mkdir("/src")
	t.mkdir("/at")
	require.NoError(t.T(), t.vfs.Bind(t.ctx, "/src", "/at"))

	assert.ErrorIs(t.T(), t.vfs.Unlink(t.ctx, "/src"), ErrBusy)

	require.NoError(t.T(), t.vfs.Unbind(t.ctx, "/at"))
	assert.NoError(t.T(), t.vfs.Unlink(t.ctx, "/src"))
}

func (t *MountTest) TestBindOntoItself() {
	t.mkdir("/d")

	assert.ErrorIs(t.T(), t.vfs.Bind(t.ctx, "/d", "/d"), ErrInvalid)
}

func (t *MountTest) TestBindFileSource() {
	t.writeFile("/f", "")
	t.mkdir("/at")

	assert.ErrorIs(t.T(), t.vfs.Bind(t.ctx, "/f", "/at"), ErrNotDirectory)
}

func (t *MountTest) TestBindIntoMountKeepsItBusy() {
	t.mkdir("/mnt")
	t.mount("/mnt", "scratch")
	t.mkdir("/mnt/d")
	t.mkdir("/at")
	require.NoError(t.T(), t.vfs.Bind(t.ctx, "/mnt/d", "/at"))

	assert.ErrorIs(t.T(), t.vfs.Unmount(t.ctx, "/mnt"), ErrBusy)

	require.NoError(t.T(), t.vfs.Unbind(t.ctx, "/at"))
	assert.NoError(t.T(), t.vfs.Unmount(t.ctx, "/mnt"))
}

func (t *MountTest) TestUnbindNotBound() {
	t.mkdir("/d")

	assert.ErrorIs(t.T(), t.vfs.Unbind(t.ctx, "/d"), ErrNotMounted)
}

func (t *MountTest) TestDestroyTearsEverythingDown() {
	t.mkdir("/mnt")
	t.mount("/mnt", "outer")
	t.mkdir("/mnt/inner")
	t.mount("/mnt/inner", "inner")
	t.mkdir("/mnt/inner/d")
	t.mkdir("/at")
	require.NoError(t.T(), t.vfs.Bind(t.ctx, "/mnt/inner/d", "/at"))
	t.writeFile("/mnt/inner/d/f", "")
	_, err := t.vfs.Open(t.ctx, "/mnt/inner/d/f", 0, sharedRead, 0)
	require.NoError(t.T(), err)

	require.NoError(t.T(), t.vfs.Destroy(t.ctx))

	t.vfs.mu.Lock()
	assert.Empty(t.T(), t.vfs.handles)
	assert.Empty(t.T(), t.vfs.filesystems)
	assert.Empty(t.T(), t.vfs.binds)
	t.vfs.mu.Unlock()

	_, err = t.vfs.Open(t.ctx, "/f", OptCreate, sharedWrite, 0)
	assert.ErrorIs(t.T(), err, ErrNotMounted)
}
