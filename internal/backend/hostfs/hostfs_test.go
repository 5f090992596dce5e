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

package hostfs

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/vfsd/vfsd/internal/backend"
)

type HostFSTest struct {
	suite.Suite
	ctx context.Context
	dir string
	hfs *FileSystem
}

func TestHostFSSuite(t *testing.T) {
	suite.Run(t, new(HostFSTest))
}

func (t *HostFSTest) SetupTest() {
	t.ctx = context.Background()
	t.dir = t.T().TempDir()

	var err error
	t.hfs, err = New(t.dir, "", false)
	require.NoError(t.T(), err)
}

func (t *HostFSTest) writeHostFile(rel string, content string) {
	require.NoError(t.T(), os.WriteFile(filepath.Join(t.dir, rel), []byte(content), 0644))
}

func (t *HostFSTest) TestNewDefaultsLabelToBaseName() {
	assert.Equal(t.T(), filepath.Base(t.dir), t.hfs.label)
}

func (t *HostFSTest) TestNewRejectsFile() {
	t.writeHostFile("f", "")

	_, err := New(filepath.Join(t.dir, "f"), "", false)

	assert.ErrorIs(t.T(), err, syscall.ENOTDIR)
}

func (t *HostFSTest) TestHostPathStaysUnderRoot() {
	assert.Equal(t.T(), filepath.Join(t.dir, "etc"), t.hfs.hostPath("/../../etc"))
	assert.Equal(t.T(), t.dir, t.hfs.hostPath("/"))
}

func (t *HostFSTest) TestCreateWriteReadBack() {
	root, err := t.hfs.Open(t.ctx, "/")
	require.NoError(t.T(), err)
	defer t.hfs.Close(t.ctx, root)

	d, err := t.hfs.Create(t.ctx, root, "taco", 0, backend.FlagFile, 0600)
	require.NoError(t.T(), err)
	_, err = t.hfs.Write(t.ctx, d, []byte("burrito"))
	require.NoError(t.T(), err)
	require.NoError(t.T(), t.hfs.Close(t.ctx, d))

	content, err := os.ReadFile(filepath.Join(t.dir, "taco"))
	require.NoError(t.T(), err)
	assert.Equal(t.T(), "burrito", string(content))
}

func (t *HostFSTest) TestReadUntilZero() {
	t.writeHostFile("f", "abc")
	d, err := t.hfs.Open(t.ctx, "/f")
	require.NoError(t.T(), err)
	defer t.hfs.Close(t.ctx, d)

	buf := make([]byte, 8)
	n, err := t.hfs.Read(t.ctx, d, buf)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), "abc", string(buf[:n]))

	n, err = t.hfs.Read(t.ctx, d, buf)
	assert.NoError(t.T(), err)
	assert.Zero(t.T(), n)
}

func (t *HostFSTest) TestDirectoryRecords() {
	t.writeHostFile("b", "12")
	require.NoError(t.T(), os.Mkdir(filepath.Join(t.dir, "a"), 0755))
	require.NoError(t.T(), os.Symlink("b", filepath.Join(t.dir, "c")))

	d, err := t.hfs.Open(t.ctx, "/")
	require.NoError(t.T(), err)
	defer t.hfs.Close(t.ctx, d)

	buf := make([]byte, 4096)
	n, err := t.hfs.Read(t.ctx, d, buf)
	require.NoError(t.T(), err)
	entries, err := backend.DecodeDirents(buf[:n])
	require.NoError(t.T(), err)

	require.Len(t.T(), entries, 3)
	assert.Equal(t.T(), "a", entries[0].Name)
	assert.True(t.T(), entries[0].Flags.IsDirectory())
	assert.Equal(t.T(), "b", entries[1].Name)
	assert.EqualValues(t.T(), 2, entries[1].Size)
	assert.Equal(t.T(), "c", entries[2].Name)
	assert.True(t.T(), entries[2].Flags.IsLink())
	assert.Equal(t.T(), "b", entries[2].LinkTarget)
}

func (t *HostFSTest) TestOpenSymlinkDoesNotFollow() {
	require.NoError(t.T(), os.Symlink("/nowhere", filepath.Join(t.dir, "l")))

	d, err := t.hfs.Open(t.ctx, "/l")
	require.NoError(t.T(), err)
	st, err := t.hfs.Stat(t.ctx, d)

	require.NoError(t.T(), err)
	assert.True(t.T(), st.Flags.IsLink())
	assert.Equal(t.T(), "/nowhere", st.LinkTarget)
}

func (t *HostFSTest) TestLinkAndReadLink() {
	t.writeHostFile("f", "x")
	root, err := t.hfs.Open(t.ctx, "/")
	require.NoError(t.T(), err)

	require.NoError(t.T(), t.hfs.Link(t.ctx, root, "sym", "f", true))
	require.NoError(t.T(), t.hfs.Link(t.ctx, root, "hard", "/f", false))

	target, err := t.hfs.ReadLink(t.ctx, "/sym")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), "f", target)

	_, err = t.hfs.ReadLink(t.ctx, "/hard")
	assert.ErrorIs(t.T(), err, syscall.EINVAL)
}

func (t *HostFSTest) TestUnlinkNonEmptyDirectory() {
	require.NoError(t.T(), os.Mkdir(filepath.Join(t.dir, "d"), 0755))
	t.writeHostFile("d/f", "")

	err := t.hfs.Unlink(t.ctx, "/d")

	assert.ErrorIs(t.T(), err, syscall.ENOTEMPTY)
}

func (t *HostFSTest) TestMoveRefusesExistingDestination() {
	t.writeHostFile("f", "1")
	t.writeHostFile("g", "2")

	err := t.hfs.Move(t.ctx, "/f", "/g", false)

	assert.ErrorIs(t.T(), err, syscall.EEXIST)
}

func (t *HostFSTest) TestMoveCopyTree() {
	require.NoError(t.T(), os.Mkdir(filepath.Join(t.dir, "d"), 0755))
	t.writeHostFile("d/f", "abc")
	require.NoError(t.T(), os.Symlink("f", filepath.Join(t.dir, "d", "l")))

	require.NoError(t.T(), t.hfs.Move(t.ctx, "/d", "/e", true))

	content, err := os.ReadFile(filepath.Join(t.dir, "e", "f"))
	require.NoError(t.T(), err)
	assert.Equal(t.T(), "abc", string(content))
	target, err := os.Readlink(filepath.Join(t.dir, "e", "l"))
	require.NoError(t.T(), err)
	assert.Equal(t.T(), "f", target)
	_, err = os.Stat(filepath.Join(t.dir, "d", "f"))
	assert.NoError(t.T(), err)
}

func (t *HostFSTest) TestReadOnly() {
	ro, err := New(t.dir, "ro", true)
	require.NoError(t.T(), err)

	err = ro.Unlink(t.ctx, "/anything")
	assert.ErrorIs(t.T(), err, syscall.EROFS)

	st, err := ro.StatFS(t.ctx)
	require.NoError(t.T(), err)
	assert.True(t.T(), st.ReadOnly)
	assert.Equal(t.T(), "ro", st.Label)
	assert.NotZero(t.T(), st.BlockSize)
}
