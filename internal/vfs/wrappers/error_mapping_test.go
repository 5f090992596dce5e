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

package wrappers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"

	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vfsd/vfsd/internal/backend/memfs"
	"github.com/vfsd/vfsd/internal/vfs"
)

func newService(t *testing.T) vfs.Service {
	t.Helper()
	clock := timeutil.RealClock()
	v := vfs.New(memfs.New(clock, "root", 0), "root", vfs.Config{Clock: clock})
	t.Cleanup(func() {
		assert.NoError(t, v.Destroy(context.Background()))
	})
	return v
}

func TestErrno(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err      error
		expected error
	}{
		{err: nil, expected: nil},
		{err: vfs.ErrNotFound, expected: syscall.ENOENT},
		{err: fmt.Errorf("open %q: %w", "/a", vfs.ErrBusy), expected: syscall.EBUSY},
		{err: fmt.Errorf("write: %w", syscall.ENOSPC), expected: syscall.ENOSPC},
		{err: vfs.ErrNotMounted, expected: syscall.EINVAL},
		{err: context.Canceled, expected: syscall.EINTR},
		{err: io.ErrShortWrite, expected: syscall.EIO},
		{err: errors.New("taco"), expected: syscall.EIO},
	}

	for idx, tc := range tests {
		t.Run(fmt.Sprintf("errno - case: %d", idx), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.expected, errno(tc.err))
		})
	}
}

func TestErrorMappingReturnsBareErrno(t *testing.T) {
	ctx := context.Background()
	s := WithErrorMapping(newService(t))

	_, err := s.Stat(ctx, "/missing", true)
	assert.Equal(t, syscall.ENOENT, err)

	require.NoError(t, s.Mkdir(ctx, "/d", 0))
	assert.Equal(t, syscall.EEXIST, s.Mkdir(ctx, "/d", 0))
	assert.Equal(t, syscall.ENOTEMPTY, func() error {
		require.NoError(t, s.Mkdir(ctx, "/d/e", 0))
		return s.Unlink(ctx, "/d")
	}())

	_, err = s.Read(ctx, 1000, make([]byte, 1))
	assert.Equal(t, syscall.EBADF, err)
}

func TestErrorMappingPassesResultsThrough(t *testing.T) {
	ctx := context.Background()
	s := WithErrorMapping(newService(t))

	id, err := s.Open(ctx, "/f", vfs.OptCreate, vfs.AccessRead|vfs.AccessWrite, 0)
	require.NoError(t, err)
	n, err := s.Write(ctx, id, []byte("taco"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	size, err := s.GetSize(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 4, size)
	require.NoError(t, s.CloseHandle(ctx, id))
}
