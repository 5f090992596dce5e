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
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vfsd/vfsd/internal/vfs"
	"github.com/vfsd/vfsd/metrics"
)

func TestCategorize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err      error
		expected string
	}{
		{err: nil, expected: ""},
		{err: errors.New("some random error"), expected: metrics.ErrorCategoryIOERROR},
		{err: vfs.ErrNotFound, expected: metrics.ErrorCategoryNOFILEORDIR},
		{err: fmt.Errorf("unmount: %w", vfs.ErrNotMounted), expected: metrics.ErrorCategoryNOTMOUNTED},
		{err: vfs.ErrInvalid, expected: metrics.ErrorCategoryINVALIDARGUMENT},
		{err: vfs.ErrInvalidLink, expected: metrics.ErrorCategoryFILEDIRERROR},
		{err: vfs.ErrBusy, expected: metrics.ErrorCategoryBUSY},
		{err: vfs.ErrNotEmpty, expected: metrics.ErrorCategoryDIRNOTEMPTY},
		{err: vfs.ErrExists, expected: metrics.ErrorCategoryFILEEXISTS},
		{err: vfs.ErrNotDirectory, expected: metrics.ErrorCategoryNOTADIR},
		{err: vfs.ErrIsDirectory, expected: metrics.ErrorCategoryFILEDIRERROR},
		{err: vfs.ErrPermission, expected: metrics.ErrorCategoryPERMERROR},
		{err: vfs.ErrNotSupported, expected: metrics.ErrorCategoryNOTIMPLEMENTED},
		{err: vfs.ErrLoop, expected: metrics.ErrorCategoryTOOMANYLINKS},
		{err: syscall.ENOSPC, expected: metrics.ErrorCategoryNOSPACE},
		{err: context.DeadlineExceeded, expected: metrics.ErrorCategoryINTERRUPTERROR},
		{err: syscall.EHOSTDOWN, expected: metrics.ErrorCategoryMISCERROR},
	}

	for idx, tc := range tests {
		t.Run(fmt.Sprintf("categorize - case: %d", idx), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.expected, categorize(tc.err))
		})
	}
}

type fakeMetricHandle struct {
	mu          sync.Mutex
	ops         map[string]int64
	errs        map[string]int64
	latencies   map[string]int
	openHandles int64
}

func newFakeMetricHandle() *fakeMetricHandle {
	return &fakeMetricHandle{
		ops:       make(map[string]int64),
		errs:      make(map[string]int64),
		latencies: make(map[string]int),
	}
}

func (f *fakeMetricHandle) VfsOpsCount(inc int64, vfsOp string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops[vfsOp] += inc
}

func (f *fakeMetricHandle) VfsOpsErrorCount(inc int64, errorCategory string, vfsOp string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[vfsOp+"/"+errorCategory] += inc
}

func (f *fakeMetricHandle) VfsOpsLatency(ctx context.Context, latency time.Duration, vfsOp string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latencies[vfsOp]++
}

func (f *fakeMetricHandle) VfsOpenHandles(inc int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openHandles += inc
}

func TestMonitoringRecordsOps(t *testing.T) {
	ctx := context.Background()
	m := newFakeMetricHandle()
	s := WithMonitoring(newService(t), m)

	require.NoError(t, s.Mkdir(ctx, "/d", 0))
	assert.ErrorIs(t, s.Mkdir(ctx, "/d", 0), vfs.ErrExists)
	_, err := s.Stat(ctx, "/nope", true)
	assert.ErrorIs(t, err, vfs.ErrNotFound)

	assert.Equal(t, map[string]int64{metrics.VfsOpMkdir: 2, metrics.VfsOpStat: 1}, m.ops)
	assert.Equal(t, map[string]int64{
		metrics.VfsOpMkdir + "/" + metrics.ErrorCategoryFILEEXISTS: 1,
		metrics.VfsOpStat + "/" + metrics.ErrorCategoryNOFILEORDIR: 1,
	}, m.errs)
	assert.Equal(t, map[string]int{metrics.VfsOpMkdir: 2, metrics.VfsOpStat: 1}, m.latencies)
}

func TestMonitoringTracksOpenHandles(t *testing.T) {
	ctx := context.Background()
	m := newFakeMetricHandle()
	s := WithMonitoring(newService(t), m)
	access := vfs.AccessRead | vfs.AccessReadShare | vfs.AccessWriteShare

	a, err := s.Open(ctx, "/f", vfs.OptCreate, access, 0)
	require.NoError(t, err)
	_, err = s.Duplicate(ctx, a)
	require.NoError(t, err)
	_, err = s.Open(ctx, "/missing", 0, access, 0)
	require.Error(t, err)
	assert.EqualValues(t, 2, m.openHandles)

	require.NoError(t, s.CloseHandle(ctx, a))
	require.NoError(t, s.CloseHandle(ctx, a))
	assert.EqualValues(t, 1, m.openHandles)

	require.NoError(t, s.Destroy(ctx))
	assert.EqualValues(t, 0, m.openHandles)
}
