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
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/vfsd/vfsd/internal/backend"
	"github.com/vfsd/vfsd/internal/vfs"
	"github.com/vfsd/vfsd/metrics"
)

// categorize maps an error to an error category, keeping the cardinality of
// the error label small.
func categorize(err error) string {
	if err == nil {
		return ""
	}

	// Domain errors sharing an errno are told apart first.
	switch {
	case errors.Is(err, vfs.ErrNotMounted):
		return metrics.ErrorCategoryNOTMOUNTED
	case errors.Is(err, vfs.ErrInvalidLink):
		return metrics.ErrorCategoryFILEDIRERROR
	}

	var errno syscall.Errno
	if !errors.As(err, &errno) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return metrics.ErrorCategoryINTERRUPTERROR
		}
		errno = DefaultFSError
	}

	switch errno {
	case syscall.EBUSY, syscall.ETXTBSY:
		return metrics.ErrorCategoryBUSY

	case syscall.ENOTEMPTY:
		return metrics.ErrorCategoryDIRNOTEMPTY

	case syscall.EEXIST:
		return metrics.ErrorCategoryFILEEXISTS

	case syscall.EBADF,
		syscall.EBADFD,
		syscall.EFBIG,
		syscall.EISDIR,
		syscall.ENAMETOOLONG:
		return metrics.ErrorCategoryFILEDIRERROR

	case syscall.ENOSYS,
		syscall.ENOTSUP,
		syscall.EXDEV:
		return metrics.ErrorCategoryNOTIMPLEMENTED

	case syscall.EIO:
		return metrics.ErrorCategoryIOERROR

	case syscall.ECANCELED,
		syscall.EINTR:
		return metrics.ErrorCategoryINTERRUPTERROR

	case syscall.EINVAL:
		return metrics.ErrorCategoryINVALIDARGUMENT

	case syscall.ENOENT:
		return metrics.ErrorCategoryNOFILEORDIR

	case syscall.ENOTDIR:
		return metrics.ErrorCategoryNOTADIR

	case syscall.ENOSPC,
		syscall.EDQUOT,
		syscall.ENOMEM:
		return metrics.ErrorCategoryNOSPACE

	case syscall.ELOOP,
		syscall.EMLINK:
		return metrics.ErrorCategoryTOOMANYLINKS

	case syscall.EACCES,
		syscall.EPERM,
		syscall.EROFS:
		return metrics.ErrorCategoryPERMERROR
	}
	return metrics.ErrorCategoryMISCERROR
}

// Records operation count, failed operation count and the operation latency.
func recordOp(ctx context.Context, metricHandle metrics.MetricHandle, method string, start time.Time, err error) {
	metricHandle.VfsOpsCount(1, method)

	if err != nil {
		metricHandle.VfsOpsErrorCount(1, categorize(err), method)
	}
	metricHandle.VfsOpsLatency(ctx, time.Since(start), method)
}

// WithMonitoring wraps a Service, recording per operation counts, errors and
// latencies, and the number of handles callers hold open.
func WithMonitoring(wrapped vfs.Service, metricHandle metrics.MetricHandle) vfs.Service {
	return &monitoring{
		wrapped:      wrapped,
		metricHandle: metricHandle,
		open:         make(map[fuseops.HandleID]struct{}),
	}
}

type monitoring struct {
	wrapped      vfs.Service
	metricHandle metrics.MetricHandle

	mu sync.Mutex

	// Handles opened through this wrapper and not yet closed.
	//
	// GUARDED_BY(mu)
	open map[fuseops.HandleID]struct{}
}

type wrappedCall func(ctx context.Context) error

func (s *monitoring) invokeWrapped(ctx context.Context, opName string, w wrappedCall) error {
	startTime := time.Now()
	err := w(ctx)
	recordOp(ctx, s.metricHandle, opName, startTime, err)
	return err
}

func (s *monitoring) opened(id fuseops.HandleID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.open[id]; !ok {
		s.open[id] = struct{}{}
		s.metricHandle.VfsOpenHandles(1)
	}
}

func (s *monitoring) closed(id fuseops.HandleID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.open[id]; ok {
		delete(s.open, id)
		s.metricHandle.VfsOpenHandles(-1)
	}
}

func (s *monitoring) Open(ctx context.Context, path string, options vfs.OpenOptions, access vfs.Access, perms backend.Permissions) (id fuseops.HandleID, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpOpen, func(ctx context.Context) (err error) {
		id, err = s.wrapped.Open(ctx, path, options, access, perms)
		return
	})
	if err == nil {
		s.opened(id)
	}
	return
}

func (s *monitoring) Stat(ctx context.Context, path string, followLinks bool) (st vfs.Stat, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpStat, func(ctx context.Context) (err error) {
		st, err = s.wrapped.Stat(ctx, path, followLinks)
		return
	})
	return
}

func (s *monitoring) StatFS(ctx context.Context, path string) (st vfs.FSStat, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpStatFS, func(ctx context.Context) (err error) {
		st, err = s.wrapped.StatFS(ctx, path)
		return
	})
	return
}

func (s *monitoring) ReadDir(ctx context.Context, path string) (entries []vfs.Stat, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpReadDir, func(ctx context.Context) (err error) {
		entries, err = s.wrapped.ReadDir(ctx, path)
		return
	})
	return
}

func (s *monitoring) ReadLink(ctx context.Context, path string) (target string, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpReadLink, func(ctx context.Context) (err error) {
		target, err = s.wrapped.ReadLink(ctx, path)
		return
	})
	return
}

func (s *monitoring) Link(ctx context.Context, path string, target string, symbolic bool) error {
	return s.invokeWrapped(ctx, metrics.VfsOpLink, func(ctx context.Context) error { return s.wrapped.Link(ctx, path, target, symbolic) })
}

func (s *monitoring) Mkdir(ctx context.Context, path string, perms backend.Permissions) error {
	return s.invokeWrapped(ctx, metrics.VfsOpMkdir, func(ctx context.Context) error { return s.wrapped.Mkdir(ctx, path, perms) })
}

func (s *monitoring) Unlink(ctx context.Context, path string) error {
	return s.invokeWrapped(ctx, metrics.VfsOpUnlink, func(ctx context.Context) error { return s.wrapped.Unlink(ctx, path) })
}

func (s *monitoring) Move(ctx context.Context, from string, to string, copy bool) error {
	return s.invokeWrapped(ctx, metrics.VfsOpMove, func(ctx context.Context) error { return s.wrapped.Move(ctx, from, to, copy) })
}

func (s *monitoring) Mount(ctx context.Context, at string, b backend.Backend, label string) (guid uuid.UUID, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpMount, func(ctx context.Context) (err error) {
		guid, err = s.wrapped.Mount(ctx, at, b, label)
		return
	})
	return
}

func (s *monitoring) Unmount(ctx context.Context, at string) error {
	return s.invokeWrapped(ctx, metrics.VfsOpUnmount, func(ctx context.Context) error { return s.wrapped.Unmount(ctx, at) })
}

func (s *monitoring) Bind(ctx context.Context, source string, at string) error {
	return s.invokeWrapped(ctx, metrics.VfsOpBind, func(ctx context.Context) error { return s.wrapped.Bind(ctx, source, at) })
}

func (s *monitoring) Unbind(ctx context.Context, at string) error {
	return s.invokeWrapped(ctx, metrics.VfsOpUnbind, func(ctx context.Context) error { return s.wrapped.Unbind(ctx, at) })
}

func (s *monitoring) CloseHandle(ctx context.Context, id fuseops.HandleID) (err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpCloseHandle, func(ctx context.Context) error { return s.wrapped.CloseHandle(ctx, id) })
	if err == nil {
		s.closed(id)
	}
	return
}

func (s *monitoring) Read(ctx context.Context, id fuseops.HandleID, p []byte) (n int, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpRead, func(ctx context.Context) (err error) {
		n, err = s.wrapped.Read(ctx, id, p)
		return
	})
	return
}

func (s *monitoring) Write(ctx context.Context, id fuseops.HandleID, p []byte) (n int, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpWrite, func(ctx context.Context) (err error) {
		n, err = s.wrapped.Write(ctx, id, p)
		return
	})
	return
}

func (s *monitoring) ReadAt(ctx context.Context, id fuseops.HandleID, p []byte, off uint64) (n int, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpReadAt, func(ctx context.Context) (err error) {
		n, err = s.wrapped.ReadAt(ctx, id, p, off)
		return
	})
	return
}

func (s *monitoring) WriteAt(ctx context.Context, id fuseops.HandleID, p []byte, off uint64) (n int, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpWriteAt, func(ctx context.Context) (err error) {
		n, err = s.wrapped.WriteAt(ctx, id, p, off)
		return
	})
	return
}

func (s *monitoring) Seek(ctx context.Context, id fuseops.HandleID, pos uint64) (newPos uint64, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpSeek, func(ctx context.Context) (err error) {
		newPos, err = s.wrapped.Seek(ctx, id, pos)
		return
	})
	return
}

func (s *monitoring) Flush(ctx context.Context, id fuseops.HandleID) error {
	return s.invokeWrapped(ctx, metrics.VfsOpFlush, func(ctx context.Context) error { return s.wrapped.Flush(ctx, id) })
}

func (s *monitoring) GetPosition(ctx context.Context, id fuseops.HandleID) (pos uint64, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpGetPosition, func(ctx context.Context) (err error) {
		pos, err = s.wrapped.GetPosition(ctx, id)
		return
	})
	return
}

func (s *monitoring) GetAccess(ctx context.Context, id fuseops.HandleID) (a vfs.Access, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpGetAccess, func(ctx context.Context) (err error) {
		a, err = s.wrapped.GetAccess(ctx, id)
		return
	})
	return
}

func (s *monitoring) SetAccess(ctx context.Context, id fuseops.HandleID, a vfs.Access) error {
	return s.invokeWrapped(ctx, metrics.VfsOpSetAccess, func(ctx context.Context) error { return s.wrapped.SetAccess(ctx, id, a) })
}

func (s *monitoring) GetSize(ctx context.Context, id fuseops.HandleID) (size uint64, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpGetSize, func(ctx context.Context) (err error) {
		size, err = s.wrapped.GetSize(ctx, id)
		return
	})
	return
}

func (s *monitoring) SetSize(ctx context.Context, id fuseops.HandleID, size uint64) error {
	return s.invokeWrapped(ctx, metrics.VfsOpSetSize, func(ctx context.Context) error { return s.wrapped.SetSize(ctx, id, size) })
}

func (s *monitoring) StatHandle(ctx context.Context, id fuseops.HandleID) (st vfs.Stat, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpStatHandle, func(ctx context.Context) (err error) {
		st, err = s.wrapped.StatHandle(ctx, id)
		return
	})
	return
}

func (s *monitoring) StatFSHandle(ctx context.Context, id fuseops.HandleID) (st vfs.FSStat, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpStatFSHandle, func(ctx context.Context) (err error) {
		st, err = s.wrapped.StatFSHandle(ctx, id)
		return
	})
	return
}

func (s *monitoring) Duplicate(ctx context.Context, id fuseops.HandleID) (dup fuseops.HandleID, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpDuplicate, func(ctx context.Context) (err error) {
		dup, err = s.wrapped.Duplicate(ctx, id)
		return
	})
	if err == nil {
		s.opened(dup)
	}
	return
}

func (s *monitoring) GetFullPath(ctx context.Context, id fuseops.HandleID) (p string, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpGetFullPath, func(ctx context.Context) (err error) {
		p, err = s.wrapped.GetFullPath(ctx, id)
		return
	})
	return
}

// Destroy closes every handle, so the open handle gauge drops to zero.
func (s *monitoring) Destroy(ctx context.Context) error {
	err := s.wrapped.Destroy(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.open); n > 0 {
		s.metricHandle.VfsOpenHandles(-int64(n))
		clear(s.open)
	}
	return err
}
