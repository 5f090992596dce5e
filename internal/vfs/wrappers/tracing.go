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

	"github.com/google/uuid"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/vfsd/vfsd/internal/backend"
	"github.com/vfsd/vfsd/internal/vfs"
	"github.com/vfsd/vfsd/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/vfsd/vfsd"

type tracing struct {
	wrapped vfs.Service
	tracer  trace.Tracer
}

// WithTracing wraps a Service and starts a root span for every call.
func WithTracing(wrapped vfs.Service) vfs.Service {
	return &tracing{
		wrapped: wrapped,
		tracer:  otel.Tracer(tracerName),
	}
}

func (s *tracing) invokeWrapped(ctx context.Context, opName string, w wrappedCall) error {
	ctx, span := s.tracer.Start(ctx, opName, trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	err := w(ctx)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return err
}

func (s *tracing) Open(ctx context.Context, path string, options vfs.OpenOptions, access vfs.Access, perms backend.Permissions) (id fuseops.HandleID, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpOpen, func(ctx context.Context) (err error) {
		id, err = s.wrapped.Open(ctx, path, options, access, perms)
		return
	})
	return
}

func (s *tracing) Stat(ctx context.Context, path string, followLinks bool) (st vfs.Stat, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpStat, func(ctx context.Context) (err error) {
		st, err = s.wrapped.Stat(ctx, path, followLinks)
		return
	})
	return
}

func (s *tracing) StatFS(ctx context.Context, path string) (st vfs.FSStat, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpStatFS, func(ctx context.Context) (err error) {
		st, err = s.wrapped.StatFS(ctx, path)
		return
	})
	return
}

func (s *tracing) ReadDir(ctx context.Context, path string) (entries []vfs.Stat, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpReadDir, func(ctx context.Context) (err error) {
		entries, err = s.wrapped.ReadDir(ctx, path)
		return
	})
	return
}

func (s *tracing) ReadLink(ctx context.Context, path string) (target string, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpReadLink, func(ctx context.Context) (err error) {
		target, err = s.wrapped.ReadLink(ctx, path)
		return
	})
	return
}

func (s *tracing) Link(ctx context.Context, path string, target string, symbolic bool) error {
	return s.invokeWrapped(ctx, metrics.VfsOpLink, func(ctx context.Context) error { return s.wrapped.Link(ctx, path, target, symbolic) })
}

func (s *tracing) Mkdir(ctx context.Context, path string, perms backend.Permissions) error {
	return s.invokeWrapped(ctx, metrics.VfsOpMkdir, func(ctx context.Context) error { return s.wrapped.Mkdir(ctx, path, perms) })
}

func (s *tracing) Unlink(ctx context.Context, path string) error {
	return s.invokeWrapped(ctx, metrics.VfsOpUnlink, func(ctx context.Context) error { return s.wrapped.Unlink(ctx, path) })
}

func (s *tracing) Move(ctx context.Context, from string, to string, copy bool) error {
	return s.invokeWrapped(ctx, metrics.VfsOpMove, func(ctx context.Context) error { return s.wrapped.Move(ctx, from, to, copy) })
}

func (s *tracing) Mount(ctx context.Context, at string, b backend.Backend, label string) (guid uuid.UUID, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpMount, func(ctx context.Context) (err error) {
		guid, err = s.wrapped.Mount(ctx, at, b, label)
		return
	})
	return
}

func (s *tracing) Unmount(ctx context.Context, at string) error {
	return s.invokeWrapped(ctx, metrics.VfsOpUnmount, func(ctx context.Context) error { return s.wrapped.Unmount(ctx, at) })
}

func (s *tracing) Bind(ctx context.Context, source string, at string) error {
	return s.invokeWrapped(ctx, metrics.VfsOpBind, func(ctx context.Context) error { return s.wrapped.Bind(ctx, source, at) })
}

func (s *tracing) Unbind(ctx context.Context, at string) error {
	return s.invokeWrapped(ctx, metrics.VfsOpUnbind, func(ctx context.Context) error { return s.wrapped.Unbind(ctx, at) })
}

func (s *tracing) CloseHandle(ctx context.Context, id fuseops.HandleID) error {
	return s.invokeWrapped(ctx, metrics.VfsOpCloseHandle, func(ctx context.Context) error { return s.wrapped.CloseHandle(ctx, id) })
}

func (s *tracing) Read(ctx context.Context, id fuseops.HandleID, p []byte) (n int, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpRead, func(ctx context.Context) (err error) {
		n, err = s.wrapped.Read(ctx, id, p)
		return
	})
	return
}

func (s *tracing) Write(ctx context.Context, id fuseops.HandleID, p []byte) (n int, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpWrite, func(ctx context.Context) (err error) {
		n, err = s.wrapped.Write(ctx, id, p)
		return
	})
	return
}

func (s *tracing) ReadAt(ctx context.Context, id fuseops.HandleID, p []byte, off uint64) (n int, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpReadAt, func(ctx context.Context) (err error) {
		n, err = s.wrapped.ReadAt(ctx, id, p, off)
		return
	})
	return
}

func (s *tracing) WriteAt(ctx context.Context, id fuseops.HandleID, p []byte, off uint64) (n int, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpWriteAt, func(ctx context.Context) (err error) {
		n, err = s.wrapped.WriteAt(ctx, id, p, off)
		return
	})
	return
}

func (s *tracing) Seek(ctx context.Context, id fuseops.HandleID, pos uint64) (newPos uint64, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpSeek, func(ctx context.Context) (err error) {
		newPos, err = s.wrapped.Seek(ctx, id, pos)
		return
	})
	return
}

func (s *tracing) Flush(ctx context.Context, id fuseops.HandleID) error {
	return s.invokeWrapped(ctx, metrics.VfsOpFlush, func(ctx context.Context) error { return s.wrapped.Flush(ctx, id) })
}

func (s *tracing) GetPosition(ctx context.Context, id fuseops.HandleID) (pos uint64, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpGetPosition, func(ctx context.Context) (err error) {
		pos, err = s.wrapped.GetPosition(ctx, id)
		return
	})
	return
}

func (s *tracing) GetAccess(ctx context.Context, id fuseops.HandleID) (a vfs.Access, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpGetAccess, func(ctx context.Context) (err error) {
		a, err = s.wrapped.GetAccess(ctx, id)
		return
	})
	return
}

func (s *tracing) SetAccess(ctx context.Context, id fuseops.HandleID, a vfs.Access) error {
	return s.invokeWrapped(ctx, metrics.VfsOpSetAccess, func(ctx context.Context) error { return s.wrapped.SetAccess(ctx, id, a) })
}

func (s *tracing) GetSize(ctx context.Context, id fuseops.HandleID) (size uint64, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpGetSize, func(ctx context.Context) (err error) {
		size, err = s.wrapped.GetSize(ctx, id)
		return
	})
	return
}

func (s *tracing) SetSize(ctx context.Context, id fuseops.HandleID, size uint64) error {
	return s.invokeWrapped(ctx, metrics.VfsOpSetSize, func(ctx context.Context) error { return s.wrapped.SetSize(ctx, id, size) })
}

func (s *tracing) StatHandle(ctx context.Context, id fuseops.HandleID) (st vfs.Stat, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpStatHandle, func(ctx context.Context) (err error) {
		st, err = s.wrapped.StatHandle(ctx, id)
		return
	})
	return
}

func (s *tracing) StatFSHandle(ctx context.Context, id fuseops.HandleID) (st vfs.FSStat, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpStatFSHandle, func(ctx context.Context) (err error) {
		st, err = s.wrapped.StatFSHandle(ctx, id)
		return
	})
	return
}

func (s *tracing) Duplicate(ctx context.Context, id fuseops.HandleID) (dup fuseops.HandleID, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpDuplicate, func(ctx context.Context) (err error) {
		dup, err = s.wrapped.Duplicate(ctx, id)
		return
	})
	return
}

func (s *tracing) GetFullPath(ctx context.Context, id fuseops.HandleID) (p string, err error) {
	err = s.invokeWrapped(ctx, metrics.VfsOpGetFullPath, func(ctx context.Context) (err error) {
		p, err = s.wrapped.GetFullPath(ctx, id)
		return
	})
	return
}

func (s *tracing) Destroy(ctx context.Context) error {
	return s.wrapped.Destroy(ctx)
}
