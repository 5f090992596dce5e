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
	"syscall"

	"github.com/google/uuid"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/vfsd/vfsd/internal/backend"
	"github.com/vfsd/vfsd/internal/vfs"
)

// DefaultFSError is returned for errors carrying no errno of their own.
const DefaultFSError = syscall.EIO

func errno(err error) error {
	if err == nil {
		return nil
	}

	// Use existing FS errno
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return syscall.EINTR
	}

	// Unknown errors
	return DefaultFSError
}

// WithErrorMapping wraps a Service, mapping the returned errors into
// syscall.Errno values a caller across a process boundary understands.
func WithErrorMapping(wrapped vfs.Service) vfs.Service {
	return &errorMapping{wrapped: wrapped}
}

type errorMapping struct {
	wrapped vfs.Service
}

func (s *errorMapping) Open(ctx context.Context, path string, options vfs.OpenOptions, access vfs.Access, perms backend.Permissions) (fuseops.HandleID, error) {
	id, err := s.wrapped.Open(ctx, path, options, access, perms)
	return id, errno(err)
}

func (s *errorMapping) Stat(ctx context.Context, path string, followLinks bool) (vfs.Stat, error) {
	st, err := s.wrapped.Stat(ctx, path, followLinks)
	return st, errno(err)
}

func (s *errorMapping) StatFS(ctx context.Context, path string) (vfs.FSStat, error) {
	st, err := s.wrapped.StatFS(ctx, path)
	return st, errno(err)
}

func (s *errorMapping) ReadDir(ctx context.Context, path string) ([]vfs.Stat, error) {
	entries, err := s.wrapped.ReadDir(ctx, path)
	return entries, errno(err)
}

func (s *errorMapping) ReadLink(ctx context.Context, path string) (string, error) {
	target, err := s.wrapped.ReadLink(ctx, path)
	return target, errno(err)
}

func (s *errorMapping) Link(ctx context.Context, path string, target string, symbolic bool) error {
	return errno(s.wrapped.Link(ctx, path, target, symbolic))
}

func (s *errorMapping) Mkdir(ctx context.Context, path string, perms backend.Permissions) error {
	return errno(s.wrapped.Mkdir(ctx, path, perms))
}

func (s *errorMapping) Unlink(ctx context.Context, path string) error {
	return errno(s.wrapped.Unlink(ctx, path))
}

func (s *errorMapping) Move(ctx context.Context, from string, to string, copy bool) error {
	return errno(s.wrapped.Move(ctx, from, to, copy))
}

func (s *errorMapping) Mount(ctx context.Context, at string, b backend.Backend, label string) (uuid.UUID, error) {
	guid, err := s.wrapped.Mount(ctx, at, b, label)
	return guid, errno(err)
}

func (s *errorMapping) Unmount(ctx context.Context, at string) error {
	return errno(s.wrapped.Unmount(ctx, at))
}

func (s *errorMapping) Bind(ctx context.Context, source string, at string) error {
	return errno(s.wrapped.Bind(ctx, source, at))
}

func (s *errorMapping) Unbind(ctx context.Context, at string) error {
	return errno(s.wrapped.Unbind(ctx, at))
}

func (s *errorMapping) CloseHandle(ctx context.Context, id fuseops.HandleID) error {
	return errno(s.wrapped.CloseHandle(ctx, id))
}

func (s *errorMapping) Read(ctx context.Context, id fuseops.HandleID, p []byte) (int, error) {
	n, err := s.wrapped.Read(ctx, id, p)
	return n, errno(err)
}

func (s *errorMapping) Write(ctx context.Context, id fuseops.HandleID, p []byte) (int, error) {
	n, err := s.wrapped.Write(ctx, id, p)
	return n, errno(err)
}

func (s *errorMapping) ReadAt(ctx context.Context, id fuseops.HandleID, p []byte, off uint64) (int, error) {
	n, err := s.wrapped.ReadAt(ctx, id, p, off)
	return n, errno(err)
}

func (s *errorMapping) WriteAt(ctx context.Context, id fuseops.HandleID, p []byte, off uint64) (int, error) {
	n, err := s.wrapped.WriteAt(ctx, id, p, off)
	return n, errno(err)
}

func (s *errorMapping) Seek(ctx context.Context, id fuseops.HandleID, pos uint64) (uint64, error) {
	newPos, err := s.wrapped.Seek(ctx, id, pos)
	return newPos, errno(err)
}

func (s *errorMapping) Flush(ctx context.Context, id fuseops.HandleID) error {
	return errno(s.wrapped.Flush(ctx, id))
}

func (s *errorMapping) GetPosition(ctx context.Context, id fuseops.HandleID) (uint64, error) {
	pos, err := s.wrapped.GetPosition(ctx, id)
	return pos, errno(err)
}

func (s *errorMapping) GetAccess(ctx context.Context, id fuseops.HandleID) (vfs.Access, error) {
	a, err := s.wrapped.GetAccess(ctx, id)
	return a, errno(err)
}

func (s *errorMapping) SetAccess(ctx context.Context, id fuseops.HandleID, a vfs.Access) error {
	return errno(s.wrapped.SetAccess(ctx, id, a))
}

func (s *errorMapping) GetSize(ctx context.Context, id fuseops.HandleID) (uint64, error) {
	size, err := s.wrapped.GetSize(ctx, id)
	return size, errno(err)
}

func (s *errorMapping) SetSize(ctx context.Context, id fuseops.HandleID, size uint64) error {
	return errno(s.wrapped.SetSize(ctx, id, size))
}

func (s *errorMapping) StatHandle(ctx context.Context, id fuseops.HandleID) (vfs.Stat, error) {
	st, err := s.wrapped.StatHandle(ctx, id)
	return st, errno(err)
}

func (s *errorMapping) StatFSHandle(ctx context.Context, id fuseops.HandleID) (vfs.FSStat, error) {
	st, err := s.wrapped.StatFSHandle(ctx, id)
	return st, errno(err)
}

func (s *errorMapping) Duplicate(ctx context.Context, id fuseops.HandleID) (fuseops.HandleID, error) {
	dup, err := s.wrapped.Duplicate(ctx, id)
	return dup, errno(err)
}

func (s *errorMapping) GetFullPath(ctx context.Context, id fuseops.HandleID) (string, error) {
	p, err := s.wrapped.GetFullPath(ctx, id)
	return p, errno(err)
}

func (s *errorMapping) Destroy(ctx context.Context) error {
	return errno(s.wrapped.Destroy(ctx))
}
