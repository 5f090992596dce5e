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
	"github.com/vfsd/vfsd/internal/logger"
	"github.com/vfsd/vfsd/internal/vfs"
)

const debugPrefix = "debug_vfs: "

// WithDebugLogging wraps a Service, logging every call with its arguments
// and error at DEBUG severity.
func WithDebugLogging(wrapped vfs.Service) vfs.Service {
	return &debugLogging{wrapped: wrapped}
}

type debugLogging struct {
	wrapped vfs.Service
}

func (s *debugLogging) Open(ctx context.Context, path string, options vfs.OpenOptions, access vfs.Access, perms backend.Permissions) (fuseops.HandleID, error) {
	id, err := s.wrapped.Open(ctx, path, options, access, perms)
	logger.Debugf(debugPrefix+"Open(%q, %#x, %#x) = %v: %v", path, options, access, id, err)
	return id, err
}

func (s *debugLogging) Stat(ctx context.Context, path string, followLinks bool) (vfs.Stat, error) {
	st, err := s.wrapped.Stat(ctx, path, followLinks)
	logger.Debugf(debugPrefix+"Stat(%q, %v): %v", path, followLinks, err)
	return st, err
}

func (s *debugLogging) StatFS(ctx context.Context, path string) (vfs.FSStat, error) {
	st, err := s.wrapped.StatFS(ctx, path)
	logger.Debugf(debugPrefix+"StatFS(%q): %v", path, err)
	return st, err
}

func (s *debugLogging) ReadDir(ctx context.Context, path string) ([]vfs.Stat, error) {
	entries, err := s.wrapped.ReadDir(ctx, path)
	logger.Debugf(debugPrefix+"ReadDir(%q) = %d entries: %v", path, len(entries), err)
	return entries, err
}

func (s *debugLogging) ReadLink(ctx context.Context, path string) (string, error) {
	target, err := s.wrapped.ReadLink(ctx, path)
	logger.Debugf(debugPrefix+"ReadLink(%q) = %q: %v", path, target, err)
	return target, err
}

func (s *debugLogging) Link(ctx context.Context, path string, target string, symbolic bool) error {
	err := s.wrapped.Link(ctx, path, target, symbolic)
	logger.Debugf(debugPrefix+"Link(%q, %q, %v): %v", path, target, symbolic, err)
	return err
}

func (s *debugLogging) Mkdir(ctx context.Context, path string, perms backend.Permissions) error {
	err := s.wrapped.Mkdir(ctx, path, perms)
	logger.Debugf(debugPrefix+"Mkdir(%q, %o): %v", path, perms, err)
	return err
}

func (s *debugLogging) Unlink(ctx context.Context, path string) error {
	err := s.wrapped.Unlink(ctx, path)
	logger.Debugf(debugPrefix+"Unlink(%q): %v", path, err)
	return err
}

func (s *debugLogging) Move(ctx context.Context, from string, to string, copy bool) error {
	err := s.wrapped.Move(ctx, from, to, copy)
	logger.Debugf(debugPrefix+"Move(%q, %q, %v): %v", from, to, copy, err)
	return err
}

func (s *debugLogging) Mount(ctx context.Context, at string, b backend.Backend, label string) (uuid.UUID, error) {
	guid, err := s.wrapped.Mount(ctx, at, b, label)
	logger.Debugf(debugPrefix+"Mount(%q, %q) = %v: %v", at, label, guid, err)
	return guid, err
}

func (s *debugLogging) Unmount(ctx context.Context, at string) error {
	err := s.wrapped.Unmount(ctx, at)
	logger.Debugf(debugPrefix+"Unmount(%q): %v", at, err)
	return err
}

func (s *debugLogging) Bind(ctx context.Context, source string, at string) error {
	err := s.wrapped.Bind(ctx, source, at)
	logger.Debugf(debugPrefix+"Bind(%q, %q): %v", source, at, err)
	return err
}

func (s *debugLogging) Unbind(ctx context.Context, at string) error {
	err := s.wrapped.Unbind(ctx, at)
	logger.Debugf(debugPrefix+"Unbind(%q): %v", at, err)
	return err
}

func (s *debugLogging) CloseHandle(ctx context.Context, id fuseops.HandleID) error {
	err := s.wrapped.CloseHandle(ctx, id)
	logger.Debugf(debugPrefix+"CloseHandle(%v): %v", id, err)
	return err
}

func (s *debugLogging) Read(ctx context.Context, id fuseops.HandleID, p []byte) (int, error) {
	n, err := s.wrapped.Read(ctx, id, p)
	logger.Debugf(debugPrefix+"Read(%v, %d) = %d: %v", id, len(p), n, err)
	return n, err
}

func (s *debugLogging) Write(ctx context.Context, id fuseops.HandleID, p []byte) (int, error) {
	n, err := s.wrapped.Write(ctx, id, p)
	logger.Debugf(debugPrefix+"Write(%v, %d) = %d: %v", id, len(p), n, err)
	return n, err
}

func (s *debugLogging) ReadAt(ctx context.Context, id fuseops.HandleID, p []byte, off uint64) (int, error) {
	n, err := s.wrapped.ReadAt(ctx, id, p, off)
	logger.Debugf(debugPrefix+"ReadAt(%v, %d, %v) = %d: %v", id, len(p), off, n, err)
	return n, err
}

func (s *debugLogging) WriteAt(ctx context.Context, id fuseops.HandleID, p []byte, off uint64) (int, error) {
	n, err := s.wrapped.WriteAt(ctx, id, p, off)
	logger.Debugf(debugPrefix+"WriteAt(%v, %d, %v) = %d: %v", id, len(p), off, n, err)
	return n, err
}

func (s *debugLogging) Seek(ctx context.Context, id fuseops.HandleID, pos uint64) (uint64, error) {
	newPos, err := s.wrapped.Seek(ctx, id, pos)
	logger.Debugf(debugPrefix+"Seek(%v, %v): %v", id, pos, err)
	return newPos, err
}

func (s *debugLogging) Flush(ctx context.Context, id fuseops.HandleID) error {
	err := s.wrapped.Flush(ctx, id)
	logger.Debugf(debugPrefix+"Flush(%v): %v", id, err)
	return err
}

func (s *debugLogging) GetPosition(ctx context.Context, id fuseops.HandleID) (uint64, error) {
	pos, err := s.wrapped.GetPosition(ctx, id)
	logger.Debugf(debugPrefix+"GetPosition(%v) = %v: %v", id, pos, err)
	return pos, err
}

func (s *debugLogging) GetAccess(ctx context.Context, id fuseops.HandleID) (vfs.Access, error) {
	a, err := s.wrapped.GetAccess(ctx, id)
	logger.Debugf(debugPrefix+"GetAccess(%v) = %#x: %v", id, a, err)
	return a, err
}

func (s *debugLogging) SetAccess(ctx context.Context, id fuseops.HandleID, a vfs.Access) error {
	err := s.wrapped.SetAccess(ctx, id, a)
	logger.Debugf(debugPrefix+"SetAccess(%v, %#x): %v", id, a, err)
	return err
}

func (s *debugLogging) GetSize(ctx context.Context, id fuseops.HandleID) (uint64, error) {
	size, err := s.wrapped.GetSize(ctx, id)
	logger.Debugf(debugPrefix+"GetSize(%v) = %v: %v", id, size, err)
	return size, err
}

func (s *debugLogging) SetSize(ctx context.Context, id fuseops.HandleID, size uint64) error {
	err := s.wrapped.SetSize(ctx, id, size)
	logger.Debugf(debugPrefix+"SetSize(%v, %v): %v", id, size, err)
	return err
}

func (s *debugLogging) StatHandle(ctx context.Context, id fuseops.HandleID) (vfs.Stat, error) {
	st, err := s.wrapped.StatHandle(ctx, id)
	logger.Debugf(debugPrefix+"StatHandle(%v): %v", id, err)
	return st, err
}

func (s *debugLogging) StatFSHandle(ctx context.Context, id fuseops.HandleID) (vfs.FSStat, error) {
	st, err := s.wrapped.StatFSHandle(ctx, id)
	logger.Debugf(debugPrefix+"StatFSHandle(%v): %v", id, err)
	return st, err
}

func (s *debugLogging) Duplicate(ctx context.Context, id fuseops.HandleID) (fuseops.HandleID, error) {
	dup, err := s.wrapped.Duplicate(ctx, id)
	logger.Debugf(debugPrefix+"Duplicate(%v) = %v: %v", id, dup, err)
	return dup, err
}

func (s *debugLogging) GetFullPath(ctx context.Context, id fuseops.HandleID) (string, error) {
	p, err := s.wrapped.GetFullPath(ctx, id)
	logger.Debugf(debugPrefix+"GetFullPath(%v) = %q: %v", id, p, err)
	return p, err
}

func (s *debugLogging) Destroy(ctx context.Context) error {
	err := s.wrapped.Destroy(ctx)
	logger.Debugf(debugPrefix+"Destroy(): %v", err)
	return err
}
