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

	"github.com/google/uuid"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/vfsd/vfsd/internal/backend"
)

// Service is the surface offered to request dispatchers. *VFS implements it;
// the wrappers package decorates it.
type Service interface {
	// Path operations.
	Open(ctx context.Context, path string, options OpenOptions, access Access, perms backend.Permissions) (fuseops.HandleID, error)
	Stat(ctx context.Context, path string, followLinks bool) (Stat, error)
	StatFS(ctx context.Context, path string) (FSStat, error)
	ReadDir(ctx context.Context, path string) ([]Stat, error)
	ReadLink(ctx context.Context, path string) (string, error)
	Link(ctx context.Context, path string, target string, symbolic bool) error
	Mkdir(ctx context.Context, path string, perms backend.Permissions) error
	Unlink(ctx context.Context, path string) error
	Move(ctx context.Context, from string, to string, copy bool) error

	// Mount table.
	Mount(ctx context.Context, at string, b backend.Backend, label string) (uuid.UUID, error)
	Unmount(ctx context.Context, at string) error
	Bind(ctx context.Context, source string, at string) error
	Unbind(ctx context.Context, at string) error

	// Handle operations.
	CloseHandle(ctx context.Context, id fuseops.HandleID) error
	Read(ctx context.Context, id fuseops.HandleID, p []byte) (int, error)
	Write(ctx context.Context, id fuseops.HandleID, p []byte) (int, error)
	ReadAt(ctx context.Context, id fuseops.HandleID, p []byte, off uint64) (int, error)
	WriteAt(ctx context.Context, id fuseops.HandleID, p []byte, off uint64) (int, error)
	Seek(ctx context.Context, id fuseops.HandleID, pos uint64) (uint64, error)
	Flush(ctx context.Context, id fuseops.HandleID) error
	GetPosition(ctx context.Context, id fuseops.HandleID) (uint64, error)
	GetAccess(ctx context.Context, id fuseops.HandleID) (Access, error)
	SetAccess(ctx context.Context, id fuseops.HandleID, a Access) error
	GetSize(ctx context.Context, id fuseops.HandleID) (uint64, error)
	SetSize(ctx context.Context, id fuseops.HandleID, size uint64) error
	StatHandle(ctx context.Context, id fuseops.HandleID) (Stat, error)
	StatFSHandle(ctx context.Context, id fuseops.HandleID) (FSStat, error)
	Duplicate(ctx context.Context, id fuseops.HandleID) (fuseops.HandleID, error)
	GetFullPath(ctx context.Context, id fuseops.HandleID) (string, error)

	// Destroy tears the namespace down.
	Destroy(ctx context.Context) error
}
