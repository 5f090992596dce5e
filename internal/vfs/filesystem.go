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
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/vfsd/vfsd/internal/backend"
	"golang.org/x/sync/semaphore"
)

// FileSystem is one mounted backend instance with its own node tree.
type FileSystem struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	vfs     *VFS
	backend backend.Backend

	/////////////////////////
	// Constant data
	/////////////////////////

	guid  uuid.UUID
	label string
	root  *Node

	// The node this file system is mounted on. Nil for the namespace root.
	mountNode *Node

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Scratch space for copying file contents into this file system. Owned by
	// whoever holds the single unit of transferSem.
	transferSem *semaphore.Weighted
	transferBuf []byte

	// Set by Unmount under VFS.mu once no handle is open inside. No handle
	// may be opened afterwards.
	detached atomic.Bool

	// Number of bind points redirecting to nodes of this file system.
	binds atomic.Int64
}

func (v *VFS) newFileSystem(b backend.Backend, label string, mountNode *Node) (fs *FileSystem) {
	fs = &FileSystem{
		vfs:         v,
		backend:     b,
		guid:        uuid.New(),
		label:       label,
		mountNode:   mountNode,
		transferSem: semaphore.NewWeighted(1),
	}

	if fs.label == "" {
		fs.label = fs.guid.String()
	}

	now := v.clock.Now()
	fs.root = v.newNode(fs, nil, backend.Stat{
		Name:        "/",
		Flags:       backend.FlagDirectory,
		Permissions: v.dirMode,
		Accessed:    now,
		Modified:    now,
		Created:     now,
	})
	return
}

func (fs *FileSystem) GUID() uuid.UUID { return fs.guid }
func (fs *FileSystem) Label() string   { return fs.label }

// acquireTransferBuffer waits for exclusive use of the scratch buffer,
// allocating it on first use. The caller must call the returned release func.
func (fs *FileSystem) acquireTransferBuffer(ctx context.Context) (buf []byte, release func(), err error) {
	if err = fs.transferSem.Acquire(ctx, 1); err != nil {
		return
	}

	if fs.transferBuf == nil {
		fs.transferBuf = make([]byte, fs.vfs.transferBufferSize)
	}

	buf = fs.transferBuf
	release = func() { fs.transferSem.Release(1) }
	return
}

// statFS asks the backend, filling in the label when it has none.
func (fs *FileSystem) statFS(ctx context.Context) (st backend.FSStat, err error) {
	st, err = fs.backend.StatFS(ctx)
	if err != nil {
		return
	}

	if st.Label == "" {
		st.Label = fs.label
	}
	return
}
