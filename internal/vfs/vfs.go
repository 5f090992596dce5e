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

// Package vfs implements an in-process namespace assembled from backends.
//
// Every entry is a Node carrying an upgradable lock. Paths are resolved hand
// over hand from the namespace root, following symbolic links, bind points
// and mount points transparently. Directories are listed from their backend
// the first time they are walked through.
package vfs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"github.com/vfsd/vfsd/internal/backend"
	"github.com/vfsd/vfsd/internal/logger"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultSymlinkMaxDepth    = 40
	DefaultTransferBufferSize = 1 << 20

	DefaultDirMode  backend.Permissions = 0755
	DefaultFileMode backend.Permissions = 0644
)

type Config struct {
	// Source of node timestamps. Defaults to the real clock.
	Clock timeutil.Clock

	// Number of symbolic links one resolution may follow before failing
	// with ErrLoop.
	SymlinkMaxDepth int

	// Size of the per file system buffer used to copy between file systems.
	TransferBufferSize int

	// Permissions used when a directory or file is created without any.
	DirMode  backend.Permissions
	FileMode backend.Permissions
}

// Stat is the metadata of one node.
type Stat struct {
	ID         fuseops.InodeID
	FileSystem uuid.UUID
	backend.Stat
}

// FSStat is the metadata of the file system a node belongs to.
type FSStat struct {
	FileSystem uuid.UUID
	backend.FSStat
}

// VFS is the namespace. All of its methods are safe for concurrent use.
//
// LOCK ORDERING
//
// Let N be any node lock, H any Node.handlesMu, M any Node.mountsMu and V
// the VFS.mu. Then the lock ordering is:
//
//   - N (parents before children, following the walk) < H < M < V
//   - handle.mu sits between N and H.
//
// A goroutine waiting to take a node lock exclusively holds no other node
// lock. Going up through ".." and redirecting to a bind target are the only
// places a node lock is taken while holding one further down.
type VFS struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	clock              timeutil.Clock
	symlinkMaxDepth    int
	transferBufferSize int
	dirMode            backend.Permissions
	fileMode           backend.Permissions

	// The file system holding the namespace root.
	root *FileSystem

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu syncutil.InvariantMutex

	// GUARDED_BY(mu)
	nextNodeID fuseops.InodeID

	// The handle table, including mount and bind pins.
	//
	// INVARIANT: For all k, handles[k].id == k
	// INVARIANT: For all k, 0 < k <= nextHandleID
	//
	// GUARDED_BY(mu)
	handles      map[fuseops.HandleID]*handle
	nextHandleID fuseops.HandleID

	// Every attached file system, including root.
	//
	// INVARIANT: For all k, filesystems[k].guid == k
	//
	// GUARDED_BY(mu)
	filesystems map[uuid.UUID]*FileSystem

	// Bind points and the nodes they redirect to.
	//
	// GUARDED_BY(mu)
	binds map[*Node]*Node
}

var _ Service = &VFS{}

// New creates a namespace whose root is served by b.
func New(b backend.Backend, label string, cfg Config) (v *VFS) {
	v = &VFS{
		clock:              cfg.Clock,
		symlinkMaxDepth:    cfg.SymlinkMaxDepth,
		transferBufferSize: cfg.TransferBufferSize,
		dirMode:            cfg.DirMode,
		fileMode:           cfg.FileMode,
		nextNodeID:         fuseops.RootInodeID,
		handles:            make(map[fuseops.HandleID]*handle),
		filesystems:        make(map[uuid.UUID]*FileSystem),
		binds:              make(map[*Node]*Node),
	}

	if v.clock == nil {
		v.clock = timeutil.RealClock()
	}
	if v.symlinkMaxDepth <= 0 {
		v.symlinkMaxDepth = DefaultSymlinkMaxDepth
	}
	if v.transferBufferSize <= 0 {
		v.transferBufferSize = DefaultTransferBufferSize
	}
	if v.dirMode == 0 {
		v.dirMode = DefaultDirMode
	}
	if v.fileMode == 0 {
		v.fileMode = DefaultFileMode
	}

	v.mu = syncutil.NewInvariantMutex(v.checkInvariants)

	v.root = v.newFileSystem(b, label, nil)
	v.mu.Lock()
	v.filesystems[v.root.guid] = v.root
	v.mu.Unlock()

	return
}

// LOCKS_REQUIRED(v.mu)
func (v *VFS) checkInvariants() {
	// INVARIANT: For all k, handles[k].id == k
	// INVARIANT: For all k, 0 < k <= nextHandleID
	for id, h := range v.handles {
		if h.id != id {
			panic(fmt.Sprintf("Handle %d filed under %d", h.id, id))
		}
		if id == 0 || id > v.nextHandleID {
			panic(fmt.Sprintf("Illegal handle ID: %d", id))
		}
	}

	// INVARIANT: For all k, filesystems[k].guid == k
	for guid, fs := range v.filesystems {
		if fs.guid != guid {
			panic(fmt.Sprintf("File system %v filed under %v", fs.guid, guid))
		}
	}
}

// LOCKS_EXCLUDED(v.mu)
func (v *VFS) allocateNodeID() (id fuseops.InodeID) {
	v.mu.Lock()
	defer v.mu.Unlock()

	id = v.nextNodeID
	v.nextNodeID++
	return
}

func (n *Node) vfsStat() Stat {
	return Stat{ID: n.id, FileSystem: n.fs.guid, Stat: n.Stat()}
}

// Root returns the id of the file system holding the namespace root.
func (v *VFS) Root() uuid.UUID {
	return v.root.guid
}

////////////////////////////////////////////////////////////////////////
// Path operations
////////////////////////////////////////////////////////////////////////

// Stat returns the metadata of the entry at path. With followLinks unset a
// symbolic link in the last position is described itself.
func (v *VFS) Stat(ctx context.Context, path string, followLinks bool) (st Stat, err error) {
	var flags walkFlags
	if !followLinks {
		flags = noFollowLast
	}

	n, s, err := v.resolve(ctx, path, flags)
	if err != nil {
		return
	}
	defer s.Unlock()

	st = n.vfsStat()
	return
}

// StatFS describes the file system the entry at path lives in.
func (v *VFS) StatFS(ctx context.Context, path string) (st FSStat, err error) {
	n, s, err := v.resolve(ctx, path, 0)
	if err != nil {
		return
	}
	defer s.Unlock()

	bst, err := n.fs.statFS(ctx)
	if err != nil {
		return
	}

	st = FSStat{FileSystem: n.fs.guid, FSStat: bst}
	return
}

// ReadDir lists the directory at path, sorted by name.
func (v *VFS) ReadDir(ctx context.Context, path string) (entries []Stat, err error) {
	n, s, err := v.resolve(ctx, path, 0)
	if err != nil {
		return
	}

	if !n.flags.IsDirectory() {
		s.Unlock()
		err = fmt.Errorf("%q: %w", path, ErrNotDirectory)
		return
	}

	if s, err = v.ensureLoaded(ctx, n, s); err != nil {
		return
	}
	defer s.Unlock()

	entries = make([]Stat, 0, len(n.children))
	for _, child := range n.children {
		entries = append(entries, child.vfsStat())
	}

	slices.SortFunc(entries, func(a, b Stat) int { return strings.Compare(a.Name, b.Name) })
	return
}

// ReadLink returns the target of the symbolic link at path.
func (v *VFS) ReadLink(ctx context.Context, path string) (target string, err error) {
	n, s, err := v.resolve(ctx, path, noFollowLast)
	if err != nil {
		return
	}
	defer s.Unlock()

	if !n.flags.IsLink() {
		err = fmt.Errorf("%q: %w", path, ErrInvalidLink)
		return
	}

	target, err = n.fs.backend.ReadLink(ctx, n.localPath())
	if err != nil {
		err = fmt.Errorf("readlink %q: %w", n.localPath(), err)
	}
	return
}

// Destroy closes every handle, removes every bind point and unmounts every
// file system, innermost first. The namespace is unusable afterwards.
func (v *VFS) Destroy(ctx context.Context) (err error) {
	var errs []error

	for _, id := range v.openHandleIDs() {
		if closeErr := v.closeHandle(ctx, id); closeErr != nil {
			errs = append(errs, closeErr)
		}
	}

	binds, _ := v.overlays()
	for _, at := range binds {
		e, lockErr := at.lock.Lock(ctx)
		if lockErr != nil {
			errs = append(errs, lockErr)
			continue
		}
		if unbindErr := v.unbindLocked(ctx, at, e); unbindErr != nil {
			errs = append(errs, unbindErr)
		}
	}

	for {
		_, mounts := v.overlays()
		if len(mounts) == 0 {
			break
		}

		leaves := leafMounts(mounts)
		group, gctx := errgroup.WithContext(ctx)
		for _, fs := range leaves {
			group.Go(func() error {
				e, err := fs.mountNode.lock.Lock(gctx)
				if err != nil {
					return err
				}
				return v.unmountLocked(gctx, fs.mountNode, e)
			})
		}

		if groupErr := group.Wait(); groupErr != nil {
			errs = append(errs, groupErr)
			break
		}
	}

	v.mu.Lock()
	v.root.detached.Store(true)
	delete(v.filesystems, v.root.guid)
	v.mu.Unlock()

	err = errors.Join(errs...)
	if err != nil {
		logger.Warnf("vfs: destroy: %v", err)
	}
	return
}

// leafMounts picks the file systems no other file system is mounted inside.
func leafMounts(mounts []*FileSystem) (leaves []*FileSystem) {
	inner := make(map[*FileSystem]bool)
	for _, fs := range mounts {
		inner[fs.mountNode.fs] = true
	}

	for _, fs := range mounts {
		if !inner[fs] {
			leaves = append(leaves, fs)
		}
	}
	return
}
