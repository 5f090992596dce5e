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
	"fmt"

	"github.com/google/uuid"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/vfsd/vfsd/internal/backend"
	"github.com/vfsd/vfsd/internal/locker"
	"github.com/vfsd/vfsd/internal/logger"
)

// unlocker is satisfied by both *locker.Promoted and *locker.Exclusive.
type unlocker interface {
	Unlock()
}

// resolveOverlayTarget resolves path to a directory that may become a mount
// or bind point and takes it exclusively.
func (v *VFS) resolveOverlayTarget(ctx context.Context, path string) (n *Node, p *locker.Promoted, err error) {
	n, s, err := v.resolve(ctx, path, 0)
	if err != nil {
		return
	}

	switch {
	case n.parent == nil:
		s.Unlock()
		err = fmt.Errorf("%q is the root of %q: %w", path, n.fs.label, ErrBusy)
		return

	case !n.flags.IsDirectory():
		s.Unlock()
		err = fmt.Errorf("%q: %w", path, ErrNotDirectory)
		return
	}

	if p, err = s.Promote(ctx); err != nil {
		return
	}

	if err = v.checkMutable(n); err != nil {
		p.Unlock()
		p = nil
	}
	return
}

// Mount attaches a new file system served by b on the directory at, hiding
// whatever at contained until Unmount.
func (v *VFS) Mount(ctx context.Context, at string, b backend.Backend, label string) (guid uuid.UUID, err error) {
	n, p, err := v.resolveOverlayTarget(ctx, at)
	if err != nil {
		return
	}
	defer p.Unlock()

	pin, err := v.openHandle(ctx, n, pinAccess, 0, true)
	if err != nil {
		return
	}

	fs := v.newFileSystem(b, label, n)
	n.typ = nodeMountPoint
	n.mounted = fs
	n.pin = pin.id

	v.mu.Lock()
	v.filesystems[fs.guid] = fs
	v.mu.Unlock()

	logger.Infof("vfs: mounted %q at %q", fs.label, at)
	guid = fs.guid
	return
}

// Unmount detaches the file system mounted at at. It fails with ErrBusy while
// anything inside it is open or bound elsewhere.
func (v *VFS) Unmount(ctx context.Context, at string) (err error) {
	n, s, err := v.resolve(ctx, at, noRedirectLast)
	if err != nil {
		return
	}

	if n.typ != nodeMountPoint {
		s.Unlock()
		err = fmt.Errorf("%q: %w", at, ErrNotMounted)
		return
	}

	p, err := s.Promote(ctx)
	if err != nil {
		return
	}

	return v.unmountLocked(ctx, n, p)
}

// unmountLocked detaches the file system mounted on n and releases u, the
// exclusive hold on n.
//
// LOCKS_REQUIRED(n.lock) exclusively
func (v *VFS) unmountLocked(ctx context.Context, n *Node, u unlocker) (err error) {
	if n.typ != nodeMountPoint {
		u.Unlock()
		err = fmt.Errorf("%q: %w", n.fullPath(), ErrNotMounted)
		return
	}

	fs := n.mounted
	if err = v.detach(fs); err != nil {
		u.Unlock()
		return
	}

	pin := n.pin
	n.typ = nodeRegular
	n.mounted = nil
	n.pin = 0
	u.Unlock()

	if err = v.closeHandle(ctx, pin); err != nil {
		logger.Warnf("vfs: releasing mount point %q: %v", n.fullPath(), err)
		err = nil
	}

	logger.Infof("vfs: unmounted %q", fs.label)
	return
}

// detach marks fs as unmounted unless something still uses it. After that
// no handle can be opened inside it.
//
// LOCKS_EXCLUDED(v.mu)
func (v *VFS) detach(fs *FileSystem) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if n := fs.binds.Load(); n > 0 {
		return fmt.Errorf("%q is bound at %d places: %w", fs.label, n, ErrBusy)
	}

	for _, h := range v.handles {
		if h.node.fs == fs {
			return fmt.Errorf("%q is open inside %q: %w", h.node.localPath(), fs.label, ErrBusy)
		}
	}

	fs.detached.Store(true)
	delete(v.filesystems, fs.guid)
	return nil
}

// Bind makes the directory at redirect to the directory source until Unbind.
func (v *VFS) Bind(ctx context.Context, source string, at string) (err error) {
	src, ss, err := v.resolve(ctx, source, 0)
	if err != nil {
		return
	}

	isDir := src.flags.IsDirectory()
	ss.Unlock()
	if !isDir {
		err = fmt.Errorf("bind source %q: %w", source, ErrNotDirectory)
		return
	}

	n, p, err := v.resolveOverlayTarget(ctx, at)
	if err != nil {
		return
	}
	defer p.Unlock()

	if n == src {
		err = fmt.Errorf("bind %q onto itself: %w", at, ErrInvalid)
		return
	}

	pin, err := v.openHandle(ctx, n, pinAccess, 0, true)
	if err != nil {
		return
	}

	if err = v.registerBind(n, src); err != nil {
		if closeErr := v.closeHandle(ctx, pin.id); closeErr != nil {
			logger.Warnf("vfs: releasing bind point %q: %v", at, closeErr)
		}
		return
	}

	n.typ = nodeBind
	n.bindTarget = src
	n.pin = pin.id
	return
}

func (v *VFS) registerBind(at *Node, src *Node) (err error) {
	if err = src.addMount(at); err != nil {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if src.fs.detached.Load() {
		src.removeMount(at)
		err = fmt.Errorf("bind source in %q: %w", src.fs.label, ErrNotMounted)
		return
	}

	src.fs.binds.Add(1)
	v.binds[at] = src
	return
}

// Unbind removes the bind point at.
func (v *VFS) Unbind(ctx context.Context, at string) (err error) {
	n, s, err := v.resolve(ctx, at, noRedirectLast)
	if err != nil {
		return
	}

	if n.typ != nodeBind {
		s.Unlock()
		err = fmt.Errorf("%q: %w", at, ErrNotMounted)
		return
	}

	p, err := s.Promote(ctx)
	if err != nil {
		return
	}

	return v.unbindLocked(ctx, n, p)
}

// unbindLocked turns n back into a plain directory and releases u, the
// exclusive hold on n.
//
// LOCKS_REQUIRED(n.lock) exclusively
func (v *VFS) unbindLocked(ctx context.Context, n *Node, u unlocker) (err error) {
	if n.typ != nodeBind {
		u.Unlock()
		err = fmt.Errorf("%q: %w", n.fullPath(), ErrNotMounted)
		return
	}

	src := n.bindTarget
	pin := n.pin
	n.typ = nodeRegular
	n.bindTarget = nil
	n.pin = 0
	u.Unlock()

	src.removeMount(n)

	v.mu.Lock()
	delete(v.binds, n)
	src.fs.binds.Add(-1)
	v.mu.Unlock()

	if err = v.closeHandle(ctx, pin); err != nil {
		logger.Warnf("vfs: releasing bind point %q: %v", n.fullPath(), err)
		err = nil
	}
	return
}

// overlays lists the bind points and mounted file systems, for Destroy.
func (v *VFS) overlays() (binds []*Node, mounts []*FileSystem) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for at := range v.binds {
		binds = append(binds, at)
	}

	for _, fs := range v.filesystems {
		if fs != v.root {
			mounts = append(mounts, fs)
		}
	}
	return
}

// openHandleIDs lists the handles held by callers, skipping pins.
func (v *VFS) openHandleIDs() (ids []fuseops.HandleID) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for id, h := range v.handles {
		if !h.pin {
			ids = append(ids, id)
		}
	}
	return
}
