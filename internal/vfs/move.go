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
	"io"
	pathpkg "path"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/vfsd/vfsd/internal/backend"
	"github.com/vfsd/vfsd/internal/locker"
	"github.com/vfsd/vfsd/internal/logger"
)

// Move renames the entry at from to to, or duplicates it when copy is set.
// Symbolic links and mount or bind points in the last position of from are
// moved themselves. Across file systems only files and symbolic links can be
// moved; their contents are streamed through the destination's transfer
// buffer.
func (v *VFS) Move(ctx context.Context, from string, to string, copy bool) (err error) {
	src, ss, err := v.resolve(ctx, from, noFollowLast|noRedirectLast)
	if err != nil {
		return
	}

	if src.parent == nil || src.typ != nodeRegular {
		ss.Unlock()
		err = fmt.Errorf("move %q: %w", from, ErrBusy)
		return
	}

	// Keeps src from being deleted or bound to while it is not locked.
	h, err := v.openHandle(ctx, src, AccessRead|AccessReadShare|AccessWriteShare, 0, false)
	ss.Unlock()
	if err != nil {
		return
	}

	defer func() {
		if h == nil {
			return
		}
		if closeErr := v.closeHandle(context.WithoutCancel(ctx), h.id); closeErr != nil {
			logger.Warnf("vfs: closing move source %q: %v", from, closeErr)
		}
	}()

	dparent, dps, name, err := v.resolveParent(ctx, to)
	if err != nil {
		return
	}

	if within(dparent, src) {
		dps.Unlock()
		err = fmt.Errorf("move %q into itself at %q: %w", from, to, ErrInvalid)
		return
	}

	if dparent.fs == src.fs {
		err = v.moveLocal(ctx, src, h.id, dparent, dps, name, copy)
		return
	}

	dst, err := v.moveCross(ctx, h, dparent, dps, name)
	if err != nil || copy {
		return
	}

	// The source has to go now, which our own handle would prevent.
	id := h.id
	h = nil
	if err = v.closeHandle(ctx, id); err != nil {
		logger.Warnf("vfs: closing move source %q: %v", from, err)
	}

	if err = v.unlinkNode(ctx, src); err != nil {
		if rbErr := v.unlinkNode(context.WithoutCancel(ctx), dst); rbErr != nil {
			logger.Warnf("vfs: rolling back copy of %q at %q: %v", from, to, rbErr)
		}
		err = fmt.Errorf("remove move source %q: %w", from, err)
	}
	return
}

// within reports whether n is ancestor or lies below it, following mount
// points upwards.
func within(n *Node, ancestor *Node) bool {
	for m := n; m != nil; {
		if m == ancestor {
			return true
		}

		if m.parent != nil {
			m = m.parent
		} else {
			m = m.fs.mountNode
		}
	}

	return false
}

// checkMovable fails when anything other than the handle except is open at
// or below src, or when a bind point redirects there.
//
// LOCKS_EXCLUDED(v.mu)
func (v *VFS) checkMovable(src *Node, except fuseops.HandleID) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for id, h := range v.handles {
		if id != except && h.node.fs == src.fs && h.node.isBelow(src) {
			return fmt.Errorf("%q is open below %q: %w", h.node.fullPath(), src.fullPath(), ErrBusy)
		}
	}

	for at, target := range v.binds {
		if target.fs == src.fs && target.isBelow(src) {
			return fmt.Errorf("%q is bound at %q: %w", target.fullPath(), at.fullPath(), ErrBusy)
		}
	}

	return nil
}

// moveLocal lets the backend do the work.
//
// dps is a read claim on dparent and is consumed.
func (v *VFS) moveLocal(
	ctx context.Context,
	src *Node,
	self fuseops.HandleID,
	dparent *Node,
	dps *locker.Shared,
	name string,
	copy bool) (err error) {
	if err = checkName(name); err != nil {
		dps.Unlock()
		return
	}

	p, err := dps.Promote(ctx)
	if err != nil {
		return
	}

	if err = v.prepareDestination(ctx, dparent, name); err != nil {
		p.Unlock()
		return
	}

	if !copy {
		if err = v.checkMovable(src, self); err != nil {
			p.Unlock()
			return
		}
	}

	to := pathpkg.Join(dparent.localPath(), name)
	if err = src.fs.backend.Move(ctx, src.localPath(), to, copy); err != nil {
		p.Unlock()
		err = fmt.Errorf("move %q to %q: %w", src.localPath(), to, err)
		return
	}

	st := src.Stat()
	st.Name = name
	dparent.children[name] = v.newNode(dparent.fs, dparent, st)
	dparent.touched(v.clock.Now())

	sameParent := src.parent == dparent
	if !copy && sameParent {
		delete(dparent.children, src.name)
		src.forceRemoved()
	}
	p.Unlock()

	if !copy && !sameParent {
		v.forget(context.WithoutCancel(ctx), src)
	}
	return
}

// prepareDestination checks, under an exclusive lock, that name can be added
// to dparent.
//
// LOCKS_REQUIRED(dparent.lock) exclusively
func (v *VFS) prepareDestination(ctx context.Context, dparent *Node, name string) (err error) {
	if err = v.checkMutable(dparent); err != nil {
		return
	}

	if err = v.ensureLoadedLocked(ctx, dparent); err != nil {
		return
	}

	if _, ok := dparent.children[name]; ok {
		err = fmt.Errorf("%q in %q: %w", name, dparent.fullPath(), ErrExists)
	}
	return
}

// forget drops n, which the backend no longer has, from the tree.
func (v *VFS) forget(ctx context.Context, n *Node) {
	parent := n.parent
	e, err := parent.lock.Lock(ctx)
	if err != nil {
		logger.Warnf("vfs: dropping moved %q: %v", n.name, err)
		return
	}
	defer e.Unlock()

	if parent.children[n.name] == n {
		delete(parent.children, n.name)
		parent.touched(v.clock.Now())
	}
	n.forceRemoved()
}

// moveCross recreates the entry open through h inside dparent, which belongs
// to another file system. The destination enters the tree only once it is
// complete.
//
// dps is a read claim on dparent and is consumed.
func (v *VFS) moveCross(
	ctx context.Context,
	h *handle,
	dparent *Node,
	dps *locker.Shared,
	name string) (dst *Node, err error) {
	src := h.node

	switch {
	case src.flags.IsDirectory():
		dps.Unlock()
		err = fmt.Errorf("move directory %q to %q: %w", src.fullPath(), dparent.fs.label, ErrNotSupported)
		return

	case src.flags.IsLink():
		var target string
		if target, err = src.fs.backend.ReadLink(ctx, src.localPath()); err != nil {
			dps.Unlock()
			err = fmt.Errorf("readlink %q: %w", src.localPath(), err)
			return
		}

		var ds *locker.Shared
		dst, ds, err = v.createChild(ctx, dparent, dps, newEntry{
			name:     name,
			flags:    backend.FlagLink,
			perms:    src.Stat().Permissions,
			link:     true,
			symbolic: true,
			target:   target,
		})
		if err != nil {
			return
		}
		ds.Unlock()
		return
	}

	return v.copyInto(ctx, h, dparent, dps, name)
}

// copyInto creates name in dparent with the contents read through h.
//
// dps is a read claim on dparent and is consumed.
func (v *VFS) copyInto(
	ctx context.Context,
	h *handle,
	dparent *Node,
	dps *locker.Shared,
	name string) (dst *Node, err error) {
	if err = checkName(name); err != nil {
		dps.Unlock()
		return
	}

	p, err := dps.Promote(ctx)
	if err != nil {
		return
	}
	defer p.Unlock()

	if err = v.prepareDestination(ctx, dparent, name); err != nil {
		return
	}

	b := dparent.fs.backend
	to := pathpkg.Join(dparent.localPath(), name)
	srcStat := h.node.Stat()

	pd, err := b.Open(ctx, dparent.localPath())
	if err != nil {
		return
	}
	d, err := b.Create(ctx, pd, name, srcStat.Owner, backend.FlagFile, srcStat.Permissions)
	v.closeBackend(ctx, dparent, pd)
	if err != nil {
		err = fmt.Errorf("create %q: %w", to, err)
		return
	}

	st, err := v.transfer(ctx, h, dparent.fs, d)
	if closeErr := b.Close(ctx, d); err == nil {
		err = closeErr
	}

	if err != nil {
		if rmErr := b.Unlink(context.WithoutCancel(ctx), to); rmErr != nil {
			logger.Warnf("vfs: removing partial copy %q: %v", to, rmErr)
		}
		err = fmt.Errorf("copy %q to %q: %w", h.node.fullPath(), to, err)
		return
	}

	st.Name = name
	dst = v.newNode(dparent.fs, dparent, st)
	dparent.children[name] = dst
	dparent.touched(v.clock.Now())
	return
}

// transfer streams everything readable through h into d, then stats d.
func (v *VFS) transfer(
	ctx context.Context,
	h *handle,
	dstFS *FileSystem,
	d backend.Data) (st backend.Stat, err error) {
	buf, release, err := dstFS.acquireTransferBuffer(ctx)
	if err != nil {
		return
	}
	defer release()

	h.mu.Lock()
	defer h.mu.Unlock()

	if err = h.checkOpen(); err != nil {
		return
	}

	if err = h.seekLocked(ctx, 0); err != nil {
		return
	}

	for {
		var n int
		if n, err = h.readLocked(ctx, buf); err != nil {
			return
		}

		if n == 0 {
			break
		}

		for off := 0; off < n; {
			var w int
			if w, err = dstFS.backend.Write(ctx, d, buf[off:n]); err != nil {
				return
			}
			if w == 0 {
				err = io.ErrShortWrite
				return
			}
			off += w
		}
	}

	st, err = dstFS.backend.Stat(ctx, d)
	return
}
