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
	"errors"
	"fmt"
	pathpkg "path"
	"strings"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/vfsd/vfsd/internal/backend"
	"github.com/vfsd/vfsd/internal/locker"
)

const maxNameLength = 255

// newEntry describes a child to be created.
type newEntry struct {
	name  string
	flags backend.Flags
	perms backend.Permissions

	// Set for symbolic and hard links, which are made with Backend.Link.
	link     bool
	symbolic bool
	target   string
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return fmt.Errorf("name %q: %w", name, ErrInvalid)
	}

	if len(name) > maxNameLength {
		return fmt.Errorf("name of %d bytes: %w", len(name), ErrInvalid)
	}

	return nil
}

// createChild creates e inside the directory parent. Existence is checked
// again once the parent is held exclusively, so of two racing creators
// exactly one succeeds and the other sees ErrExists.
//
// ps is a read claim on parent and is consumed. On success the new child is
// returned read-locked. On error nothing is held.
func (v *VFS) createChild(
	ctx context.Context,
	parent *Node,
	ps *locker.Shared,
	e newEntry) (child *Node, cs *locker.Shared, err error) {
	if err = checkName(e.name); err != nil {
		ps.Unlock()
		return
	}

	p, err := ps.Promote(ctx)
	if err != nil {
		return
	}
	defer p.Unlock()

	if err = v.checkMutable(parent); err != nil {
		return
	}

	if err = v.ensureLoadedLocked(ctx, parent); err != nil {
		return
	}

	if _, ok := parent.children[e.name]; ok {
		err = fmt.Errorf("%q in %q: %w", e.name, parent.fullPath(), ErrExists)
		return
	}

	st, err := v.createInBackend(ctx, parent, e)
	if err != nil {
		return
	}

	child = v.newNode(parent.fs, parent, st)
	parent.children[e.name] = child
	parent.touched(v.clock.Now())

	// Nobody else can see the child before p is released.
	cs, _ = child.lock.TryRLock()
	return
}

// checkMutable re-checks, under an exclusive lock, that the directory n can
// still receive new children.
//
// LOCKS_REQUIRED(n.lock) exclusively
func (v *VFS) checkMutable(n *Node) error {
	switch {
	case n.typ != nodeRegular:
		return fmt.Errorf("%q became a %v: %w", n.fullPath(), n.typ, ErrBusy)

	case n.removed.Load():
		return fmt.Errorf("%q was removed: %w", n.name, ErrNotFound)

	case n.fs.detached.Load():
		return fmt.Errorf("%q was unmounted: %w", n.fs.label, ErrNotMounted)
	}

	return nil
}

// createInBackend makes the entry and returns its metadata.
//
// LOCKS_REQUIRED(parent.lock) exclusively
func (v *VFS) createInBackend(ctx context.Context, parent *Node, e newEntry) (st backend.Stat, err error) {
	b := parent.fs.backend

	pd, err := b.Open(ctx, parent.localPath())
	if err != nil {
		err = fmt.Errorf("open %q: %w", parent.localPath(), err)
		return
	}
	defer v.closeBackend(ctx, parent, pd)

	var d backend.Data
	if e.link {
		if err = b.Link(ctx, pd, e.name, e.target, e.symbolic); err != nil {
			err = fmt.Errorf("link %q: %w", e.name, err)
			return
		}
		if d, err = b.Open(ctx, pathpkg.Join(parent.localPath(), e.name)); err != nil {
			return
		}
	} else {
		if d, err = b.Create(ctx, pd, e.name, 0, e.flags, e.perms); err != nil {
			err = fmt.Errorf("create %q: %w", e.name, err)
			return
		}
	}

	st, err = b.Stat(ctx, d)
	if closeErr := b.Close(ctx, d); err == nil {
		err = closeErr
	}

	st.Name = e.name
	return
}

// createAt creates e at path, whose parent must exist. The new node is
// returned read-locked.
func (v *VFS) createAt(
	ctx context.Context,
	path string,
	e newEntry) (n *Node, s *locker.Shared, err error) {
	parent, ps, name, err := v.resolveParent(ctx, path)
	if err != nil {
		return
	}

	e.name = name
	return v.createChild(ctx, parent, ps, e)
}

func (v *VFS) defaultPerms(flags backend.Flags, perms backend.Permissions) backend.Permissions {
	switch {
	case perms != 0:
		return perms
	case flags.IsDirectory():
		return v.dirMode
	}
	return v.fileMode
}

// Open resolves path, creating it if asked to, and opens a handle on it.
func (v *VFS) Open(
	ctx context.Context,
	path string,
	options OpenOptions,
	access Access,
	perms backend.Permissions) (id fuseops.HandleID, err error) {
	n, s, err := v.resolve(ctx, path, 0)

	created := false
	if errors.Is(err, ErrNotFound) && options&OptCreate != 0 && options&OptMustExist == 0 {
		flags := backend.FlagFile
		if options&OptDirectory != 0 {
			flags = backend.FlagDirectory
		}

		n, s, err = v.createAt(ctx, path, newEntry{flags: flags, perms: v.defaultPerms(flags, perms)})
		created = err == nil

		// Lost a race with another creator.
		if errors.Is(err, ErrExists) && options&OptFailOnExist == 0 {
			n, s, err = v.resolve(ctx, path, 0)
		}
	}

	if err != nil {
		return
	}
	defer s.Unlock()

	if !created && options&OptFailOnExist != 0 {
		err = fmt.Errorf("open %q: %w", path, ErrExists)
		return
	}

	if options&OptDirectory != 0 && !n.flags.IsDirectory() {
		err = fmt.Errorf("open %q: %w", path, ErrNotDirectory)
		return
	}

	h, err := v.openHandle(ctx, n, access, options, false)
	if err != nil {
		return
	}

	if err = v.applyOpenOptions(ctx, h); err != nil {
		if closeErr := v.closeHandle(ctx, h.id); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
		return
	}

	id = h.id
	return
}

func (v *VFS) applyOpenOptions(ctx context.Context, h *handle) (err error) {
	if h.node.flags.IsDirectory() || h.options&(OptTruncate|OptAppend) == 0 {
		return
	}

	access := h.getAccess()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.options&OptTruncate != 0 {
		if access&AccessWrite == 0 {
			err = fmt.Errorf("truncate without write access: %w", ErrPermission)
			return
		}
		if err = h.truncateLocked(ctx, 0); err != nil {
			return
		}
	}

	if h.options&OptAppend != 0 {
		var st backend.Stat
		if st, err = h.node.fs.backend.Stat(ctx, h.data); err != nil {
			return
		}
		err = h.seekLocked(ctx, st.Size)
	}

	return
}

// Mkdir creates a directory. perms of zero selects the configured default.
func (v *VFS) Mkdir(ctx context.Context, path string, perms backend.Permissions) (err error) {
	_, s, err := v.createAt(ctx, path, newEntry{
		flags: backend.FlagDirectory,
		perms: v.defaultPerms(backend.FlagDirectory, perms),
	})
	if err != nil {
		return
	}

	s.Unlock()
	return
}

// Link creates an entry at path referring to target. Symbolic link targets
// are stored verbatim. Hard link targets are resolved and must live in the
// same file system.
func (v *VFS) Link(ctx context.Context, path string, target string, symbolic bool) (err error) {
	e := newEntry{
		flags:    backend.FlagLink,
		perms:    backend.PermRead | backend.PermWrite | backend.PermExecute,
		link:     true,
		symbolic: true,
		target:   target,
	}

	var targetFS *FileSystem
	if !symbolic {
		var t *Node
		var ts *locker.Shared
		if t, ts, err = v.resolve(ctx, target, noFollowLast|noRedirectLast); err != nil {
			return
		}

		if t.flags.IsDirectory() {
			ts.Unlock()
			err = fmt.Errorf("hard link to directory %q: %w", target, ErrPermission)
			return
		}

		st := t.Stat()
		e = newEntry{
			flags:  t.flags,
			perms:  st.Permissions,
			link:   true,
			target: t.localPath(),
		}
		targetFS = t.fs
		ts.Unlock()
	}

	parent, ps, name, err := v.resolveParent(ctx, path)
	if err != nil {
		return
	}

	if targetFS != nil && targetFS != parent.fs {
		ps.Unlock()
		err = fmt.Errorf("hard link from %q to %q: %w", parent.fs.label, targetFS.label, ErrNotSupported)
		return
	}

	e.name = name
	_, s, err := v.createChild(ctx, parent, ps, e)
	if err != nil {
		return
	}

	s.Unlock()
	return
}
