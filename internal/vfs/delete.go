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

	"github.com/vfsd/vfsd/internal/locker"
	"github.com/vfsd/vfsd/internal/logger"
)

// Unlink removes the entry at path. Symbolic links are removed themselves,
// not their targets. Directories must be empty.
func (v *VFS) Unlink(ctx context.Context, path string) (err error) {
	for {
		var retry bool
		if retry, err = v.tryUnlink(ctx, path); !retry {
			return
		}
	}
}

// tryUnlink makes one attempt. It asks to be retried when the target was
// being mutated and had to be waited for without holding its parent.
func (v *VFS) tryUnlink(ctx context.Context, path string) (retry bool, err error) {
	parent, ps, name, err := v.resolveParent(ctx, path)
	if err != nil {
		return
	}

	p, err := ps.Promote(ctx)
	if err != nil {
		return
	}

	if err = v.checkMutable(parent); err != nil {
		p.Unlock()
		return
	}

	if err = v.ensureLoadedLocked(ctx, parent); err != nil {
		p.Unlock()
		return
	}

	child := parent.children[name]
	if child == nil {
		p.Unlock()
		err = fmt.Errorf("%q: %w", path, ErrNotFound)
		return
	}

	cs, ok := child.lock.TryRLock()
	if !ok {
		p.Unlock()
		retry, err = true, waitOut(ctx, child)
		if err != nil {
			retry = false
		}
		return
	}

	// The emptiness check needs the backend entries of child. Listing takes
	// child exclusively, which must not happen under the parent's write lock.
	if needsLoad(child) {
		cs.Unlock()
		p.Unlock()
		retry, err = true, v.preload(ctx, child)
		if err != nil {
			retry = false
		}
		return
	}

	err = v.unlinkLocked(ctx, parent, child)
	cs.Unlock()
	p.Unlock()
	return
}

// waitOut blocks until the writer currently holding n has gone.
func waitOut(ctx context.Context, n *Node) error {
	logger.Tracef("vfs: waiting out writer on %q", n.name)

	s, err := n.lock.RLock(ctx)
	if err != nil {
		return err
	}

	s.Unlock()
	return nil
}

// needsLoad reports whether n is a plain directory whose entries have not
// been listed yet. Bind and mount points are refused before that matters.
//
// LOCKS_REQUIRED(n.lock)
func needsLoad(n *Node) bool {
	return n.typ == nodeRegular && n.flags.IsDirectory() && !n.loaded
}

// preload lists the directory n without holding its parent. A node removed
// meanwhile is not an error: the caller retries and finds the tree as it
// now is.
//
// LOCKS_EXCLUDED(n.lock)
func (v *VFS) preload(ctx context.Context, n *Node) error {
	s, err := n.lock.RLock(ctx)
	if err != nil {
		return err
	}

	if s, err = v.ensureLoaded(ctx, n, s); err != nil {
		if n.removed.Load() {
			return nil
		}
		return err
	}

	s.Unlock()
	return nil
}

// unlinkNode removes n from wherever it currently sits in the tree.
//
// LOCKS_EXCLUDED(n.parent.lock)
// LOCKS_EXCLUDED(n.lock)
func (v *VFS) unlinkNode(ctx context.Context, n *Node) (err error) {
	parent := n.parent
	for {
		var e *locker.Exclusive
		if e, err = parent.lock.Lock(ctx); err != nil {
			return
		}

		if parent.children[n.name] != n {
			e.Unlock()
			err = fmt.Errorf("%q: %w", n.name, ErrNotFound)
			return
		}

		cs, ok := n.lock.TryRLock()
		if !ok {
			e.Unlock()
			if err = waitOut(ctx, n); err != nil {
				return
			}
			continue
		}

		if needsLoad(n) {
			cs.Unlock()
			e.Unlock()
			if err = v.preload(ctx, n); err != nil {
				return
			}
			continue
		}

		err = v.unlinkLocked(ctx, parent, n)
		cs.Unlock()
		e.Unlock()
		return
	}
}

// unlinkLocked checks that child may go, removes it from the backend and
// then from the tree.
//
// LOCKS_REQUIRED(parent.lock) exclusively
// LOCKS_REQUIRED(child.lock) shared
func (v *VFS) unlinkLocked(ctx context.Context, parent *Node, child *Node) (err error) {
	if child.typ != nodeRegular {
		err = fmt.Errorf("%q is a %v: %w", child.fullPath(), child.typ, ErrBusy)
		return
	}

	if needsLoad(child) {
		err = fmt.Errorf("%q has not been listed: %w", child.fullPath(), ErrBusy)
		return
	}

	if len(child.children) > 0 {
		err = fmt.Errorf("%q has %d entries: %w", child.fullPath(), len(child.children), ErrNotEmpty)
		return
	}

	if err = child.markRemoved(); err != nil {
		return
	}

	if err = parent.fs.backend.Unlink(ctx, child.localPath()); err != nil {
		child.unmarkRemoved()
		err = fmt.Errorf("unlink %q: %w", child.localPath(), err)
		return
	}

	delete(parent.children, child.name)
	parent.touched(v.clock.Now())
	return
}
