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
	pathpkg "path"
	"strings"

	"github.com/vfsd/vfsd/internal/locker"
)

type walkFlags uint

const (
	// Return a symbolic link in the last position instead of its target.
	noFollowLast walkFlags = 1 << iota

	// Return a bind or mount point in the last position instead of the node
	// it redirects to.
	noRedirectLast
)

// splitPath returns the components of p, dropping empty and "." ones.
func splitPath(p string) (tokens []string) {
	for _, t := range strings.Split(p, "/") {
		if t == "" || t == "." {
			continue
		}
		tokens = append(tokens, t)
	}
	return
}

// walker carries the state of one resolution, shared by the nested walks
// that follow symbolic links.
type walker struct {
	v     *VFS
	ctx   context.Context
	links int
}

// walk resolves path relative to start, moving hand over hand: the lock on
// the next node is taken before the lock on the current one is released.
//
// s is a read claim on start and is consumed. On success the returned guard
// is a read claim on the returned node. On error nothing is held.
func (w *walker) walk(
	start *Node,
	s *locker.Shared,
	path string,
	flags walkFlags) (cur *Node, cs *locker.Shared, err error) {
	cur, cs = start, s
	tokens := splitPath(path)

	for i, name := range tokens {
		last := i == len(tokens)-1

		if name == ".." {
			up := cur.parent
			if up == nil && cur.fs.mountNode != nil {
				up = cur.fs.mountNode.parent
			}

			// ".." of the namespace root is the root itself.
			if up == nil {
				continue
			}

			var us *locker.Shared
			if us, err = up.lock.RLock(w.ctx); err != nil {
				cs.Unlock()
				return nil, nil, err
			}
			cs.Unlock()
			cur, cs = up, us
			continue
		}

		var child *Node
		if cs, child, err = w.v.find(w.ctx, cur, cs, name); err != nil {
			return nil, nil, err
		}

		if child == nil {
			cs.Unlock()
			err = fmt.Errorf("%q in %q: %w", name, cur.fullPath(), ErrNotFound)
			return nil, nil, err
		}

		var chs *locker.Shared
		if chs, err = child.lock.RLock(w.ctx); err != nil {
			cs.Unlock()
			return nil, nil, err
		}

		if cur, cs, err = w.redirect(cur, cs, child, chs, last, flags); err != nil {
			return nil, nil, err
		}
	}

	return
}

// redirect replaces n by whatever it stands for: the target of a symbolic
// link, the source of a bind, or the root of a mounted file system.
//
// ps and ns are read claims on parent and n; both are consumed. On success
// the returned guard is a read claim on the returned node. On error nothing
// is held.
func (w *walker) redirect(
	parent *Node,
	ps *locker.Shared,
	n *Node,
	ns *locker.Shared,
	last bool,
	flags walkFlags) (*Node, *locker.Shared, error) {
	for {
		if n.flags.IsLink() && !(last && flags&noFollowLast != 0) {
			return w.followLink(parent, ps, n, ns, last, flags)
		}

		var target *Node
		switch {
		case last && flags&noRedirectLast != 0:
		case n.typ == nodeBind:
			target = n.bindTarget
		case n.typ == nodeMountPoint:
			target = n.mounted.root
		}

		if target == nil {
			ps.Unlock()
			return n, ns, nil
		}

		// A bind may point back at the directory holding it.
		var ts *locker.Shared
		if target == parent {
			ts = ps.Clone()
		} else {
			var err error
			if ts, err = target.lock.RLock(w.ctx); err != nil {
				ns.Unlock()
				ps.Unlock()
				return nil, nil, err
			}
		}

		ns.Unlock()
		n, ns = target, ts
	}
}

// followLink continues the walk at the target of the symbolic link n. The
// nested walk takes over the claim on parent, against which relative targets
// are resolved.
func (w *walker) followLink(
	parent *Node,
	ps *locker.Shared,
	n *Node,
	ns *locker.Shared,
	last bool,
	flags walkFlags) (*Node, *locker.Shared, error) {
	w.links++
	if w.links > w.v.symlinkMaxDepth {
		ns.Unlock()
		ps.Unlock()
		return nil, nil, fmt.Errorf("%q after %d links: %w", n.fullPath(), w.links-1, ErrLoop)
	}

	target := n.Stat().LinkTarget
	ns.Unlock()

	// Flags concern the last component of the outer path only.
	var nested walkFlags
	if last {
		nested = flags
	}

	if !pathpkg.IsAbs(target) {
		return w.walk(parent, ps, target, nested)
	}

	root := w.v.root.root
	var rs *locker.Shared
	if root == parent {
		rs = ps
	} else {
		var err error
		if rs, err = root.lock.RLock(w.ctx); err != nil {
			ps.Unlock()
			return nil, nil, err
		}
		ps.Unlock()
	}

	return w.walk(root, rs, target, nested)
}

// resolve walks path from the namespace root. Relative paths are taken
// relative to the root too.
func (v *VFS) resolve(
	ctx context.Context,
	path string,
	flags walkFlags) (n *Node, s *locker.Shared, err error) {
	root := v.root.root
	rs, err := root.lock.RLock(ctx)
	if err != nil {
		return
	}

	w := &walker{v: v, ctx: ctx}
	return w.walk(root, rs, path, flags)
}

// resolveParent resolves everything but the last component of path, which
// is returned as name. The parent is returned read-locked and is always a
// directory.
func (v *VFS) resolveParent(
	ctx context.Context,
	path string) (parent *Node, ps *locker.Shared, name string, err error) {
	trimmed := strings.TrimRight(path, "/")
	dir := ""
	name = trimmed
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		dir, name = trimmed[:i], trimmed[i+1:]
	}

	if name == "" || name == "." || name == ".." {
		err = fmt.Errorf("%q has no last component: %w", path, ErrInvalid)
		return
	}

	if parent, ps, err = v.resolve(ctx, dir, 0); err != nil {
		return
	}

	if !parent.flags.IsDirectory() {
		ps.Unlock()
		parent, ps = nil, nil
		err = fmt.Errorf("%q: %w", dir, ErrNotDirectory)
		return
	}

	return
}
