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
	"fmt"
	pathpkg "path"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/vfsd/vfsd/internal/backend"
	"github.com/vfsd/vfsd/internal/locker"
)

type nodeType int

const (
	nodeRegular nodeType = iota
	nodeMountPoint
	nodeBind
)

func (t nodeType) String() string {
	switch t {
	case nodeRegular:
		return "regular"
	case nodeMountPoint:
		return "mount point"
	case nodeBind:
		return "bind"
	}
	return fmt.Sprintf("nodeType(%d)", int(t))
}

// Node is one entry of the namespace. A node is reachable only through the
// children table of its parent, or as the root of a FileSystem.
type Node struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	id    fuseops.InodeID
	name  string
	flags backend.Flags
	fs    *FileSystem

	// Nil for the root of a file system.
	parent *Node

	lock *locker.Upgradable

	/////////////////////////
	// Mutable state
	/////////////////////////

	statMu sync.Mutex

	// Last known metadata. Name and Flags never change.
	//
	// GUARDED_BY(statMu)
	stat backend.Stat

	// INVARIANT: (bindTarget != nil) == (typ == nodeBind)
	// INVARIANT: (mounted != nil) == (typ == nodeMountPoint)
	// INVARIANT: (pin != 0) == (typ != nodeRegular)
	//
	// GUARDED_BY(lock)
	typ        nodeType
	bindTarget *Node
	mounted    *FileSystem
	pin        fuseops.HandleID

	// INVARIANT: If !loaded, len(children) == 0
	// INVARIANT: For all k, children[k].name == k and children[k].parent == n
	//
	// GUARDED_BY(lock)
	loaded   bool
	children map[string]*Node

	handlesMu sync.Mutex

	// GUARDED_BY(handlesMu)
	handles map[fuseops.HandleID]*handle

	mountsMu sync.Mutex

	// Bind points elsewhere that redirect to this node.
	//
	// GUARDED_BY(mountsMu)
	mounts map[*Node]struct{}

	// Set once the node has been unlinked, while holding both handlesMu and
	// mountsMu. No handle or bind may be registered afterwards.
	removed atomic.Bool
}

// newNode creates an unlinked node for st. The caller inserts it into the
// children of parent.
func (v *VFS) newNode(fs *FileSystem, parent *Node, st backend.Stat) (n *Node) {
	n = &Node{
		id:       v.allocateNodeID(),
		name:     st.Name,
		flags:    st.Flags,
		fs:       fs,
		parent:   parent,
		stat:     st,
		children: make(map[string]*Node),
		handles:  make(map[fuseops.HandleID]*handle),
		mounts:   make(map[*Node]struct{}),
	}
	n.lock = locker.NewUpgradable(n.name, n.checkInvariants)
	return
}

// LOCKS_REQUIRED(n.lock)
func (n *Node) checkInvariants() {
	// INVARIANT: If !loaded, len(children) == 0
	if !n.loaded && len(n.children) != 0 {
		panic(fmt.Sprintf("%q: %d children before load", n.name, len(n.children)))
	}

	// INVARIANT: For all k, children[k].name == k and children[k].parent == n
	for name, child := range n.children {
		if child.name != name {
			panic(fmt.Sprintf("%q: child %q filed under %q", n.name, child.name, name))
		}
		if child.parent != n {
			panic(fmt.Sprintf("%q: child %q has a different parent", n.name, name))
		}
	}

	// INVARIANT: (bindTarget != nil) == (typ == nodeBind)
	if (n.bindTarget != nil) != (n.typ == nodeBind) {
		panic(fmt.Sprintf("%q: %v with bind target %v", n.name, n.typ, n.bindTarget != nil))
	}

	// INVARIANT: (mounted != nil) == (typ == nodeMountPoint)
	if (n.mounted != nil) != (n.typ == nodeMountPoint) {
		panic(fmt.Sprintf("%q: %v with mounted fs %v", n.name, n.typ, n.mounted != nil))
	}

	// INVARIANT: (pin != 0) == (typ != nodeRegular)
	if (n.pin != 0) != (n.typ != nodeRegular) {
		panic(fmt.Sprintf("%q: %v with pin %d", n.name, n.typ, n.pin))
	}
}

func (n *Node) ID() fuseops.InodeID { return n.id }
func (n *Node) Name() string        { return n.name }

// Stat returns a snapshot of the node's metadata.
func (n *Node) Stat() backend.Stat {
	n.statMu.Lock()
	defer n.statMu.Unlock()
	return n.stat
}

func (n *Node) setStat(st backend.Stat) {
	n.statMu.Lock()
	defer n.statMu.Unlock()

	st.Name = n.stat.Name
	st.Flags = n.stat.Flags
	n.stat = st
}

// written records that a write through a handle left the file at least end
// bytes long.
func (n *Node) written(end uint64, now time.Time) {
	n.statMu.Lock()
	defer n.statMu.Unlock()

	if end > n.stat.Size {
		n.stat.Size = end
	}
	n.stat.Modified = now
}

func (n *Node) resized(size uint64, now time.Time) {
	n.statMu.Lock()
	defer n.statMu.Unlock()

	n.stat.Size = size
	n.stat.Modified = now
}

// touched records a change to the entries of a directory.
func (n *Node) touched(now time.Time) {
	n.statMu.Lock()
	defer n.statMu.Unlock()
	n.stat.Modified = now
}

// localPath is the path of n inside its own file system, as handed to the
// backend.
func (n *Node) localPath() string {
	if n.parent == nil {
		return "/"
	}

	var names []string
	for m := n; m.parent != nil; m = m.parent {
		names = append(names, m.name)
	}
	slices.Reverse(names)

	return "/" + strings.Join(names, "/")
}

// fullPath is the path of n from the namespace root.
func (n *Node) fullPath() string {
	local := n.localPath()
	if n.fs.mountNode == nil {
		return local
	}
	return pathpkg.Join(n.fs.mountNode.fullPath(), local)
}

// isBelow reports whether n is ancestor or one of its descendants within the
// same file system.
func (n *Node) isBelow(ancestor *Node) bool {
	for m := n; m != nil; m = m.parent {
		if m == ancestor {
			return true
		}
	}
	return false
}

// handleAccesses lists the access kinds of the open handles on n, skipping
// except.
//
// LOCKS_REQUIRED(n.handlesMu)
func (n *Node) handleAccesses(except fuseops.HandleID) (kinds []Access) {
	for id, h := range n.handles {
		if id != except {
			kinds = append(kinds, h.access)
		}
	}
	return
}

// markRemoved refuses further handles and binds on n, provided none exist.
func (n *Node) markRemoved() (err error) {
	n.handlesMu.Lock()
	defer n.handlesMu.Unlock()
	n.mountsMu.Lock()
	defer n.mountsMu.Unlock()

	if len(n.handles) > 0 {
		err = fmt.Errorf("%q has %d open handles: %w", n.name, len(n.handles), ErrBusy)
		return
	}

	if len(n.mounts) > 0 {
		err = fmt.Errorf("%q is bound at %d places: %w", n.name, len(n.mounts), ErrBusy)
		return
	}

	n.removed.Store(true)
	return
}

// unmarkRemoved undoes markRemoved after the backend refused the unlink.
func (n *Node) unmarkRemoved() {
	n.handlesMu.Lock()
	defer n.handlesMu.Unlock()
	n.mountsMu.Lock()
	defer n.mountsMu.Unlock()

	n.removed.Store(false)
}

// forceRemoved marks n as gone after the backend entry was moved away,
// regardless of what is still open on it.
func (n *Node) forceRemoved() {
	n.handlesMu.Lock()
	defer n.handlesMu.Unlock()
	n.mountsMu.Lock()
	defer n.mountsMu.Unlock()

	n.removed.Store(true)
}

// addMount registers the bind point at as redirecting to n.
func (n *Node) addMount(at *Node) (err error) {
	n.mountsMu.Lock()
	defer n.mountsMu.Unlock()

	if n.removed.Load() {
		err = fmt.Errorf("bind source %q: %w", n.name, ErrNotFound)
		return
	}

	n.mounts[at] = struct{}{}
	return
}

func (n *Node) removeMount(at *Node) {
	n.mountsMu.Lock()
	defer n.mountsMu.Unlock()
	delete(n.mounts, at)
}
