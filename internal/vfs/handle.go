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
	"sync"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/vfsd/vfsd/internal/backend"
	"github.com/vfsd/vfsd/internal/locker"
	"github.com/vfsd/vfsd/internal/logger"
)

type ioMode int

const (
	modeNone ioMode = iota
	modeRead
	modeWrite
)

// handle is one open of a node.
type handle struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	id      fuseops.HandleID
	node    *Node
	options OpenOptions

	// Held by a bind or mount point on its own node. Never handed out.
	pin bool

	/////////////////////////
	// Mutable state
	/////////////////////////

	// GUARDED_BY(node.handlesMu)
	access Access

	mu sync.Mutex

	// Nil once closed.
	//
	// GUARDED_BY(mu)
	data backend.Data

	// GUARDED_BY(mu)
	pos uint64

	// The kind of the last I/O, so that a write is flushed before the handle
	// moves away from it.
	//
	// GUARDED_BY(mu)
	mode ioMode
}

func (h *handle) getAccess() Access {
	h.node.handlesMu.Lock()
	defer h.node.handlesMu.Unlock()
	return h.access
}

// openHandle opens n with the given access kind and registers the handle.
//
// LOCKS_REQUIRED(n.lock) shared
// LOCKS_EXCLUDED(n.handlesMu)
// LOCKS_EXCLUDED(v.mu)
func (v *VFS) openHandle(
	ctx context.Context,
	n *Node,
	access Access,
	options OpenOptions,
	pin bool) (h *handle, err error) {
	n.handlesMu.Lock()
	defer n.handlesMu.Unlock()

	if access.conflicts(n.handleAccesses(0)) {
		err = fmt.Errorf("open %q with access %#x: %w", n.name, uint32(access), ErrPermission)
		return
	}

	return v.openHandleLocked(ctx, n, access, options, pin)
}

// LOCKS_REQUIRED(n.handlesMu)
// LOCKS_EXCLUDED(v.mu)
func (v *VFS) openHandleLocked(
	ctx context.Context,
	n *Node,
	access Access,
	options OpenOptions,
	pin bool) (h *handle, err error) {
	if n.removed.Load() {
		err = fmt.Errorf("open %q: %w", n.name, ErrNotFound)
		return
	}

	d, err := n.fs.backend.Open(ctx, n.localPath())
	if err != nil {
		err = fmt.Errorf("open %q: %w", n.localPath(), err)
		return
	}

	v.mu.Lock()
	if n.fs.detached.Load() {
		v.mu.Unlock()
		v.closeBackend(ctx, n, d)
		err = fmt.Errorf("open %q: %w", n.name, ErrNotMounted)
		return
	}

	v.nextHandleID++
	h = &handle{
		id:      v.nextHandleID,
		node:    n,
		options: options,
		pin:     pin,
		access:  access,
		data:    d,
	}
	v.handles[h.id] = h
	v.mu.Unlock()

	n.handles[h.id] = h
	return
}

// closeBackend releases backend data during an unwind, logging failures.
func (v *VFS) closeBackend(ctx context.Context, n *Node, d backend.Data) {
	if err := n.fs.backend.Close(ctx, d); err != nil {
		logger.Warnf("vfs: closing %q during cleanup: %v", n.localPath(), err)
	}
}

// closeHandle unregisters and closes the handle with the given id. Closing a
// handle that was already closed is not an error.
//
// LOCKS_EXCLUDED(v.mu)
func (v *VFS) closeHandle(ctx context.Context, id fuseops.HandleID) (err error) {
	v.mu.Lock()
	h, ok := v.handles[id]
	if !ok {
		if id == 0 || id > v.nextHandleID {
			err = fmt.Errorf("close handle %d: %w", id, ErrBadHandle)
		}
		v.mu.Unlock()
		return
	}
	delete(v.handles, id)
	v.mu.Unlock()

	n := h.node
	n.handlesMu.Lock()
	delete(n.handles, id)
	n.handlesMu.Unlock()

	h.mu.Lock()
	d, mode := h.data, h.mode
	h.data = nil
	h.mu.Unlock()

	if d == nil {
		return
	}

	if mode == modeWrite {
		if f, ok := n.fs.backend.(backend.Flusher); ok {
			if err = f.Flush(ctx, d); err != nil {
				v.closeBackend(ctx, n, d)
				err = fmt.Errorf("flush %q: %w", n.localPath(), err)
				return
			}
		}
	}

	if err = n.fs.backend.Close(ctx, d); err != nil {
		err = fmt.Errorf("close %q: %w", n.localPath(), err)
	}
	return
}

// acquireHandle looks up a handle handed out to a caller and takes a read
// claim on its node.
func (v *VFS) acquireHandle(
	ctx context.Context,
	id fuseops.HandleID) (h *handle, s *locker.Shared, err error) {
	v.mu.Lock()
	h, ok := v.handles[id]
	v.mu.Unlock()

	if !ok || h.pin {
		err = fmt.Errorf("handle %d: %w", id, ErrBadHandle)
		return
	}

	s, err = h.node.lock.RLock(ctx)
	return
}

// flushLocked pushes buffered writes to the backend.
//
// LOCKS_REQUIRED(h.mu)
func (h *handle) flushLocked(ctx context.Context) (err error) {
	if h.mode != modeWrite {
		return
	}

	if f, ok := h.node.fs.backend.(backend.Flusher); ok {
		if err = f.Flush(ctx, h.data); err != nil {
			err = fmt.Errorf("flush %q: %w", h.node.localPath(), err)
			return
		}
	}

	h.mode = modeNone
	return
}

// LOCKS_REQUIRED(h.mu)
func (h *handle) checkOpen() error {
	if h.data == nil {
		return fmt.Errorf("handle %d: %w", h.id, ErrBadHandle)
	}
	return nil
}

// LOCKS_REQUIRED(h.mu)
func (h *handle) readLocked(ctx context.Context, p []byte) (n int, err error) {
	n, err = h.node.fs.backend.Read(ctx, h.data, p)
	h.pos += uint64(n)
	h.mode = modeRead
	return
}

// LOCKS_REQUIRED(h.mu)
func (h *handle) writeLocked(ctx context.Context, p []byte) (n int, err error) {
	b := h.node.fs.backend

	if h.options&OptAppend != 0 {
		var st backend.Stat
		if st, err = b.Stat(ctx, h.data); err != nil {
			return
		}
		var pos uint64
		if pos, err = b.Seek(ctx, h.data, st.Size); err != nil {
			return
		}
		h.pos = pos
	}

	n, err = b.Write(ctx, h.data, p)
	h.pos += uint64(n)
	h.mode = modeWrite
	if n > 0 {
		h.node.written(h.pos, h.node.fs.vfs.clock.Now())
	}
	return
}

// LOCKS_REQUIRED(h.mu)
func (h *handle) seekLocked(ctx context.Context, pos uint64) (err error) {
	if err = h.flushLocked(ctx); err != nil {
		return
	}

	newPos, err := h.node.fs.backend.Seek(ctx, h.data, pos)
	if err != nil {
		err = fmt.Errorf("seek %q to %d: %w", h.node.localPath(), pos, err)
		return
	}

	h.pos = newPos
	return
}

////////////////////////////////////////////////////////////////////////
// Handle operations
////////////////////////////////////////////////////////////////////////

// Read reads at the handle's position and advances it. On a directory the
// bytes are directory entry records.
func (v *VFS) Read(ctx context.Context, id fuseops.HandleID, p []byte) (n int, err error) {
	h, s, err := v.acquireHandle(ctx, id)
	if err != nil {
		return
	}
	defer s.Unlock()

	if h.getAccess()&AccessRead == 0 {
		err = fmt.Errorf("read handle %d: %w", id, ErrPermission)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err = h.checkOpen(); err != nil {
		return
	}

	return h.readLocked(ctx, p)
}

// Write writes at the handle's position, or at the end of the file when the
// handle was opened with OptAppend, and advances the position.
func (v *VFS) Write(ctx context.Context, id fuseops.HandleID, p []byte) (n int, err error) {
	h, s, err := v.acquireHandle(ctx, id)
	if err != nil {
		return
	}
	defer s.Unlock()

	if err = checkWritable(h); err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err = h.checkOpen(); err != nil {
		return
	}

	return h.writeLocked(ctx, p)
}

func checkWritable(h *handle) error {
	if h.node.flags.IsDirectory() {
		return fmt.Errorf("write %q: %w", h.node.name, ErrIsDirectory)
	}

	if h.getAccess()&AccessWrite == 0 {
		return fmt.Errorf("write handle %d: %w", h.id, ErrPermission)
	}

	return nil
}

// ReadAt reads at an absolute offset. The handle's position is unchanged.
func (v *VFS) ReadAt(ctx context.Context, id fuseops.HandleID, p []byte, off uint64) (n int, err error) {
	h, s, err := v.acquireHandle(ctx, id)
	if err != nil {
		return
	}
	defer s.Unlock()

	if h.getAccess()&AccessRead == 0 {
		err = fmt.Errorf("read handle %d: %w", id, ErrPermission)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err = h.checkOpen(); err != nil {
		return
	}

	saved := h.pos
	if err = h.seekLocked(ctx, off); err != nil {
		return
	}

	n, err = h.readLocked(ctx, p)
	if seekErr := h.seekLocked(ctx, saved); err == nil {
		err = seekErr
	}
	return
}

// WriteAt writes at an absolute offset. The handle's position is unchanged.
func (v *VFS) WriteAt(ctx context.Context, id fuseops.HandleID, p []byte, off uint64) (n int, err error) {
	h, s, err := v.acquireHandle(ctx, id)
	if err != nil {
		return
	}
	defer s.Unlock()

	if err = checkWritable(h); err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err = h.checkOpen(); err != nil {
		return
	}

	saved := h.pos
	if err = h.seekLocked(ctx, off); err != nil {
		return
	}

	n, err = h.node.fs.backend.Write(ctx, h.data, p)
	h.pos += uint64(n)
	h.mode = modeWrite
	if n > 0 {
		h.node.written(h.pos, v.clock.Now())
	}

	if seekErr := h.seekLocked(ctx, saved); err == nil {
		err = seekErr
	}
	return
}

// Seek moves the handle to an absolute position, flushing pending writes
// first.
func (v *VFS) Seek(ctx context.Context, id fuseops.HandleID, pos uint64) (newPos uint64, err error) {
	h, s, err := v.acquireHandle(ctx, id)
	if err != nil {
		return
	}
	defer s.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	if err = h.checkOpen(); err != nil {
		return
	}

	err = h.seekLocked(ctx, pos)
	newPos = h.pos
	return
}

func (v *VFS) Flush(ctx context.Context, id fuseops.HandleID) (err error) {
	h, s, err := v.acquireHandle(ctx, id)
	if err != nil {
		return
	}
	defer s.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	if err = h.checkOpen(); err != nil {
		return
	}

	return h.flushLocked(ctx)
}

func (v *VFS) GetPosition(ctx context.Context, id fuseops.HandleID) (pos uint64, err error) {
	h, s, err := v.acquireHandle(ctx, id)
	if err != nil {
		return
	}
	defer s.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	pos = h.pos
	return
}

func (v *VFS) GetAccess(ctx context.Context, id fuseops.HandleID) (a Access, err error) {
	h, s, err := v.acquireHandle(ctx, id)
	if err != nil {
		return
	}
	defer s.Unlock()

	a = h.getAccess()
	return
}

// SetAccess changes the access kind of an open handle, subject to the same
// exclusivity rules as opening a new one.
func (v *VFS) SetAccess(ctx context.Context, id fuseops.HandleID, a Access) (err error) {
	h, s, err := v.acquireHandle(ctx, id)
	if err != nil {
		return
	}
	defer s.Unlock()

	n := h.node
	n.handlesMu.Lock()
	defer n.handlesMu.Unlock()

	if a.conflicts(n.handleAccesses(id)) {
		err = fmt.Errorf("set access %#x on %q: %w", uint32(a), n.name, ErrPermission)
		return
	}

	h.access = a
	return
}

func (v *VFS) GetSize(ctx context.Context, id fuseops.HandleID) (size uint64, err error) {
	h, s, err := v.acquireHandle(ctx, id)
	if err != nil {
		return
	}
	defer s.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	if err = h.checkOpen(); err != nil {
		return
	}

	st, err := h.node.fs.backend.Stat(ctx, h.data)
	if err != nil {
		return
	}

	size = st.Size
	return
}

// SetSize truncates or extends the file.
func (v *VFS) SetSize(ctx context.Context, id fuseops.HandleID, size uint64) (err error) {
	h, s, err := v.acquireHandle(ctx, id)
	if err != nil {
		return
	}
	defer s.Unlock()

	if err = checkWritable(h); err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err = h.checkOpen(); err != nil {
		return
	}

	return h.truncateLocked(ctx, size)
}

// LOCKS_REQUIRED(h.mu)
func (h *handle) truncateLocked(ctx context.Context, size uint64) (err error) {
	if err = h.node.fs.backend.Truncate(ctx, h.data, size); err != nil {
		err = fmt.Errorf("truncate %q: %w", h.node.localPath(), err)
		return
	}

	h.node.resized(size, h.node.fs.vfs.clock.Now())
	return
}

// StatHandle asks the backend for fresh metadata of the handle's node.
func (v *VFS) StatHandle(ctx context.Context, id fuseops.HandleID) (st Stat, err error) {
	h, s, err := v.acquireHandle(ctx, id)
	if err != nil {
		return
	}
	defer s.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	if err = h.checkOpen(); err != nil {
		return
	}

	bst, err := h.node.fs.backend.Stat(ctx, h.data)
	if err != nil {
		return
	}

	h.node.setStat(bst)
	st = h.node.vfsStat()
	return
}

func (v *VFS) StatFSHandle(ctx context.Context, id fuseops.HandleID) (st FSStat, err error) {
	h, s, err := v.acquireHandle(ctx, id)
	if err != nil {
		return
	}
	defer s.Unlock()

	fs := h.node.fs
	bst, err := fs.statFS(ctx)
	if err != nil {
		return
	}

	st = FSStat{FileSystem: fs.guid, FSStat: bst}
	return
}

// Duplicate opens the handle's node again with the same access kind and
// options, positioned where the original is.
func (v *VFS) Duplicate(ctx context.Context, id fuseops.HandleID) (newID fuseops.HandleID, err error) {
	h, s, err := v.acquireHandle(ctx, id)
	if err != nil {
		return
	}
	defer s.Unlock()

	h.mu.Lock()
	pos := h.pos
	closed := h.data == nil
	h.mu.Unlock()

	if closed {
		err = fmt.Errorf("duplicate handle %d: %w", id, ErrBadHandle)
		return
	}

	// The duplicate belongs to the same owner, so exclusivity is not
	// re-checked against the original.
	n := h.node
	n.handlesMu.Lock()
	dup, err := v.openHandleLocked(ctx, n, h.access, h.options, false)
	n.handlesMu.Unlock()
	if err != nil {
		return
	}

	if pos != 0 {
		dup.mu.Lock()
		err = dup.seekLocked(ctx, pos)
		dup.mu.Unlock()
		if err != nil {
			if closeErr := v.closeHandle(ctx, dup.id); closeErr != nil {
				logger.Warnf("vfs: closing failed duplicate of %d: %v", id, closeErr)
			}
			return
		}
	}

	newID = dup.id
	return
}

// GetFullPath returns the path of the handle's node from the namespace root.
func (v *VFS) GetFullPath(ctx context.Context, id fuseops.HandleID) (path string, err error) {
	h, s, err := v.acquireHandle(ctx, id)
	if err != nil {
		return
	}
	defer s.Unlock()

	path = h.node.fullPath()
	return
}

// CloseHandle closes a handle returned by Open or Duplicate.
func (v *VFS) CloseHandle(ctx context.Context, id fuseops.HandleID) (err error) {
	v.mu.Lock()
	h, ok := v.handles[id]
	v.mu.Unlock()

	if ok && h.pin {
		err = fmt.Errorf("close handle %d: %w", id, ErrBadHandle)
		return
	}

	return v.closeHandle(ctx, id)
}
