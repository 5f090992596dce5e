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

// Package memfs is a backend that keeps every entry in memory. Hard links are
// supported for files; symbolic links are stored verbatim and never followed
// by the backend itself.
package memfs

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/vfsd/vfsd/internal/backend"
	"github.com/vfsd/vfsd/internal/locker"
)

const (
	// DefaultCapacity is used when New is given a zero capacity.
	DefaultCapacity = 256 << 20

	blockSize     = 512
	maxNameLength = 255
)

type inode struct {
	flags      backend.Flags
	perms      backend.Permissions
	owner      uint32
	linkTarget string
	data       []byte

	// Number of directory entries referring to this inode.
	nlink int

	// INVARIANT: (children != nil) == flags.IsDirectory()
	children map[string]*inode

	accessed time.Time
	modified time.Time
	created  time.Time
}

func (in *inode) stat(name string) backend.Stat {
	size := uint64(len(in.data))
	if in.flags.IsLink() {
		size = uint64(len(in.linkTarget))
	}

	return backend.Stat{
		Name:        name,
		LinkTarget:  in.linkTarget,
		Owner:       in.owner,
		Permissions: in.perms,
		Flags:       in.flags,
		Size:        size,
		Accessed:    in.accessed,
		Modified:    in.modified,
		Created:     in.created,
	}
}

// handle is the backend.Data of one open entry.
type handle struct {
	name string
	ino  *inode
	pos  uint64

	// Non-nil for directories.
	dir *backend.DirCursor
}

type FileSystem struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	clock    timeutil.Clock
	label    string
	capacity uint64

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu locker.RWLocker

	// GUARDED_BY(mu)
	root *inode

	// Bytes of file data held by reachable inodes.
	//
	// INVARIANT: used <= capacity
	//
	// GUARDED_BY(mu)
	used uint64
}

var _ backend.Backend = &FileSystem{}

// New creates an empty file system holding at most capacity bytes of file
// data.
func New(clock timeutil.Clock, label string, capacity uint64) (fs *FileSystem) {
	if capacity == 0 {
		capacity = DefaultCapacity
	}

	fs = &FileSystem{
		clock:    clock,
		label:    label,
		capacity: capacity,
	}
	fs.mu = locker.NewRW("memfs."+label, fs.checkInvariants)

	now := clock.Now()
	fs.root = &inode{
		flags:    backend.FlagDirectory,
		perms:    0755,
		nlink:    1,
		children: make(map[string]*inode),
		accessed: now,
		modified: now,
		created:  now,
	}

	return
}

// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) checkInvariants() {
	seen := make(map[*inode]struct{})
	var used uint64

	var walk func(in *inode)
	walk = func(in *inode) {
		if _, ok := seen[in]; ok {
			return
		}
		seen[in] = struct{}{}

		if (in.children != nil) != in.flags.IsDirectory() {
			panic(fmt.Sprintf("inode flags %#x disagree with children %v", in.flags, in.children != nil))
		}

		used += uint64(len(in.data))
		for _, child := range in.children {
			walk(child)
		}
	}
	walk(fs.root)

	if used != fs.used {
		panic(fmt.Sprintf("used bytes mismatch: counted %d, recorded %d", used, fs.used))
	}

	if fs.used > fs.capacity {
		panic(fmt.Sprintf("used %d exceeds capacity %d", fs.used, fs.capacity))
	}
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func splitPath(path string) (components []string) {
	for _, c := range strings.Split(path, "/") {
		if c != "" {
			components = append(components, c)
		}
	}
	return
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return fmt.Errorf("invalid name %q: %w", name, syscall.EINVAL)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("name %q: %w", name, syscall.ENAMETOOLONG)
	}
	return nil
}

// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) lookup(path string) (name string, in *inode, err error) {
	in = fs.root
	name = "/"

	for _, c := range splitPath(path) {
		if in.children == nil {
			err = fmt.Errorf("lookup %q: %w", path, syscall.ENOTDIR)
			return
		}

		child, ok := in.children[c]
		if !ok {
			err = fmt.Errorf("lookup %q: %w", path, syscall.ENOENT)
			return
		}

		name = c
		in = child
	}

	return
}

// lookupParent finds the directory that holds the last component of path.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) lookupParent(path string) (parent *inode, name string, err error) {
	components := splitPath(path)
	if len(components) == 0 {
		err = fmt.Errorf("%q has no parent: %w", path, syscall.EBUSY)
		return
	}

	name = components[len(components)-1]
	_, parent, err = fs.lookup(strings.Join(components[:len(components)-1], "/"))
	if err != nil {
		return
	}

	if parent.children == nil {
		err = fmt.Errorf("parent of %q: %w", path, syscall.ENOTDIR)
	}

	return
}

// grow reserves room for delta more bytes of file data.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) grow(delta uint64) error {
	if fs.used+delta > fs.capacity {
		return syscall.ENOSPC
	}
	fs.used += delta
	return nil
}

// resize sets the length of in.data, accounting for the change. Inodes that
// are only kept alive by open handles are not charged.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) resize(in *inode, size uint64) error {
	cur := uint64(len(in.data))
	switch {
	case size > cur:
		if in.nlink > 0 {
			if err := fs.grow(size - cur); err != nil {
				return err
			}
		}
		in.data = append(in.data, make([]byte, size-cur)...)

	case size < cur:
		if in.nlink > 0 {
			fs.used -= cur - size
		}
		in.data = in.data[:size]
	}

	return nil
}

// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) listing(in *inode) []backend.Stat {
	names := make([]string, 0, len(in.children))
	for name := range in.children {
		names = append(names, name)
	}
	slices.Sort(names)

	entries := make([]backend.Stat, 0, len(names))
	for _, name := range names {
		entries = append(entries, in.children[name].stat(name))
	}
	return entries
}

func asHandle(d backend.Data) (*handle, error) {
	h, ok := d.(*handle)
	if !ok || h == nil {
		return nil, fmt.Errorf("foreign backend data %T: %w", d, syscall.EBADF)
	}
	return h, nil
}

////////////////////////////////////////////////////////////////////////
// backend.Backend
////////////////////////////////////////////////////////////////////////

func (fs *FileSystem) Open(ctx context.Context, path string) (d backend.Data, err error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	name, in, err := fs.lookup(path)
	if err != nil {
		return
	}

	h := &handle{name: name, ino: in}
	if in.children != nil {
		h.dir = backend.NewDirCursor(fs.listing(in))
	}

	d = h
	return
}

func (fs *FileSystem) Create(
	ctx context.Context,
	parent backend.Data,
	name string,
	owner uint32,
	flags backend.Flags,
	perms backend.Permissions) (d backend.Data, err error) {
	p, err := asHandle(parent)
	if err != nil {
		return
	}

	if err = validName(name); err != nil {
		return
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if p.ino.children == nil {
		err = fmt.Errorf("create %q: %w", name, syscall.ENOTDIR)
		return
	}

	if _, ok := p.ino.children[name]; ok {
		err = fmt.Errorf("create %q: %w", name, syscall.EEXIST)
		return
	}

	now := fs.clock.Now()
	in := &inode{
		flags:    flags,
		perms:    perms,
		owner:    owner,
		nlink:    1,
		accessed: now,
		modified: now,
		created:  now,
	}

	h := &handle{name: name, ino: in}
	if flags.IsDirectory() {
		in.children = make(map[string]*inode)
		h.dir = backend.NewDirCursor(nil)
	}

	p.ino.children[name] = in
	p.ino.modified = now

	d = h
	return
}

func (fs *FileSystem) Close(ctx context.Context, d backend.Data) (err error) {
	_, err = asHandle(d)
	return
}

func (fs *FileSystem) Read(ctx context.Context, d backend.Data, p []byte) (n int, err error) {
	h, err := asHandle(d)
	if err != nil {
		return
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if h.dir != nil {
		return h.dir.Read(p)
	}

	if h.pos < uint64(len(h.ino.data)) {
		n = copy(p, h.ino.data[h.pos:])
		h.pos += uint64(n)
	}
	h.ino.accessed = fs.clock.Now()

	return
}

func (fs *FileSystem) Write(ctx context.Context, d backend.Data, p []byte) (n int, err error) {
	h, err := asHandle(d)
	if err != nil {
		return
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if h.dir != nil {
		err = fmt.Errorf("write %q: %w", h.name, syscall.EISDIR)
		return
	}

	if h.ino.flags.IsLink() {
		err = fmt.Errorf("write %q: %w", h.name, syscall.EINVAL)
		return
	}

	end := h.pos + uint64(len(p))
	if end > uint64(len(h.ino.data)) {
		if err = fs.resize(h.ino, end); err != nil {
			err = fmt.Errorf("write %q: %w", h.name, err)
			return
		}
	}

	n = copy(h.ino.data[h.pos:], p)
	h.pos += uint64(n)
	h.ino.modified = fs.clock.Now()

	return
}

func (fs *FileSystem) Seek(ctx context.Context, d backend.Data, pos uint64) (newPos uint64, err error) {
	h, err := asHandle(d)
	if err != nil {
		return
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if h.dir != nil {
		if pos != 0 {
			err = fmt.Errorf("seek directory %q to %d: %w", h.name, pos, syscall.EINVAL)
			return
		}
		h.dir = backend.NewDirCursor(fs.listing(h.ino))
		return
	}

	h.pos = pos
	newPos = pos
	return
}

func (fs *FileSystem) Truncate(ctx context.Context, d backend.Data, size uint64) (err error) {
	h, err := asHandle(d)
	if err != nil {
		return
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if h.dir != nil {
		err = fmt.Errorf("truncate %q: %w", h.name, syscall.EISDIR)
		return
	}

	if err = fs.resize(h.ino, size); err != nil {
		err = fmt.Errorf("truncate %q: %w", h.name, err)
		return
	}
	h.ino.modified = fs.clock.Now()

	return
}

func (fs *FileSystem) StatFS(ctx context.Context) (st backend.FSStat, err error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	st = backend.FSStat{
		Label:         fs.label,
		BlockSize:     blockSize,
		BlocksTotal:   fs.capacity / blockSize,
		BlocksFree:    (fs.capacity - fs.used) / blockSize,
		MaxNameLength: maxNameLength,
	}
	return
}

func (fs *FileSystem) Stat(ctx context.Context, d backend.Data) (st backend.Stat, err error) {
	h, err := asHandle(d)
	if err != nil {
		return
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	st = h.ino.stat(h.name)
	return
}

func (fs *FileSystem) Link(
	ctx context.Context,
	parent backend.Data,
	name string,
	target string,
	symbolic bool) (err error) {
	p, err := asHandle(parent)
	if err != nil {
		return
	}

	if err = validName(name); err != nil {
		return
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if p.ino.children == nil {
		err = fmt.Errorf("link %q: %w", name, syscall.ENOTDIR)
		return
	}

	if _, ok := p.ino.children[name]; ok {
		err = fmt.Errorf("link %q: %w", name, syscall.EEXIST)
		return
	}

	now := fs.clock.Now()

	var in *inode
	if symbolic {
		in = &inode{
			flags:      backend.FlagLink,
			perms:      0777,
			owner:      p.ino.owner,
			linkTarget: target,
			accessed:   now,
			modified:   now,
			created:    now,
		}
	} else {
		if _, in, err = fs.lookup(target); err != nil {
			return
		}

		if in.children != nil {
			err = fmt.Errorf("hard link to directory %q: %w", target, syscall.EPERM)
			return
		}
	}

	in.nlink++
	p.ino.children[name] = in
	p.ino.modified = now

	return
}

func (fs *FileSystem) Unlink(ctx context.Context, path string) (err error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, name, err := fs.lookupParent(path)
	if err != nil {
		return
	}

	in, ok := parent.children[name]
	if !ok {
		err = fmt.Errorf("unlink %q: %w", path, syscall.ENOENT)
		return
	}

	if len(in.children) > 0 {
		err = fmt.Errorf("unlink %q: %w", path, syscall.ENOTEMPTY)
		return
	}

	delete(parent.children, name)
	parent.modified = fs.clock.Now()

	in.nlink--
	if in.nlink == 0 {
		fs.used -= uint64(len(in.data))
	}

	return
}

func (fs *FileSystem) ReadLink(ctx context.Context, path string) (target string, err error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	_, in, err := fs.lookup(path)
	if err != nil {
		return
	}

	if !in.flags.IsLink() {
		err = fmt.Errorf("readlink %q: %w", path, syscall.EINVAL)
		return
	}

	target = in.linkTarget
	return
}

func (fs *FileSystem) Move(ctx context.Context, from string, to string, copy bool) (err error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	srcParent, srcName, err := fs.lookupParent(from)
	if err != nil {
		return
	}

	in, ok := srcParent.children[srcName]
	if !ok {
		err = fmt.Errorf("move %q: %w", from, syscall.ENOENT)
		return
	}

	dstParent, dstName, err := fs.lookupParent(to)
	if err != nil {
		return
	}

	if err = validName(dstName); err != nil {
		return
	}

	if _, ok := dstParent.children[dstName]; ok {
		err = fmt.Errorf("move to %q: %w", to, syscall.EEXIST)
		return
	}

	// A directory cannot end up inside itself.
	if in.children != nil {
		src := strings.Join(splitPath(from), "/") + "/"
		dst := strings.Join(splitPath(to), "/") + "/"
		if strings.HasPrefix(dst, src) {
			err = fmt.Errorf("move %q into %q: %w", from, to, syscall.EINVAL)
			return
		}
	}

	now := fs.clock.Now()
	if copy {
		var dup *inode
		if dup, err = fs.clone(in, now); err != nil {
			err = fmt.Errorf("copy %q: %w", from, err)
			return
		}
		dstParent.children[dstName] = dup
	} else {
		delete(srcParent.children, srcName)
		dstParent.children[dstName] = in
		srcParent.modified = now
	}
	dstParent.modified = now

	return
}

// clone deep-copies in, charging the copied data against the capacity. On
// failure nothing stays charged.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) clone(in *inode, now time.Time) (dup *inode, err error) {
	if err = fs.grow(uint64(len(in.data))); err != nil {
		return
	}

	dup = &inode{
		flags:      in.flags,
		perms:      in.perms,
		owner:      in.owner,
		linkTarget: in.linkTarget,
		data:       slices.Clone(in.data),
		nlink:      1,
		accessed:   now,
		modified:   in.modified,
		created:    now,
	}

	if in.children == nil {
		return
	}

	dup.children = make(map[string]*inode, len(in.children))
	for name, child := range in.children {
		var c *inode
		if c, err = fs.clone(child, now); err != nil {
			fs.release(dup)
			dup = nil
			return
		}
		dup.children[name] = c
	}

	return
}

// release uncharges the data of a tree that never became reachable.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) release(in *inode) {
	fs.used -= uint64(len(in.data))
	for _, child := range in.children {
		fs.release(child)
	}
}
