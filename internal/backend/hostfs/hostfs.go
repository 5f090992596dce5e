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

// Package hostfs is a backend that passes every operation through to a
// directory of the host file system.
package hostfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	pathpkg "path"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"github.com/vfsd/vfsd/internal/backend"
	"github.com/vfsd/vfsd/internal/logger"
	"golang.org/x/sys/unix"
)

type handle struct {
	path string

	// Nil for symbolic links, which cannot be opened on the host.
	f *os.File

	// Non-nil for directories.
	dir *backend.DirCursor
}

type FileSystem struct {
	root     string
	label    string
	readOnly bool
}

var _ backend.Backend = &FileSystem{}

// New creates a backend exposing the directory root. root must exist.
func New(root string, label string, readOnly bool) (hfs *FileSystem, err error) {
	root, err = filepath.Abs(root)
	if err != nil {
		err = fmt.Errorf("filepath.Abs: %w", err)
		return
	}

	fi, err := os.Stat(root)
	if err != nil {
		err = fmt.Errorf("stat root: %w", err)
		return
	}

	if !fi.IsDir() {
		err = fmt.Errorf("root %q: %w", root, syscall.ENOTDIR)
		return
	}

	if label == "" {
		label = filepath.Base(root)
	}

	hfs = &FileSystem{root: root, label: label, readOnly: readOnly}
	return
}

// hostPath maps a backend path onto the host. Leading ".." components are
// dropped so the result never leaves the root.
func (hfs *FileSystem) hostPath(path string) string {
	return filepath.Join(hfs.root, filepath.FromSlash(pathpkg.Clean("/"+path)))
}

func (hfs *FileSystem) checkWritable(op string) error {
	if hfs.readOnly {
		return fmt.Errorf("%s: %w", op, syscall.EROFS)
	}
	return nil
}

func asHandle(d backend.Data) (*handle, error) {
	h, ok := d.(*handle)
	if !ok || h == nil {
		return nil, fmt.Errorf("foreign backend data %T: %w", d, syscall.EBADF)
	}
	return h, nil
}

// openFile picks the widest access the host grants.
func (hfs *FileSystem) openFile(hostPath string) (f *os.File, err error) {
	if !hfs.readOnly {
		f, err = os.OpenFile(hostPath, os.O_RDWR, 0)
		if err == nil || !(errors.Is(err, fs.ErrPermission) || errors.Is(err, syscall.EISDIR)) {
			return
		}
	}

	f, err = os.Open(hostPath)
	return
}

func (hfs *FileSystem) listing(dir string) (entries []backend.Stat, err error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	for _, de := range des {
		var st backend.Stat
		st, err = lstat(filepath.Join(dir, de.Name()))
		if errors.Is(err, fs.ErrNotExist) {
			// Removed behind our back.
			err = nil
			continue
		}
		if err != nil {
			return
		}
		entries = append(entries, st)
	}

	slices.SortFunc(entries, func(a, b backend.Stat) int { return strings.Compare(a.Name, b.Name) })
	return
}

////////////////////////////////////////////////////////////////////////
// backend.Backend
////////////////////////////////////////////////////////////////////////

func (hfs *FileSystem) Open(ctx context.Context, path string) (d backend.Data, err error) {
	p := hfs.hostPath(path)

	st, err := lstat(p)
	if err != nil {
		return
	}

	h := &handle{path: p}
	if st.Flags.IsLink() {
		d = h
		return
	}

	if h.f, err = hfs.openFile(p); err != nil {
		return
	}

	if st.Flags.IsDirectory() {
		var entries []backend.Stat
		if entries, err = hfs.listing(p); err != nil {
			h.f.Close()
			return
		}
		h.dir = backend.NewDirCursor(entries)
	}

	d = h
	return
}

func (hfs *FileSystem) Create(
	ctx context.Context,
	parent backend.Data,
	name string,
	owner uint32,
	flags backend.Flags,
	perms backend.Permissions) (d backend.Data, err error) {
	if err = hfs.checkWritable("create"); err != nil {
		return
	}

	ph, err := asHandle(parent)
	if err != nil {
		return
	}

	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		err = fmt.Errorf("create %q: %w", name, syscall.EINVAL)
		return
	}

	p := filepath.Join(ph.path, name)
	switch {
	case flags.IsDirectory():
		if err = os.Mkdir(p, os.FileMode(perms)&os.ModePerm); err != nil {
			return
		}
		h := &handle{path: p, dir: backend.NewDirCursor(nil)}
		if h.f, err = os.Open(p); err != nil {
			return
		}
		d = h

	case flags.IsLink():
		err = fmt.Errorf("create link %q without target: %w", name, syscall.EINVAL)

	default:
		var f *os.File
		f, err = os.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_EXCL, os.FileMode(perms)&os.ModePerm)
		if err != nil {
			return
		}
		d = &handle{path: p, f: f}
	}

	return
}

func (hfs *FileSystem) Close(ctx context.Context, d backend.Data) (err error) {
	h, err := asHandle(d)
	if err != nil {
		return
	}

	if h.f != nil {
		err = h.f.Close()
		h.f = nil
	}
	return
}

func (hfs *FileSystem) Read(ctx context.Context, d backend.Data, p []byte) (n int, err error) {
	h, err := asHandle(d)
	if err != nil {
		return
	}

	if h.dir != nil {
		return h.dir.Read(p)
	}

	if h.f == nil {
		err = fmt.Errorf("read %q: %w", h.path, syscall.EINVAL)
		return
	}

	n, err = h.f.Read(p)
	if err == io.EOF {
		err = nil
	}
	return
}

func (hfs *FileSystem) Write(ctx context.Context, d backend.Data, p []byte) (n int, err error) {
	if err = hfs.checkWritable("write"); err != nil {
		return
	}

	h, err := asHandle(d)
	if err != nil {
		return
	}

	if h.dir != nil {
		err = fmt.Errorf("write %q: %w", h.path, syscall.EISDIR)
		return
	}

	if h.f == nil {
		err = fmt.Errorf("write %q: %w", h.path, syscall.EINVAL)
		return
	}

	return h.f.Write(p)
}

func (hfs *FileSystem) Seek(ctx context.Context, d backend.Data, pos uint64) (newPos uint64, err error) {
	h, err := asHandle(d)
	if err != nil {
		return
	}

	if h.dir != nil {
		if pos != 0 {
			err = fmt.Errorf("seek directory %q to %d: %w", h.path, pos, syscall.EINVAL)
			return
		}

		var entries []backend.Stat
		if entries, err = hfs.listing(h.path); err != nil {
			return
		}
		h.dir = backend.NewDirCursor(entries)
		return
	}

	if h.f == nil {
		err = fmt.Errorf("seek %q: %w", h.path, syscall.EINVAL)
		return
	}

	off, err := h.f.Seek(int64(pos), io.SeekStart)
	newPos = uint64(off)
	return
}

func (hfs *FileSystem) Truncate(ctx context.Context, d backend.Data, size uint64) (err error) {
	if err = hfs.checkWritable("truncate"); err != nil {
		return
	}

	h, err := asHandle(d)
	if err != nil {
		return
	}

	if h.dir != nil {
		err = fmt.Errorf("truncate %q: %w", h.path, syscall.EISDIR)
		return
	}

	if h.f == nil {
		err = fmt.Errorf("truncate %q: %w", h.path, syscall.EINVAL)
		return
	}

	err = h.f.Truncate(int64(size))
	return
}

func (hfs *FileSystem) StatFS(ctx context.Context) (st backend.FSStat, err error) {
	var sfs unix.Statfs_t
	if err = unix.Statfs(hfs.root, &sfs); err != nil {
		err = fmt.Errorf("statfs %q: %w", hfs.root, err)
		return
	}

	st = backend.FSStat{
		Label:         hfs.label,
		ReadOnly:      hfs.readOnly,
		BlockSize:     uint32(sfs.Bsize),
		BlocksTotal:   uint64(sfs.Blocks),
		BlocksFree:    uint64(sfs.Bavail),
		MaxNameLength: maxNameLength(&sfs),
	}
	return
}

func (hfs *FileSystem) Stat(ctx context.Context, d backend.Data) (st backend.Stat, err error) {
	h, err := asHandle(d)
	if err != nil {
		return
	}

	st, err = lstat(h.path)
	if err == nil && h.path == hfs.root {
		st.Name = "/"
	}
	return
}

func (hfs *FileSystem) Link(
	ctx context.Context,
	parent backend.Data,
	name string,
	target string,
	symbolic bool) (err error) {
	if err = hfs.checkWritable("link"); err != nil {
		return
	}

	ph, err := asHandle(parent)
	if err != nil {
		return
	}

	p := filepath.Join(ph.path, name)
	if symbolic {
		err = os.Symlink(target, p)
		return
	}

	err = os.Link(hfs.hostPath(target), p)
	return
}

func (hfs *FileSystem) Unlink(ctx context.Context, path string) (err error) {
	if err = hfs.checkWritable("unlink"); err != nil {
		return
	}

	p := hfs.hostPath(path)
	if p == hfs.root {
		err = fmt.Errorf("unlink root: %w", syscall.EBUSY)
		return
	}

	err = os.Remove(p)
	return
}

func (hfs *FileSystem) ReadLink(ctx context.Context, path string) (target string, err error) {
	target, err = os.Readlink(hfs.hostPath(path))
	return
}

func (hfs *FileSystem) Move(ctx context.Context, from string, to string, copy bool) (err error) {
	if err = hfs.checkWritable("move"); err != nil {
		return
	}

	src := hfs.hostPath(from)
	dst := hfs.hostPath(to)

	if _, err = os.Lstat(dst); err == nil {
		err = fmt.Errorf("move to %q: %w", to, syscall.EEXIST)
		return
	} else if !errors.Is(err, fs.ErrNotExist) {
		return
	}

	if !copy {
		err = os.Rename(src, dst)
		return
	}

	if err = copyTree(src, dst); err != nil {
		if rmErr := os.RemoveAll(dst); rmErr != nil {
			logger.Warnf("hostfs: cleaning up partial copy %q: %v", dst, rmErr)
		}
	}
	return
}

func copyTree(src string, dst string) (err error) {
	fi, err := os.Lstat(src)
	if err != nil {
		return
	}

	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		var target string
		if target, err = os.Readlink(src); err != nil {
			return
		}
		err = os.Symlink(target, dst)

	case fi.IsDir():
		if err = os.Mkdir(dst, fi.Mode().Perm()); err != nil {
			return
		}

		var des []os.DirEntry
		if des, err = os.ReadDir(src); err != nil {
			return
		}

		for _, de := range des {
			if err = copyTree(filepath.Join(src, de.Name()), filepath.Join(dst, de.Name())); err != nil {
				return
			}
		}

	default:
		err = copyFile(src, dst, fi.Mode().Perm())
	}

	return
}

func copyFile(src string, dst string, perm os.FileMode) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return
	}

	_, err = io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	return
}
