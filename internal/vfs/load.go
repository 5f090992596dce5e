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

	"github.com/vfsd/vfsd/internal/backend"
	"github.com/vfsd/vfsd/internal/locker"
	"github.com/vfsd/vfsd/internal/logger"
)

const loadBufferSize = 8 << 10

// ensureLoaded makes sure the children of the directory n have been listed
// from the backend. s is consumed; on success the returned guard is a read
// claim on n. On error nothing is held.
func (v *VFS) ensureLoaded(ctx context.Context, n *Node, s *locker.Shared) (*locker.Shared, error) {
	if !n.flags.IsDirectory() || n.loaded {
		return s, nil
	}

	p, err := s.Promote(ctx)
	if err != nil {
		return nil, err
	}

	// The claim on n was given up while queueing, so n may have been
	// unlinked in between. Its backend path could now name something else.
	if n.removed.Load() {
		p.Unlock()
		return nil, fmt.Errorf("%q: %w", n.fullPath(), ErrNotFound)
	}

	// Someone may have beaten us to it.
	if !n.loaded {
		if err = v.loadLocked(ctx, n); err != nil {
			p.Unlock()
			return nil, err
		}
	}

	return p.Demote(), nil
}

// ensureLoadedLocked is ensureLoaded for callers that already own n
// exclusively.
//
// LOCKS_REQUIRED(n.lock) exclusively
func (v *VFS) ensureLoadedLocked(ctx context.Context, n *Node) error {
	if !n.flags.IsDirectory() || n.loaded {
		return nil
	}
	return v.loadLocked(ctx, n)
}

// LOCKS_REQUIRED(n.lock) exclusively
func (v *VFS) loadLocked(ctx context.Context, n *Node) (err error) {
	path := n.localPath()
	logger.Tracef("vfs: loading %q of %q", path, n.fs.label)

	d, err := n.fs.backend.Open(ctx, path)
	if err != nil {
		err = fmt.Errorf("open %q for listing: %w", path, err)
		return
	}

	defer func() {
		if closeErr := n.fs.backend.Close(ctx, d); closeErr != nil {
			logger.Warnf("vfs: closing listing of %q: %v", path, closeErr)
		}
	}()

	var entries []backend.Stat
	buf := make([]byte, loadBufferSize)
	for {
		var nRead int
		nRead, err = n.fs.backend.Read(ctx, d, buf)
		if err != nil {
			err = fmt.Errorf("list %q: %w", path, err)
			return
		}

		if nRead == 0 {
			break
		}

		var batch []backend.Stat
		if batch, err = backend.DecodeDirents(buf[:nRead]); err != nil {
			err = fmt.Errorf("list %q: %w", path, err)
			return
		}
		entries = append(entries, batch...)
	}

	for _, st := range entries {
		if _, ok := n.children[st.Name]; ok {
			continue
		}
		n.children[st.Name] = v.newNode(n.fs, n, st)
	}

	n.loaded = true
	return
}

// find looks up the child called name of the directory n, loading n first
// if necessary. s is consumed; on success the returned guard is a read claim
// on n and child may be nil when there is no such entry. On error nothing is
// held.
func (v *VFS) find(
	ctx context.Context,
	n *Node,
	s *locker.Shared,
	name string) (s2 *locker.Shared, child *Node, err error) {
	if !n.flags.IsDirectory() {
		s.Unlock()
		err = fmt.Errorf("%q: %w", n.name, ErrNotDirectory)
		return
	}

	if s2, err = v.ensureLoaded(ctx, n, s); err != nil {
		return
	}

	child = n.children[name]
	return
}
