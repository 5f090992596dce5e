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

package hostfs

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vfsd/vfsd/internal/backend"
	"golang.org/x/sys/unix"
)

func lstat(path string) (st backend.Stat, err error) {
	var sys unix.Stat_t
	if err = unix.Lstat(path, &sys); err != nil {
		err = &os.PathError{Op: "lstat", Path: path, Err: err}
		return
	}

	st = backend.Stat{
		Name:        filepath.Base(path),
		Owner:       sys.Uid,
		Permissions: backend.Permissions(sys.Mode & 0777),
		Size:        uint64(sys.Size),
		Accessed:    time.Unix(sys.Atimespec.Unix()),
		Modified:    time.Unix(sys.Mtimespec.Unix()),
		Created:     time.Unix(sys.Birthtimespec.Unix()),
	}

	switch sys.Mode & unix.S_IFMT {
	case unix.S_IFDIR:
		st.Flags = backend.FlagDirectory
	case unix.S_IFLNK:
		st.Flags = backend.FlagLink
		if st.LinkTarget, err = os.Readlink(path); err != nil {
			err = fmt.Errorf("readlink: %w", err)
			return
		}
	default:
		st.Flags = backend.FlagFile
	}

	return
}

func maxNameLength(sfs *unix.Statfs_t) uint32 {
	// MNAMELEN-limited statfs carries no name limit; HFS+ and APFS use 255.
	return 255
}
