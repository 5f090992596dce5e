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
	"syscall"

	"github.com/jacobsa/fuse"
)

// Error is one of the domain errors below. Each wraps the errno a caller
// across a process boundary would see, so errors.Is(err, syscall.ENOENT) holds
// for ErrNotFound and so on.
type Error struct {
	msg   string
	errno syscall.Errno
}

func (e *Error) Error() string { return e.msg }
func (e *Error) Unwrap() error { return e.errno }

var (
	ErrNotFound     = &Error{"no such file or directory", fuse.ENOENT}
	ErrExists       = &Error{"file exists", fuse.EEXIST}
	ErrNotDirectory = &Error{"not a directory", fuse.ENOTDIR}
	ErrIsDirectory  = &Error{"is a directory", syscall.EISDIR}
	ErrPermission   = &Error{"access denied by share mode", syscall.EACCES}
	ErrNotSupported = &Error{"operation not supported", syscall.ENOTSUP}
	ErrNoMemory     = &Error{"cannot allocate memory", syscall.ENOMEM}
	ErrInvalidLink  = &Error{"not a symbolic link", fuse.EINVAL}
	ErrBusy         = &Error{"resource busy", syscall.EBUSY}
	ErrNotEmpty     = &Error{"directory not empty", fuse.ENOTEMPTY}
	ErrLoop         = &Error{"too many levels of symbolic links", syscall.ELOOP}
	ErrInvalid      = &Error{"invalid argument", fuse.EINVAL}
	ErrNotMounted   = &Error{"not mounted", fuse.EINVAL}
	ErrBadHandle    = &Error{"bad handle", syscall.EBADF}
)
