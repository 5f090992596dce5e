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

// Package backend defines the capability set a storage driver implements to
// be mounted into the namespace.
//
// Paths handed to a Backend are local to it: "/" is the root of the backend,
// components are separated by '/', and "." or ".." never appear.
//
// Errors returned by a Backend should wrap a syscall.Errno (ENOENT, EEXIST,
// ENOTDIR, EISDIR, ENOTEMPTY, EINVAL, ...). They are passed through to callers
// without interpretation or retry.
package backend

import (
	"context"
	"time"
)

// Flags describe the type of an entry.
type Flags uint32

const (
	FlagFile      Flags = 0x0
	FlagDirectory Flags = 0x1
	FlagLink      Flags = 0x2

	flagTypeMask Flags = 0x3
)

func (f Flags) IsDirectory() bool { return f&flagTypeMask == FlagDirectory }
func (f Flags) IsLink() bool      { return f&flagTypeMask == FlagLink }
func (f Flags) IsFile() bool      { return f&flagTypeMask == FlagFile }

// Permissions are unix style permission bits.
type Permissions uint32

const (
	PermRead    Permissions = 0444
	PermWrite   Permissions = 0222
	PermExecute Permissions = 0111

	PermOwnerWrite   Permissions = 0200
	PermOwnerExecute Permissions = 0100
)

// Stat is the metadata of one entry.
type Stat struct {
	Name        string
	LinkTarget  string
	Owner       uint32
	Permissions Permissions
	Flags       Flags
	Size        uint64
	Accessed    time.Time
	Modified    time.Time
	Created     time.Time
}

// FSStat is the metadata of a whole backend.
type FSStat struct {
	Label         string
	ReadOnly      bool
	BlockSize     uint32
	BlocksTotal   uint64
	BlocksFree    uint64
	MaxNameLength uint32
}

// Data is the backend-private state of one open entry. It is owned by the
// caller that opened it and is never shared between opens.
type Data any

type Backend interface {
	// Open the entry at path. Directories may be opened too; reading them
	// produces directory entry records (see AppendDirent).
	Open(ctx context.Context, path string) (Data, error)

	// Create a new entry called name inside the open directory parent, and
	// return it open.
	Create(
		ctx context.Context,
		parent Data,
		name string,
		owner uint32,
		flags Flags,
		perms Permissions) (Data, error)

	Close(ctx context.Context, d Data) error

	// Read from the current position. A return of zero bytes and a nil error
	// signals the end of the file or of the directory listing.
	Read(ctx context.Context, d Data, p []byte) (n int, err error)

	// Write at the current position.
	Write(ctx context.Context, d Data, p []byte) (n int, err error)

	// Seek to an absolute position and return it. Seeking a directory to 0
	// restarts the listing.
	Seek(ctx context.Context, d Data, pos uint64) (uint64, error)

	Truncate(ctx context.Context, d Data, size uint64) error

	StatFS(ctx context.Context) (FSStat, error)

	Stat(ctx context.Context, d Data) (Stat, error)

	// Create a link called name inside the open directory parent, pointing at
	// target. Hard link targets are backend-local paths.
	Link(ctx context.Context, parent Data, name string, target string, symbolic bool) error

	Unlink(ctx context.Context, path string) error

	ReadLink(ctx context.Context, path string) (string, error)

	// Move or, when copy is set, duplicate the entry at from to the path to.
	Move(ctx context.Context, from string, to string, copy bool) error
}

// Flusher is implemented by backends that buffer writes.
type Flusher interface {
	Flush(ctx context.Context, d Data) error
}
