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

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/timeutil"
	"github.com/vfsd/vfsd/cfg"
	"github.com/vfsd/vfsd/internal/backend"
	"github.com/vfsd/vfsd/internal/backend/hostfs"
	"github.com/vfsd/vfsd/internal/backend/memfs"
	"github.com/vfsd/vfsd/internal/vfs"
)

const (
	// Shared read access, for commands that only look.
	readAccess = vfs.AccessRead | vfs.AccessReadShare | vfs.AccessWriteShare

	// Exclusive write access.
	writeAccess = vfs.AccessWrite

	ioChunkSize = 64 << 10
)

// env is what an operation runs against.
type env struct {
	svc vfs.Service
	in  io.Reader
	out io.Writer
}

// operation is one namespace command, runnable both as a subcommand and as a
// line of a script.
type operation struct {
	name    string
	usage   string
	short   string
	minArgs int
	maxArgs int
	run     func(ctx context.Context, e *env, args []string) error
}

func (op *operation) checkArgs(args []string) error {
	if len(args) < op.minArgs || len(args) > op.maxArgs {
		switch {
		case op.maxArgs == math.MaxInt:
			return fmt.Errorf("%s: requires at least %d arg(s), only received %d", op.name, op.minArgs, len(args))
		case op.minArgs == op.maxArgs:
			return fmt.Errorf("%s: accepts %d arg(s), received %d", op.name, op.minArgs, len(args))
		}
		return fmt.Errorf("%s: accepts between %d and %d arg(s), received %d", op.name, op.minArgs, op.maxArgs, len(args))
	}
	return nil
}

var operations = []*operation{
	{name: "ls", usage: "ls path", short: "List a directory", minArgs: 1, maxArgs: 1, run: runLs},
	{name: "stat", usage: "stat path", short: "Show the metadata of an entry", minArgs: 1, maxArgs: 1, run: runStat},
	{name: "cat", usage: "cat path", short: "Print the contents of a file", minArgs: 1, maxArgs: 1, run: runCat},
	{name: "write", usage: "write path [text...]", short: "Replace the contents of a file with text or stdin", minArgs: 1, maxArgs: math.MaxInt, run: runWrite(vfs.OptCreate | vfs.OptTruncate)},
	{name: "append", usage: "append path [text...]", short: "Append text or stdin to a file", minArgs: 1, maxArgs: math.MaxInt, run: runWrite(vfs.OptCreate | vfs.OptAppend)},
	{name: "truncate", usage: "truncate path size", short: "Resize a file", minArgs: 2, maxArgs: 2, run: runTruncate},
	{name: "mkdir", usage: "mkdir path", short: "Create a directory", minArgs: 1, maxArgs: 1, run: runMkdir},
	{name: "rm", usage: "rm path", short: "Remove a file, link or empty directory", minArgs: 1, maxArgs: 1, run: runRm},
	{name: "mv", usage: "mv from to", short: "Move an entry", minArgs: 2, maxArgs: 2, run: runMove(false)},
	{name: "cp", usage: "cp from to", short: "Copy an entry", minArgs: 2, maxArgs: 2, run: runMove(true)},
	{name: "ln", usage: "ln target path", short: "Create a hard link", minArgs: 2, maxArgs: 2, run: runLink(false)},
	{name: "symlink", usage: "symlink target path", short: "Create a symbolic link", minArgs: 2, maxArgs: 2, run: runLink(true)},
	{name: "readlink", usage: "readlink path", short: "Print the target of a symbolic link", minArgs: 1, maxArgs: 1, run: runReadLink},
	{name: "df", usage: "df path", short: "Show the file system an entry belongs to", minArgs: 1, maxArgs: 1, run: runDf},
	{name: "mount", usage: "mount type path [source]", short: "Mount a memfs or hostfs file system", minArgs: 2, maxArgs: 3, run: runMount},
	{name: "umount", usage: "umount path", short: "Unmount a file system", minArgs: 1, maxArgs: 1, run: runUmount},
	{name: "bind", usage: "bind source path", short: "Make a directory visible at another path", minArgs: 2, maxArgs: 2, run: runBind},
	{name: "unbind", usage: "unbind path", short: "Remove a bind", minArgs: 1, maxArgs: 1, run: runUnbind},
}

func lookupOperation(name string) *operation {
	for _, op := range operations {
		if op.name == name {
			return op
		}
	}
	return nil
}

func parentOf(p string) string {
	return path.Dir(path.Clean(p))
}

func typeChar(f backend.Flags) byte {
	switch {
	case f.IsDirectory():
		return 'd'
	case f.IsLink():
		return 'l'
	default:
		return '-'
	}
}

func formatEntry(st *vfs.Stat) string {
	line := fmt.Sprintf("%c%04o %10d %s %s", typeChar(st.Flags), st.Permissions, st.Size, st.Modified.UTC().Format(time.RFC3339), st.Name)
	if st.Flags.IsLink() {
		line += " -> " + st.LinkTarget
	}
	return line
}

func runLs(ctx context.Context, e *env, args []string) error {
	entries, err := e.svc.ReadDir(ctx, args[0])
	if err != nil {
		return fmt.Errorf("ls %q: %w", args[0], err)
	}
	for i := range entries {
		fmt.Fprintln(e.out, formatEntry(&entries[i]))
	}
	return nil
}

func runStat(ctx context.Context, e *env, args []string) error {
	st, err := e.svc.Stat(ctx, args[0], false)
	if err != nil {
		return fmt.Errorf("stat %q: %w", args[0], err)
	}
	fmt.Fprintf(e.out, "name: %s\n", st.Name)
	fmt.Fprintf(e.out, "id: %d\n", st.ID)
	fmt.Fprintf(e.out, "filesystem: %s\n", st.FileSystem)
	fmt.Fprintf(e.out, "type: %c\n", typeChar(st.Flags))
	fmt.Fprintf(e.out, "permissions: %04o\n", st.Permissions)
	fmt.Fprintf(e.out, "size: %d\n", st.Size)
	fmt.Fprintf(e.out, "modified: %s\n", st.Modified.UTC().Format(time.RFC3339))
	if st.Flags.IsLink() {
		fmt.Fprintf(e.out, "target: %s\n", st.LinkTarget)
	}
	return nil
}

// withHandle opens path, runs f and closes the handle again.
func withHandle(ctx context.Context, svc vfs.Service, p string, options vfs.OpenOptions, access vfs.Access, f func(id fuseops.HandleID) error) (err error) {
	id, err := svc.Open(ctx, p, options, access, 0)
	if err != nil {
		return
	}
	defer func() {
		err = errors.Join(err, svc.CloseHandle(ctx, id))
	}()

	return f(id)
}

func runCat(ctx context.Context, e *env, args []string) error {
	err := withHandle(ctx, e.svc, args[0], vfs.OptMustExist, readAccess, func(id fuseops.HandleID) error {
		buf := make([]byte, ioChunkSize)
		for {
			n, err := e.svc.Read(ctx, id, buf)
			if err != nil {
				return err
			}
			if n == 0 {
				return nil
			}
			if _, err = e.out.Write(buf[:n]); err != nil {
				return err
			}
		}
	})
	if err != nil {
		return fmt.Errorf("cat %q: %w", args[0], err)
	}
	return nil
}

func runWrite(options vfs.OpenOptions) func(context.Context, *env, []string) error {
	return func(ctx context.Context, e *env, args []string) error {
		in := e.in
		if len(args) > 1 {
			in = strings.NewReader(strings.Join(args[1:], " ") + "\n")
		}

		err := withHandle(ctx, e.svc, args[0], options, writeAccess, func(id fuseops.HandleID) error {
			buf := make([]byte, ioChunkSize)
			for {
				n, rerr := in.Read(buf)
				if n > 0 {
					if _, err := e.svc.Write(ctx, id, buf[:n]); err != nil {
						return err
					}
				}
				if rerr == io.EOF {
					return e.svc.Flush(ctx, id)
				}
				if rerr != nil {
					return rerr
				}
			}
		})
		if err != nil {
			return fmt.Errorf("write %q: %w", args[0], err)
		}
		return nil
	}
}

func runTruncate(ctx context.Context, e *env, args []string) error {
	size, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("truncate: size %q: %w", args[1], err)
	}

	err = withHandle(ctx, e.svc, args[0], vfs.OptMustExist, writeAccess, func(id fuseops.HandleID) error {
		return e.svc.SetSize(ctx, id, size)
	})
	if err != nil {
		return fmt.Errorf("truncate %q: %w", args[0], err)
	}
	return nil
}

func runMkdir(ctx context.Context, e *env, args []string) error {
	if err := e.svc.Mkdir(ctx, args[0], 0); err != nil {
		return fmt.Errorf("mkdir %q: %w", args[0], err)
	}
	return nil
}

func runRm(ctx context.Context, e *env, args []string) error {
	if err := e.svc.Unlink(ctx, args[0]); err != nil {
		return fmt.Errorf("rm %q: %w", args[0], err)
	}
	return nil
}

func runMove(copy bool) func(context.Context, *env, []string) error {
	return func(ctx context.Context, e *env, args []string) error {
		if err := e.svc.Move(ctx, args[0], args[1], copy); err != nil {
			return fmt.Errorf("move %q to %q: %w", args[0], args[1], err)
		}
		return nil
	}
}

func runLink(symbolic bool) func(context.Context, *env, []string) error {
	return func(ctx context.Context, e *env, args []string) error {
		if err := e.svc.Link(ctx, args[1], args[0], symbolic); err != nil {
			return fmt.Errorf("link %q to %q: %w", args[1], args[0], err)
		}
		return nil
	}
}

func runReadLink(ctx context.Context, e *env, args []string) error {
	target, err := e.svc.ReadLink(ctx, args[0])
	if err != nil {
		return fmt.Errorf("readlink %q: %w", args[0], err)
	}
	fmt.Fprintln(e.out, target)
	return nil
}

func runDf(ctx context.Context, e *env, args []string) error {
	st, err := e.svc.StatFS(ctx, args[0])
	if err != nil {
		return fmt.Errorf("df %q: %w", args[0], err)
	}
	mode := "rw"
	if st.ReadOnly {
		mode = "ro"
	}
	fmt.Fprintf(e.out, "%s %s %s blocks=%d free=%d bsize=%d\n", st.Label, st.FileSystem, mode, st.BlocksTotal, st.BlocksFree, st.BlockSize)
	return nil
}

func runMount(ctx context.Context, e *env, args []string) (err error) {
	at := args[1]
	label := path.Base(path.Clean(at))

	var b backend.Backend
	switch cfg.MountType(args[0]) {
	case cfg.MemFSMountType:
		b = memfs.New(timeutil.RealClock(), label, 0)
	case cfg.HostFSMountType:
		if len(args) < 3 {
			return fmt.Errorf("mount: %s needs a source", args[0])
		}
		if b, err = hostfs.New(args[2], label, false); err != nil {
			return fmt.Errorf("mount: %w", err)
		}
	default:
		return fmt.Errorf("mount: unknown type %q", args[0])
	}

	guid, err := e.svc.Mount(ctx, at, b, label)
	if err != nil {
		return fmt.Errorf("mount %q: %w", at, err)
	}
	fmt.Fprintln(e.out, guid)
	return nil
}

func runUmount(ctx context.Context, e *env, args []string) error {
	if err := e.svc.Unmount(ctx, args[0]); err != nil {
		return fmt.Errorf("umount %q: %w", args[0], err)
	}
	return nil
}

func runBind(ctx context.Context, e *env, args []string) error {
	if err := e.svc.Bind(ctx, args[0], args[1]); err != nil {
		return fmt.Errorf("bind %q to %q: %w", args[0], args[1], err)
	}
	return nil
}

func runUnbind(ctx context.Context, e *env, args []string) error {
	if err := e.svc.Unbind(ctx, args[0]); err != nil {
		return fmt.Errorf("unbind %q: %w", args[0], err)
	}
	return nil
}
