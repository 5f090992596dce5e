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

package backend

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// A directory entry record is a fixed little-endian header followed by the
// name bytes and the link target bytes:
//
//	0  name length       u32
//	4  link length       u32
//	8  owner             u32
//	12 permissions       u32
//	16 flags             u32
//	20 size              u64
//	28 accessed          i64 (unix nanoseconds, 0 for unset)
//	36 modified          i64
//	44 created           i64
const DirentHeaderSize = 52

// ErrTruncatedDirent is returned when a buffer ends in the middle of a record.
var ErrTruncatedDirent = errors.New("truncated directory entry record")

// DirentSize returns the encoded size of the record for st.
func DirentSize(st *Stat) int {
	return DirentHeaderSize + len(st.Name) + len(st.LinkTarget)
}

// AppendDirent appends the record for st to buf.
func AppendDirent(buf []byte, st *Stat) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(st.Name)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(st.LinkTarget)))
	buf = binary.LittleEndian.AppendUint32(buf, st.Owner)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(st.Permissions))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(st.Flags))
	buf = binary.LittleEndian.AppendUint64(buf, st.Size)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(toNanos(st.Accessed)))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(toNanos(st.Modified)))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(toNanos(st.Created)))
	buf = append(buf, st.Name...)
	buf = append(buf, st.LinkTarget...)
	return buf
}

// DecodeDirents parses every record in buf. buf must hold whole records only.
func DecodeDirents(buf []byte) (entries []Stat, err error) {
	for len(buf) > 0 {
		if len(buf) < DirentHeaderSize {
			err = fmt.Errorf("%w: %d header bytes", ErrTruncatedDirent, len(buf))
			return
		}

		nameLen := int(binary.LittleEndian.Uint32(buf[0:]))
		linkLen := int(binary.LittleEndian.Uint32(buf[4:]))
		total := DirentHeaderSize + nameLen + linkLen
		if nameLen == 0 || len(buf) < total {
			err = fmt.Errorf("%w: want %d bytes, have %d", ErrTruncatedDirent, total, len(buf))
			return
		}

		st := Stat{
			Owner:       binary.LittleEndian.Uint32(buf[8:]),
			Permissions: Permissions(binary.LittleEndian.Uint32(buf[12:])),
			Flags:       Flags(binary.LittleEndian.Uint32(buf[16:])),
			Size:        binary.LittleEndian.Uint64(buf[20:]),
			Accessed:    fromNanos(int64(binary.LittleEndian.Uint64(buf[28:]))),
			Modified:    fromNanos(int64(binary.LittleEndian.Uint64(buf[36:]))),
			Created:     fromNanos(int64(binary.LittleEndian.Uint64(buf[44:]))),
		}
		st.Name = string(buf[DirentHeaderSize : DirentHeaderSize+nameLen])
		st.LinkTarget = string(buf[DirentHeaderSize+nameLen : total])

		entries = append(entries, st)
		buf = buf[total:]
	}

	return
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

////////////////////////////////////////////////////////////////////////
// DirCursor
////////////////////////////////////////////////////////////////////////

// DirCursor streams a snapshot of directory entries as records, the way a
// backend answers Read on an open directory.
type DirCursor struct {
	entries []Stat
	next    int
}

func NewDirCursor(entries []Stat) *DirCursor {
	return &DirCursor{entries: entries}
}

// Read fills p with as many whole records as fit. It returns 0 and a nil error
// once every entry has been produced, and io.ErrShortBuffer if p cannot hold
// even the next record.
func (c *DirCursor) Read(p []byte) (n int, err error) {
	for c.next < len(c.entries) {
		st := &c.entries[c.next]
		size := DirentSize(st)
		if n+size > len(p) {
			break
		}

		AppendDirent(p[n:n], st)
		n += size
		c.next++
	}

	if n == 0 && c.next < len(c.entries) {
		err = io.ErrShortBuffer
	}

	return
}

// Rewind restarts the listing from the first entry.
func (c *DirCursor) Rewind() {
	c.next = 0
}

// Offset returns the number of entries produced so far.
func (c *DirCursor) Offset() int {
	return c.next
}
