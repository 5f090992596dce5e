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

package backend_test

import (
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
	"github.com/vfsd/vfsd/internal/backend"
)

func TestDirent(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type DirentTest struct {
	entries []backend.Stat
}

func init() { RegisterTestSuite(&DirentTest{}) }

func (t *DirentTest) SetUp(ti *TestInfo) {
	when := time.Date(2024, 3, 1, 12, 0, 0, 17, time.Local)

	t.entries = []backend.Stat{
		{
			Name:        "taco",
			Owner:       1000,
			Permissions: 0644,
			Flags:       backend.FlagFile,
			Size:        17,
			Accessed:    when,
			Modified:    when.Add(time.Second),
			Created:     when.Add(-time.Hour),
		},
		{
			Name:        "burrito",
			Permissions: 0755,
			Flags:       backend.FlagDirectory,
		},
		{
			Name:        "enchilada",
			LinkTarget:  "../taco",
			Permissions: 0777,
			Flags:       backend.FlagLink,
			Size:        7,
		},
	}
}

func (t *DirentTest) encodeAll() (buf []byte) {
	for i := range t.entries {
		buf = backend.AppendDirent(buf, &t.entries[i])
	}
	return
}

func (t *DirentTest) expectEntries(actual []backend.Stat) {
	AssertEq(len(t.entries), len(actual))
	for i := range actual {
		want := &t.entries[i]
		got := &actual[i]

		ExpectEq(want.Name, got.Name)
		ExpectEq(want.LinkTarget, got.LinkTarget)
		ExpectEq(want.Owner, got.Owner)
		ExpectEq(want.Permissions, got.Permissions)
		ExpectEq(want.Flags, got.Flags)
		ExpectEq(want.Size, got.Size)
		ExpectTrue(want.Accessed.Equal(got.Accessed), "%v", got.Accessed)
		ExpectTrue(want.Modified.Equal(got.Modified), "%v", got.Modified)
		ExpectTrue(want.Created.Equal(got.Created), "%v", got.Created)
	}
}

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *DirentTest) HeaderLayout() {
	buf := backend.AppendDirent(nil, &t.entries[2])

	AssertEq(backend.DirentHeaderSize+len("enchilada")+len("../taco"), len(buf))
	ExpectEq(len("enchilada"), binary.LittleEndian.Uint32(buf[0:]))
	ExpectEq(len("../taco"), binary.LittleEndian.Uint32(buf[4:]))
	ExpectEq(0777, binary.LittleEndian.Uint32(buf[12:]))
	ExpectEq(uint32(backend.FlagLink), binary.LittleEndian.Uint32(buf[16:]))
	ExpectEq(7, binary.LittleEndian.Uint64(buf[20:]))
	ExpectEq("enchilada../taco", string(buf[backend.DirentHeaderSize:]))
}

func (t *DirentTest) ZeroTimesStayZero() {
	entries, err := backend.DecodeDirents(backend.AppendDirent(nil, &t.entries[1]))

	AssertEq(nil, err)
	AssertEq(1, len(entries))
	ExpectTrue(entries[0].Accessed.IsZero())
	ExpectTrue(entries[0].Modified.IsZero())
	ExpectTrue(entries[0].Created.IsZero())
}

func (t *DirentTest) DecodeRoundTrip() {
	entries, err := backend.DecodeDirents(t.encodeAll())

	AssertEq(nil, err)
	t.expectEntries(entries)
}

func (t *DirentTest) DecodeEmptyBuffer() {
	entries, err := backend.DecodeDirents(nil)

	AssertEq(nil, err)
	ExpectEq(0, len(entries))
}

func (t *DirentTest) DecodeTruncatedHeader() {
	buf := t.encodeAll()

	_, err := backend.DecodeDirents(buf[:backend.DirentHeaderSize-1])

	ExpectTrue(errors.Is(err, backend.ErrTruncatedDirent))
	ExpectThat(err, Error(HasSubstr("header bytes")))
}

func (t *DirentTest) DecodeTruncatedName() {
	buf := backend.AppendDirent(nil, &t.entries[0])

	_, err := backend.DecodeDirents(buf[:len(buf)-1])

	ExpectTrue(errors.Is(err, backend.ErrTruncatedDirent))
}

func (t *DirentTest) CursorFillsWholeRecordsOnly() {
	cursor := backend.NewDirCursor(t.entries)
	first := backend.DirentSize(&t.entries[0])
	second := backend.DirentSize(&t.entries[1])

	// Room for the first record and part of the second.
	p := make([]byte, first+second-1)
	n, err := cursor.Read(p)

	AssertEq(nil, err)
	ExpectEq(first, n)
	ExpectEq(1, cursor.Offset())
}

func (t *DirentTest) CursorStreamsEverythingThenEnds() {
	cursor := backend.NewDirCursor(t.entries)
	p := make([]byte, 80)

	var all []byte
	for {
		n, err := cursor.Read(p)
		AssertEq(nil, err)
		if n == 0 {
			break
		}
		all = append(all, p[:n]...)
	}

	entries, err := backend.DecodeDirents(all)
	AssertEq(nil, err)
	t.expectEntries(entries)
}

func (t *DirentTest) CursorShortBuffer() {
	cursor := backend.NewDirCursor(t.entries)

	n, err := cursor.Read(make([]byte, backend.DirentHeaderSize))

	ExpectEq(0, n)
	ExpectEq(io.ErrShortBuffer, err)
	ExpectEq(0, cursor.Offset())
}

func (t *DirentTest) CursorRewind() {
	cursor := backend.NewDirCursor(t.entries)
	p := make([]byte, 4096)

	n, err := cursor.Read(p)
	AssertEq(nil, err)
	AssertEq(len(t.encodeAll()), n)

	n, err = cursor.Read(p)
	AssertEq(nil, err)
	ExpectEq(0, n)

	cursor.Rewind()
	n, err = cursor.Read(p)
	AssertEq(nil, err)
	ExpectEq(len(t.encodeAll()), n)
}
