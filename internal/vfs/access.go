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

// Access is the access kind a handle is opened with.
type Access uint32

const (
	AccessRead       Access = 0x1
	AccessWrite      Access = 0x2
	AccessReadShare  Access = 0x100
	AccessWriteShare Access = 0x200

	// Held by mount and bind points on the node they redirect. It neither
	// reads nor writes, and shares both.
	pinAccess = AccessReadShare | AccessWriteShare
)

// Exclusive reports whether a handle of this kind refuses to coexist with any
// other handle on the same node.
func (a Access) Exclusive() bool {
	return (a&AccessRead != 0 && a&AccessReadShare == 0) ||
		(a&AccessWrite != 0 && a&AccessWriteShare == 0)
}

// conflicts reports whether a handle of kind a may not be opened next to
// handles of the given kinds.
func (a Access) conflicts(existing []Access) bool {
	if len(existing) == 0 {
		return false
	}

	if a.Exclusive() {
		return true
	}

	for _, e := range existing {
		if e.Exclusive() {
			return true
		}
	}

	return false
}

// OpenOptions control how Open treats a missing or present entry.
type OpenOptions uint32

const (
	OptCreate      OpenOptions = 0x1
	OptTruncate    OpenOptions = 0x2
	OptMustExist   OpenOptions = 0x4
	OptFailOnExist OpenOptions = 0x8
	OptAppend      OpenOptions = 0x100
	// With OptCreate, create a directory. Otherwise require one.
	OptDirectory OpenOptions = 0x200
)
