// Copyright 2023 Google Inc. All Rights Reserved.
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

package locker

import (
	"sync"
)

// RWLocker is a plain reader/writer lock for state that never needs to be
// upgraded in place, such as the entry table of an in-memory backend.
type RWLocker interface {
	sync.Locker
	RLock()
	RUnlock()
}

// NewRW returns a RW locker with potential capability for debugging.
//
// Note: The deadlock detection is done only for writer lock and not for reader
// lock.
func NewRW(name string, check func()) RWLocker {
	var l RWLocker = &sync.RWMutex{}

	if gEnableInvariantsCheck && check != nil {
		l = &rwChecker{wrapped: l, check: check}
	}

	if gEnableDebugMessages {
		l = &rwDebugger{wrapped: l, hold: holdTracker{name: name}}
	}

	return l
}

type rwChecker struct {
	wrapped RWLocker
	check   func()
}

func (c *rwChecker) Lock() {
	c.wrapped.Lock()
	c.check()
}

func (c *rwChecker) Unlock() {
	c.check()
	c.wrapped.Unlock()
}

func (c *rwChecker) RLock() {
	c.wrapped.RLock()
	c.check()
}

func (c *rwChecker) RUnlock() {
	c.check()
	c.wrapped.RUnlock()
}

type rwDebugger struct {
	wrapped RWLocker
	hold    holdTracker
}

func (d *rwDebugger) Lock() {
	d.wrapped.Lock()
	d.hold.start()
}

func (d *rwDebugger) Unlock() {
	d.hold.stop()
	d.wrapped.Unlock()
}

func (d *rwDebugger) RLock()   { d.wrapped.RLock() }
func (d *rwDebugger) RUnlock() { d.wrapped.RUnlock() }
