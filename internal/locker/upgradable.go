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
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Upgradable is a reader/writer lock whose readers only ever hold an internal
// mutex for the duration of a counter transition. A writer is admitted through
// a FIFO queue shared with promoters; once admitted it refuses new readers and
// waits for the existing ones to drain.
//
// Access is only possible through guards:
//
//   - RLock returns a *Shared.
//   - Lock returns an *Exclusive.
//   - Shared.Promote returns a *Promoted, the only guard that can Demote.
//
// Every guard must be released exactly once. Releasing a guard twice panics.
type Upgradable struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	check func()

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Admission of writers and promoters, FIFO ordered. Holding the single
	// unit means owning the right to be the next (or current) writer.
	admit *semaphore.Weighted

	mu sync.Mutex

	// GUARDED_BY(mu)
	readers int

	// Set from the moment an admitted writer starts draining until it
	// releases or demotes.
	//
	// GUARDED_BY(mu)
	writing bool

	// Closed and replaced whenever readers or writing change.
	//
	// GUARDED_BY(mu)
	changed chan struct{}

	// Touched only by the exclusive holder.
	hold  holdTracker
	debug bool
}

// NewUpgradable creates an unlocked lock. check, if non-nil and invariant
// checking is enabled, runs after every exclusive acquire and before every
// exclusive release.
func NewUpgradable(name string, check func()) *Upgradable {
	l := &Upgradable{
		admit:   semaphore.NewWeighted(1),
		changed: make(chan struct{}),
		hold:    holdTracker{name: name},
		debug:   gEnableDebugMessages,
	}
	if gEnableInvariantsCheck {
		l.check = check
	}
	return l
}

// Readers returns the number of outstanding read claims.
func (l *Upgradable) Readers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readers
}

// RLock takes a read claim. It blocks only while a writer is draining or
// active.
func (l *Upgradable) RLock(ctx context.Context) (s *Shared, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for l.writing {
		if err = l.wait(ctx); err != nil {
			return
		}
	}

	l.readers++
	s = &Shared{l: l}
	return
}

// TryRLock takes a read claim only if that is possible without waiting.
func (l *Upgradable) TryRLock() (s *Shared, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writing {
		return
	}

	l.readers++
	s = &Shared{l: l}
	ok = true
	return
}

// Lock waits for admission, refuses new readers, and then waits for the
// existing readers to drain.
func (l *Upgradable) Lock(ctx context.Context) (e *Exclusive, err error) {
	if err = l.acquire(ctx); err != nil {
		return
	}

	e = &Exclusive{l: l}
	return
}

// LOCKS_REQUIRED(l.mu)
func (l *Upgradable) wait(ctx context.Context) (err error) {
	ch := l.changed
	l.mu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
		err = ctx.Err()
	}

	l.mu.Lock()
	return
}

// LOCKS_REQUIRED(l.mu)
func (l *Upgradable) broadcast() {
	close(l.changed)
	l.changed = make(chan struct{})
}

func (l *Upgradable) acquire(ctx context.Context) (err error) {
	if err = l.admit.Acquire(ctx, 1); err != nil {
		return
	}

	l.mu.Lock()
	l.writing = true
	for l.readers > 0 {
		if err = l.wait(ctx); err != nil {
			l.writing = false
			l.broadcast()
			l.mu.Unlock()
			l.admit.Release(1)
			return
		}
	}
	l.mu.Unlock()

	if l.debug {
		l.hold.start()
	}
	if l.check != nil {
		l.check()
	}
	return
}

// release gives up exclusive ownership, optionally converting it back into a
// read claim.
func (l *Upgradable) release(keepRead bool) {
	if l.check != nil {
		l.check()
	}
	if l.debug {
		l.hold.stop()
	}

	l.mu.Lock()
	if keepRead {
		l.readers++
	}
	l.writing = false
	l.broadcast()
	l.mu.Unlock()

	l.admit.Release(1)
}

func (l *Upgradable) runlock() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.readers <= 0 {
		panic("locker: read unlock without a read claim")
	}

	l.readers--
	if l.readers == 0 && l.writing {
		l.broadcast()
	}
}

////////////////////////////////////////////////////////////////////////
// Guards
////////////////////////////////////////////////////////////////////////

type guard struct {
	released atomic.Bool
}

func (g *guard) markReleased() {
	if !g.released.CompareAndSwap(false, true) {
		panic("locker: guard released twice")
	}
}

// Shared is one read claim on an Upgradable lock.
type Shared struct {
	guard
	l *Upgradable
}

// Unlock gives up the read claim.
func (s *Shared) Unlock() {
	s.markReleased()
	s.l.runlock()
}

// Clone takes an additional read claim on behalf of the caller, who already
// holds s. Because a writer cannot finish draining while s is held, the new
// claim is granted without waiting.
func (s *Shared) Clone() *Shared {
	if s.released.Load() {
		panic("locker: clone of released guard")
	}

	s.l.mu.Lock()
	s.l.readers++
	s.l.mu.Unlock()

	return &Shared{l: s.l}
}

// Promote converts the read claim into exclusive ownership. The read claim is
// given up first and the caller then queues behind any writer admitted
// earlier, so state observed under the read claim must be re-checked once
// Promote returns.
//
// s is consumed whether or not Promote succeeds. On error the caller holds
// nothing.
func (s *Shared) Promote(ctx context.Context) (p *Promoted, err error) {
	s.Unlock()

	if err = s.l.acquire(ctx); err != nil {
		return
	}

	p = &Promoted{l: s.l}
	return
}

// Exclusive is write ownership obtained through Upgradable.Lock.
type Exclusive struct {
	guard
	l *Upgradable
}

// Unlock gives up write ownership.
func (e *Exclusive) Unlock() {
	e.markReleased()
	e.l.release(false)
}

// Promoted is write ownership obtained by promoting a read claim.
type Promoted struct {
	guard
	l *Upgradable
}

// Demote returns to a single read claim without letting a writer in between.
func (p *Promoted) Demote() *Shared {
	p.markReleased()
	p.l.release(true)
	return &Shared{l: p.l}
}

// Unlock gives up write ownership entirely, without restoring the read claim.
func (p *Promoted) Unlock() {
	p.markReleased()
	p.l.release(false)
}
