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

// Package locker provides the lock types used by the node tree, with optional
// invariant checking and debug messages for locks held too long.
package locker

import (
	"runtime"
	"time"

	"github.com/jacobsa/syncutil"
	"github.com/vfsd/vfsd/internal/logger"
)

var (
	gEnableInvariantsCheck bool
	gEnableDebugMessages   bool
)

// How long an exclusive holder may keep a lock before a potential deadlock is
// reported.
var holdWarningAfter = 5 * time.Second

// EnableInvariantsCheck makes every lock created afterwards run its check
// function on exclusive acquire and release. It also turns on invariant
// checking for syncutil.InvariantMutex.
func EnableInvariantsCheck() {
	gEnableInvariantsCheck = true
	syncutil.EnableInvariantChecking()
}

// EnableDebugMessages makes every lock created afterwards log the stack of an
// exclusive holder that keeps the lock for too long.
func EnableDebugMessages() {
	gEnableDebugMessages = true
}

// holdTracker records who holds a lock exclusively. Only the exclusive holder
// touches it, so it needs no locking of its own.
type holdTracker struct {
	name   string
	holder string
	timer  *time.Timer
}

func (h *holdTracker) start() {
	buf := make([]byte, 2048)
	n := runtime.Stack(buf, false /* all */)
	h.holder = string(buf[:n])

	holder := h.holder
	h.timer = time.AfterFunc(holdWarningAfter, func() {
		logger.Tracef("debug_mutex: Potential dead lock detected for a lock %q held by: %v\n", h.name, holder)
	})
}

func (h *holdTracker) stop() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.holder = ""
}
