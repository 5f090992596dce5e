// Copyright 2015 Google Inc. All Rights Reserved.
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

package ratelimit

import (
	"context"
	"io"

	"github.com/vfsd/vfsd/internal/backend"
)

// Reads are never cut below the size of the largest directory record: a
// 255 byte name and a link target of up to 4096 bytes. Directory listings
// fail when a single record does not fit.
const minReadSize = backend.DirentHeaderSize + 255 + 4096

// NewThrottledBackend creates a backend that limits the rate at which it calls
// the wrapped backend using opThrottle, the bandwidth with which it reads
// using egressThrottle and the bandwidth with which it writes using
// ingressThrottle. A nil throttle does not limit anything.
func NewThrottledBackend(
	opThrottle Throttle,
	egressThrottle Throttle,
	ingressThrottle Throttle,
	wrapped backend.Backend) (b backend.Backend) {
	b = &throttledBackend{
		opThrottle:      opThrottle,
		egressThrottle:  egressThrottle,
		ingressThrottle: ingressThrottle,
		wrapped:         wrapped,
	}
	return
}

////////////////////////////////////////////////////////////////////////
// throttledBackend
////////////////////////////////////////////////////////////////////////

type throttledBackend struct {
	opThrottle      Throttle
	egressThrottle  Throttle
	ingressThrottle Throttle
	wrapped         backend.Backend
}

var _ backend.Flusher = &throttledBackend{}

// Wait for permission to call through.
func (b *throttledBackend) op(ctx context.Context) error {
	if b.opThrottle == nil {
		return nil
	}
	return b.opThrottle.Wait(ctx, 1)
}

func (b *throttledBackend) Open(ctx context.Context, path string) (d backend.Data, err error) {
	if err = b.op(ctx); err != nil {
		return
	}

	d, err = b.wrapped.Open(ctx, path)
	return
}

func (b *throttledBackend) Create(
	ctx context.Context,
	parent backend.Data,
	name string,
	owner uint32,
	flags backend.Flags,
	perms backend.Permissions) (d backend.Data, err error) {
	if err = b.op(ctx); err != nil {
		return
	}

	d, err = b.wrapped.Create(ctx, parent, name, owner, flags, perms)
	return
}

// Close is never throttled so that cleanup paths cannot fail on a cancelled
// context.
func (b *throttledBackend) Close(ctx context.Context, d backend.Data) error {
	return b.wrapped.Close(ctx, d)
}

func (b *throttledBackend) Read(ctx context.Context, d backend.Data, p []byte) (n int, err error) {
	if err = b.op(ctx); err != nil {
		return
	}

	if b.egressThrottle != nil {
		limit := max(b.egressThrottle.Capacity(), minReadSize)
		if uint64(len(p)) > limit {
			p = p[:limit]
		}

		if err = b.waitChunked(ctx, b.egressThrottle, uint64(len(p))); err != nil {
			return
		}
	}

	n, err = b.wrapped.Read(ctx, d, p)
	return
}

// waitChunked acquires tokens from t in pieces no larger than its capacity.
func (b *throttledBackend) waitChunked(ctx context.Context, t Throttle, tokens uint64) (err error) {
	c := max(t.Capacity(), 1)
	for tokens > 0 {
		chunk := min(tokens, c)
		if err = t.Wait(ctx, chunk); err != nil {
			return
		}
		tokens -= chunk
	}
	return
}

func (b *throttledBackend) Write(ctx context.Context, d backend.Data, p []byte) (n int, err error) {
	if err = b.op(ctx); err != nil {
		return
	}

	if b.ingressThrottle == nil {
		n, err = b.wrapped.Write(ctx, d, p)
		return
	}

	// Feed the write through in pieces no larger than the throttle's capacity.
	c := b.ingressThrottle.Capacity()
	for len(p) > 0 {
		chunk := p
		if uint64(len(chunk)) > c {
			chunk = chunk[:c]
		}

		if err = b.ingressThrottle.Wait(ctx, uint64(len(chunk))); err != nil {
			return
		}

		var tmp int
		tmp, err = b.wrapped.Write(ctx, d, chunk)
		n += tmp
		if err != nil {
			return
		}

		if tmp == 0 {
			err = io.ErrShortWrite
			return
		}

		p = p[tmp:]
	}

	return
}

func (b *throttledBackend) Seek(ctx context.Context, d backend.Data, pos uint64) (newPos uint64, err error) {
	if err = b.op(ctx); err != nil {
		return
	}

	newPos, err = b.wrapped.Seek(ctx, d, pos)
	return
}

func (b *throttledBackend) Truncate(ctx context.Context, d backend.Data, size uint64) (err error) {
	if err = b.op(ctx); err != nil {
		return
	}

	err = b.wrapped.Truncate(ctx, d, size)
	return
}

func (b *throttledBackend) StatFS(ctx context.Context) (st backend.FSStat, err error) {
	if err = b.op(ctx); err != nil {
		return
	}

	st, err = b.wrapped.StatFS(ctx)
	return
}

func (b *throttledBackend) Stat(ctx context.Context, d backend.Data) (st backend.Stat, err error) {
	if err = b.op(ctx); err != nil {
		return
	}

	st, err = b.wrapped.Stat(ctx, d)
	return
}

func (b *throttledBackend) Link(
	ctx context.Context,
	parent backend.Data,
	name string,
	target string,
	symbolic bool) (err error) {
	if err = b.op(ctx); err != nil {
		return
	}

	err = b.wrapped.Link(ctx, parent, name, target, symbolic)
	return
}

func (b *throttledBackend) Unlink(ctx context.Context, path string) (err error) {
	if err = b.op(ctx); err != nil {
		return
	}

	err = b.wrapped.Unlink(ctx, path)
	return
}

func (b *throttledBackend) ReadLink(ctx context.Context, path string) (target string, err error) {
	if err = b.op(ctx); err != nil {
		return
	}

	target, err = b.wrapped.ReadLink(ctx, path)
	return
}

func (b *throttledBackend) Move(ctx context.Context, from string, to string, copy bool) (err error) {
	if err = b.op(ctx); err != nil {
		return
	}

	err = b.wrapped.Move(ctx, from, to, copy)
	return
}

func (b *throttledBackend) Flush(ctx context.Context, d backend.Data) (err error) {
	f, ok := b.wrapped.(backend.Flusher)
	if !ok {
		return
	}

	if err = b.op(ctx); err != nil {
		return
	}

	err = f.Flush(ctx, d)
	return
}
