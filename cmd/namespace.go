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
	"os"
	"path"
	"syscall"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/vfsd/vfsd/cfg"
	"github.com/vfsd/vfsd/internal/backend"
	"github.com/vfsd/vfsd/internal/backend/hostfs"
	"github.com/vfsd/vfsd/internal/backend/memfs"
	"github.com/vfsd/vfsd/internal/logger"
	"github.com/vfsd/vfsd/internal/ratelimit"
	"github.com/vfsd/vfsd/internal/vfs"
	"github.com/vfsd/vfsd/internal/vfs/wrappers"
	"github.com/vfsd/vfsd/metrics"
)

const (
	rootLabel = "root"

	// Window over which the throttle limits are enforced.
	throttleWindow = 30 * time.Second
)

// Spans go to stderr so they never mix with command output.
var traceWriter io.Writer = os.Stderr

// namespace is the service assembled from the config, plus what has to be
// torn down with it.
type namespace struct {
	vfs.Service

	// Called after Destroy, in order.
	shutdown []func(context.Context) error
}

// Close destroys the namespace and releases the telemetry pipelines.
func (n *namespace) Close(ctx context.Context) (err error) {
	err = n.Destroy(ctx)
	for _, f := range n.shutdown {
		err = errors.Join(err, f(ctx))
	}
	return
}

func makeThrottle(rateHz float64) (t ratelimit.Throttle, err error) {
	if rateHz <= 0 {
		return
	}

	capacity, err := ratelimit.ChooseLimiterCapacity(rateHz, throttleWindow)
	if err != nil {
		err = fmt.Errorf("ChooseLimiterCapacity: %w", err)
		return
	}

	t = ratelimit.NewThrottle(rateHz, capacity)
	return
}

// throttler wraps backends according to the throttle section of the config.
type throttler struct {
	op      ratelimit.Throttle
	egress  ratelimit.Throttle
	ingress ratelimit.Throttle
}

func newThrottler(c *cfg.ThrottleConfig) (t *throttler, err error) {
	t = &throttler{}
	if t.op, err = makeThrottle(c.OpRateLimitHz); err != nil {
		return
	}
	if t.egress, err = makeThrottle(c.EgressBandwidthLimitBytesPerSecond); err != nil {
		return
	}
	if t.ingress, err = makeThrottle(c.IngressBandwidthLimitBytesPerSecond); err != nil {
		return
	}
	return
}

func (t *throttler) wrap(b backend.Backend) backend.Backend {
	if t.op == nil && t.egress == nil && t.ingress == nil {
		return b
	}
	return ratelimit.NewThrottledBackend(t.op, t.egress, t.ingress, b)
}

// newNamespace builds the namespace described by c: an in-memory root with
// the mount table applied in order.
func newNamespace(ctx context.Context, c *cfg.Config) (n *namespace, err error) {
	clock := timeutil.RealClock()

	t, err := newThrottler(&c.Throttle)
	if err != nil {
		return
	}

	v := vfs.New(t.wrap(memfs.New(clock, rootLabel, 0)), rootLabel, vfs.Config{
		Clock:              clock,
		SymlinkMaxDepth:    int(c.Vfs.SymlinkMaxDepth),
		TransferBufferSize: int(c.Vfs.TransferBufferSizeMb) << 20,
		DirMode:            backend.Permissions(c.Vfs.DirMode),
		FileMode:           backend.Permissions(c.Vfs.FileMode),
	})

	var svc vfs.Service = v
	n = &namespace{Service: v}

	mh := metrics.NewNoopMetrics()
	if c.Metrics.Enable {
		var shutdown func(context.Context) error
		if mh, shutdown, err = setupMetrics(ctx, &c.Metrics); err != nil {
			err = errors.Join(err, n.Close(ctx))
			n = nil
			return
		}
		n.shutdown = append(n.shutdown, shutdown)
	}
	svc = wrappers.WithMonitoring(svc, mh)

	if c.Logging.Severity.Rank() <= cfg.DebugLogSeverity.Rank() {
		svc = wrappers.WithDebugLogging(svc)
	}

	shutdown, err := setupTracing(&c.Tracing, traceWriter)
	if err != nil {
		err = errors.Join(err, n.Close(ctx))
		n = nil
		return
	}
	if shutdown != nil {
		n.shutdown = append(n.shutdown, shutdown)
		svc = wrappers.WithTracing(svc)
	}

	n.Service = wrappers.WithErrorMapping(svc)

	if err = applyMountTable(ctx, n.Service, c.Mounts, t, clock); err != nil {
		err = errors.Join(err, n.Close(ctx))
		n = nil
		return
	}

	return
}

// applyMountTable mounts every entry of mounts, creating missing mount
// points.
func applyMountTable(ctx context.Context, svc vfs.Service, mounts []cfg.MountConfig, t *throttler, clock timeutil.Clock) (err error) {
	for _, m := range mounts {
		if err = ensureDirectory(ctx, svc, m.Path); err != nil {
			return fmt.Errorf("mount point %q: %w", m.Path, err)
		}

		switch m.Type {
		case cfg.BindMountType:
			err = svc.Bind(ctx, m.Source, m.Path)

		case cfg.HostFSMountType:
			var hfs *hostfs.FileSystem
			if hfs, err = hostfs.New(m.Source, m.Label, false); err != nil {
				break
			}
			_, err = svc.Mount(ctx, m.Path, t.wrap(hfs), m.Label)

		case cfg.MemFSMountType:
			label := m.Label
			if label == "" {
				label = path.Base(m.Path)
			}
			_, err = svc.Mount(ctx, m.Path, t.wrap(memfs.New(clock, label, 0)), label)

		default:
			err = fmt.Errorf("unknown mount type %q", m.Type)
		}

		if err != nil {
			return fmt.Errorf("%s mount at %q: %w", m.Type, m.Path, err)
		}
		logger.Debugf("Applied %s mount at %q", m.Type, m.Path)
	}
	return
}

// ensureDirectory creates the directory at path and its missing parents.
func ensureDirectory(ctx context.Context, svc vfs.Service, path string) (err error) {
	st, err := svc.Stat(ctx, path, true)
	if err == nil {
		if !st.Flags.IsDirectory() {
			err = vfs.ErrNotDirectory
		}
		return
	}

	parent := parentOf(path)
	if parent != path {
		if err = ensureDirectory(ctx, svc, parent); err != nil {
			return
		}
	}

	err = svc.Mkdir(ctx, path, 0)
	if errors.Is(err, syscall.EEXIST) {
		err = nil
	}
	return
}
