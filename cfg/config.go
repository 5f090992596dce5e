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

package cfg

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	AppName string `yaml:"app-name"`

	Debug DebugConfig `yaml:"debug"`

	Logging LoggingConfig `yaml:"logging"`

	Metrics MetricsConfig `yaml:"metrics"`

	Mounts []MountConfig `yaml:"mounts"`

	Throttle ThrottleConfig `yaml:"throttle"`

	Tracing TracingConfig `yaml:"tracing"`

	Vfs VfsConfig `yaml:"vfs"`
}

type DebugConfig struct {
	ExitOnInvariantViolation bool `yaml:"exit-on-invariant-violation"`

	LogMutex bool `yaml:"log-mutex"`
}

type LogRotateLoggingConfig struct {
	BackupFileCount int64 `yaml:"backup-file-count"`

	Compress bool `yaml:"compress"`

	MaxFileSizeMb int64 `yaml:"max-file-size-mb"`
}

type LoggingConfig struct {
	FilePath ResolvedPath `yaml:"file-path"`

	Format string `yaml:"format"`

	LogRotate LogRotateLoggingConfig `yaml:"log-rotate"`

	Severity LogSeverity `yaml:"severity"`
}

type MetricsConfig struct {
	Enable bool `yaml:"enable"`

	BufferSize int64 `yaml:"buffer-size"`

	Workers int64 `yaml:"workers"`
}

// MountConfig describes one entry of the mount table applied at start-up.
type MountConfig struct {
	// Path in the namespace to mount on. Created as a directory when missing.
	Path string `yaml:"path"`

	Type MountType `yaml:"type"`

	// Host directory for hostfs, namespace path for bind. Unused for memfs.
	Source string `yaml:"source"`

	Label string `yaml:"label"`
}

type ThrottleConfig struct {
	EgressBandwidthLimitBytesPerSecond float64 `yaml:"egress-bandwidth-limit-bytes-per-sec"`

	IngressBandwidthLimitBytesPerSecond float64 `yaml:"ingress-bandwidth-limit-bytes-per-sec"`

	OpRateLimitHz float64 `yaml:"op-rate-limit-hz"`
}

type TracingConfig struct {
	// Where spans go: "" disables tracing, "stdout" prints them.
	Mode string `yaml:"mode"`
}

type VfsConfig struct {
	DirMode Octal `yaml:"dir-mode"`

	FileMode Octal `yaml:"file-mode"`

	SymlinkMaxDepth int64 `yaml:"symlink-max-depth"`

	TransferBufferSizeMb int64 `yaml:"transfer-buffer-size-mb"`
}

func BindFlags(flagSet *pflag.FlagSet) (v *viper.Viper, err error) {
	v = viper.New()

	flagSet.StringP("app-name", "", "", "The application name of this namespace.")

	if err = v.BindPFlag("app-name", flagSet.Lookup("app-name")); err != nil {
		return
	}

	flagSet.BoolP("debug_invariants", "", false, "Exit when internal invariants are violated.")

	if err = v.BindPFlag("debug.exit-on-invariant-violation", flagSet.Lookup("debug_invariants")); err != nil {
		return
	}

	flagSet.BoolP("debug_mutex", "", false, "Print debug messages when a mutex is held too long.")

	if err = v.BindPFlag("debug.log-mutex", flagSet.Lookup("debug_mutex")); err != nil {
		return
	}

	flagSet.StringP("log-file", "", "", "The file for storing logs that can be parsed by fluentd. When not provided, plain text logs are printed to stderr.")

	if err = v.BindPFlag("logging.file-path", flagSet.Lookup("log-file")); err != nil {
		return
	}

	flagSet.StringP("log-format", "", "text", "The format of the log file: 'text' or 'json'.")

	if err = v.BindPFlag("logging.format", flagSet.Lookup("log-format")); err != nil {
		return
	}

	flagSet.StringP("log-severity", "", "INFO", "Specifies the logging severity expressed as one of [trace, debug, info, warning, error, off]")

	if err = v.BindPFlag("logging.severity", flagSet.Lookup("log-severity")); err != nil {
		return
	}

	flagSet.IntP("log-rotate-max-file-size-mb", "", DefaultLogRotateMaxFileSizeMb, "The maximum size in megabytes that a log file can reach before it is rotated.")

	if err = v.BindPFlag("logging.log-rotate.max-file-size-mb", flagSet.Lookup("log-rotate-max-file-size-mb")); err != nil {
		return
	}

	flagSet.IntP("log-rotate-backup-file-count", "", DefaultLogRotateBackupFileCount, "The maximum number of backup log files to retain after they have been rotated. 0 retains all.")

	if err = v.BindPFlag("logging.log-rotate.backup-file-count", flagSet.Lookup("log-rotate-backup-file-count")); err != nil {
		return
	}

	flagSet.BoolP("log-rotate-compress", "", true, "Controls whether the rotated log files should be compressed using gzip.")

	if err = v.BindPFlag("logging.log-rotate.compress", flagSet.Lookup("log-rotate-compress")); err != nil {
		return
	}

	flagSet.BoolP("enable-metrics", "", false, "Record operation metrics through OpenTelemetry.")

	if err = v.BindPFlag("metrics.enable", flagSet.Lookup("enable-metrics")); err != nil {
		return
	}

	flagSet.IntP("metrics-workers", "", DefaultMetricsWorkers, "Number of goroutines recording histogram samples.")

	if err = v.BindPFlag("metrics.workers", flagSet.Lookup("metrics-workers")); err != nil {
		return
	}

	flagSet.IntP("metrics-buffer-size", "", DefaultMetricsBufferSize, "Number of histogram samples buffered before new samples are dropped.")

	if err = v.BindPFlag("metrics.buffer-size", flagSet.Lookup("metrics-buffer-size")); err != nil {
		return
	}

	flagSet.Float64P("limit-ops-per-sec", "", -1, "Operations per second limit for every backend, measured over a 30-second window. A value of -1 means no limit.")

	if err = v.BindPFlag("throttle.op-rate-limit-hz", flagSet.Lookup("limit-ops-per-sec")); err != nil {
		return
	}

	flagSet.Float64P("limit-bytes-per-sec", "", -1, "Bandwidth limit for reading data from backends, measured over a 30-second window. A value of -1 means no limit.")

	if err = v.BindPFlag("throttle.egress-bandwidth-limit-bytes-per-sec", flagSet.Lookup("limit-bytes-per-sec")); err != nil {
		return
	}

	flagSet.Float64P("limit-write-bytes-per-sec", "", -1, "Bandwidth limit for writing data to backends, measured over a 30-second window. A value of -1 means no limit.")

	if err = v.BindPFlag("throttle.ingress-bandwidth-limit-bytes-per-sec", flagSet.Lookup("limit-write-bytes-per-sec")); err != nil {
		return
	}

	flagSet.StringP("dir-mode", "", "755", "Permissions bits for directories created without explicit permissions, in octal.")

	if err = v.BindPFlag("vfs.dir-mode", flagSet.Lookup("dir-mode")); err != nil {
		return
	}

	flagSet.StringP("file-mode", "", "644", "Permissions bits for files created without explicit permissions, in octal.")

	if err = v.BindPFlag("vfs.file-mode", flagSet.Lookup("file-mode")); err != nil {
		return
	}

	flagSet.IntP("symlink-max-depth", "", DefaultSymlinkMaxDepth, "Maximum number of symbolic links followed while resolving one path.")

	if err = v.BindPFlag("vfs.symlink-max-depth", flagSet.Lookup("symlink-max-depth")); err != nil {
		return
	}

	flagSet.IntP("transfer-buffer-size-mb", "", DefaultTransferBufferSizeMb, "Size of the per-filesystem scratch buffer used to copy data between filesystems.")

	if err = v.BindPFlag("vfs.transfer-buffer-size-mb", flagSet.Lookup("transfer-buffer-size-mb")); err != nil {
		return
	}

	flagSet.StringP("experimental-tracing-mode", "", "", "Experimental: specify the tracing mode. Only 'stdout' is supported; empty disables tracing.")

	if err = v.BindPFlag("tracing.mode", flagSet.Lookup("experimental-tracing-mode")); err != nil {
		return
	}

	return
}
