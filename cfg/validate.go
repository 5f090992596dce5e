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
	"errors"
	"fmt"
	"path"
	"slices"
)

const (
	SymlinkMaxDepthInvalidValueError      = "the value of symlink-max-depth must be at least 1"
	TransferBufferSizeMbInvalidValueError = "the value of transfer-buffer-size-mb must be between 1 and 64"
	MetricsWorkersInvalidValueError       = "the value of metrics workers must be at least 1"
)

func isValidLogRotateConfig(config *LogRotateLoggingConfig) error {
	if config.MaxFileSizeMb <= 0 {
		return fmt.Errorf("max-file-size-mb should be atleast 1")
	}
	if config.BackupFileCount < 0 {
		return fmt.Errorf("backup-file-count should be 0 (to retain all backup files) or a positive value")
	}
	return nil
}

func isValidLogFormat(format string) error {
	if !slices.Contains([]string{"text", "json"}, format) {
		return fmt.Errorf("unsupported log format %q, must be one of [text, json]", format)
	}
	return nil
}

func isValidVfsConfig(c *VfsConfig) error {
	if c.SymlinkMaxDepth < 1 {
		return errors.New(SymlinkMaxDepthInvalidValueError)
	}
	if c.TransferBufferSizeMb < 1 || c.TransferBufferSizeMb > MaxTransferBufferSizeMb {
		return errors.New(TransferBufferSizeMbInvalidValueError)
	}
	if c.DirMode < 0 || c.DirMode > 0777 || c.FileMode < 0 || c.FileMode > 0777 {
		return fmt.Errorf("dir-mode and file-mode must be within 0 and 777")
	}
	return nil
}

func isValidMountTable(mounts []MountConfig) error {
	seen := make(map[string]bool)
	for i, m := range mounts {
		if !path.IsAbs(m.Path) {
			return fmt.Errorf("mounts[%d]: path %q must be absolute", i, m.Path)
		}
		if path.Clean(m.Path) == "/" {
			return fmt.Errorf("mounts[%d]: cannot mount over the namespace root", i)
		}
		if seen[path.Clean(m.Path)] {
			return fmt.Errorf("mounts[%d]: path %q is mounted twice", i, m.Path)
		}
		seen[path.Clean(m.Path)] = true

		switch m.Type {
		case HostFSMountType, BindMountType:
			if m.Source == "" {
				return fmt.Errorf("mounts[%d]: %s mount needs a source", i, m.Type)
			}
		case MemFSMountType:
		default:
			return fmt.Errorf("mounts[%d]: unknown mount type %q", i, m.Type)
		}
	}
	return nil
}

// ValidateConfig returns a non-nil error if the config is invalid.
func ValidateConfig(config *Config) error {
	var err error

	if err = isValidLogRotateConfig(&config.Logging.LogRotate); err != nil {
		return fmt.Errorf("error parsing log-rotate config: %w", err)
	}

	if err = isValidLogFormat(config.Logging.Format); err != nil {
		return fmt.Errorf("error parsing logging config: %w", err)
	}

	if config.Logging.Severity.Rank() < 0 {
		return fmt.Errorf("error parsing logging config: unknown severity %q", config.Logging.Severity)
	}

	if err = isValidVfsConfig(&config.Vfs); err != nil {
		return fmt.Errorf("error parsing vfs config: %w", err)
	}

	if config.Metrics.Enable && config.Metrics.Workers < 1 {
		return fmt.Errorf("error parsing metrics config: %w", errors.New(MetricsWorkersInvalidValueError))
	}

	if config.Tracing.Mode != "" && config.Tracing.Mode != StdoutTracingMode {
		return fmt.Errorf("error parsing tracing config: unsupported mode %q", config.Tracing.Mode)
	}

	if err = isValidMountTable(config.Mounts); err != nil {
		return fmt.Errorf("error parsing mount table: %w", err)
	}

	return nil
}
