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

const (
	DefaultLogRotateMaxFileSizeMb   = 512
	DefaultLogRotateBackupFileCount = 10

	DefaultMetricsWorkers    = 3
	DefaultMetricsBufferSize = 256

	DefaultSymlinkMaxDepth      = 40
	DefaultTransferBufferSizeMb = 1

	// MaxTransferBufferSizeMb bounds the scratch buffer every mounted
	// filesystem allocates.
	MaxTransferBufferSizeMb = 64

	StdoutTracingMode = "stdout"
)
