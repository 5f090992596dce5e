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

package metrics

import (
	"context"
	"time"
)

// Constants for attribute ErrorCategory
const (
	ErrorCategoryBUSY            = "BUSY"
	ErrorCategoryDIRNOTEMPTY     = "DIR_NOT_EMPTY"
	ErrorCategoryFILEDIRERROR    = "FILE_DIR_ERROR"
	ErrorCategoryFILEEXISTS      = "FILE_EXISTS"
	ErrorCategoryINTERRUPTERROR  = "INTERRUPT_ERROR"
	ErrorCategoryINVALIDARGUMENT = "INVALID_ARGUMENT"
	ErrorCategoryIOERROR         = "IO_ERROR"
	ErrorCategoryMISCERROR       = "MISC_ERROR"
	ErrorCategoryNOFILEORDIR     = "NO_FILE_OR_DIR"
	ErrorCategoryNOSPACE         = "NO_SPACE"
	ErrorCategoryNOTADIR         = "NOT_A_DIR"
	ErrorCategoryNOTIMPLEMENTED  = "NOT_IMPLEMENTED"
	ErrorCategoryNOTMOUNTED      = "NOT_MOUNTED"
	ErrorCategoryPERMERROR       = "PERM_ERROR"
	ErrorCategoryTOOMANYLINKS    = "TOO_MANY_LINKS"
)

// Constants for attribute VfsOp
const (
	VfsOpBind         = "Bind"
	VfsOpCloseHandle  = "CloseHandle"
	VfsOpDuplicate    = "Duplicate"
	VfsOpFlush        = "Flush"
	VfsOpGetAccess    = "GetAccess"
	VfsOpGetFullPath  = "GetFullPath"
	VfsOpGetPosition  = "GetPosition"
	VfsOpGetSize      = "GetSize"
	VfsOpLink         = "Link"
	VfsOpMkdir        = "Mkdir"
	VfsOpMount        = "Mount"
	VfsOpMove         = "Move"
	VfsOpOpen         = "Open"
	VfsOpRead         = "Read"
	VfsOpReadAt       = "ReadAt"
	VfsOpReadDir      = "ReadDir"
	VfsOpReadLink     = "ReadLink"
	VfsOpSeek         = "Seek"
	VfsOpSetAccess    = "SetAccess"
	VfsOpSetSize      = "SetSize"
	VfsOpStat         = "Stat"
	VfsOpStatFS       = "StatFS"
	VfsOpStatFSHandle = "StatFSHandle"
	VfsOpStatHandle   = "StatHandle"
	VfsOpUnbind       = "Unbind"
	VfsOpUnlink       = "Unlink"
	VfsOpUnmount      = "Unmount"
	VfsOpWrite        = "Write"
	VfsOpWriteAt      = "WriteAt"
)

var errorCategories = []string{
	ErrorCategoryBUSY,
	ErrorCategoryDIRNOTEMPTY,
	ErrorCategoryFILEDIRERROR,
	ErrorCategoryFILEEXISTS,
	ErrorCategoryINTERRUPTERROR,
	ErrorCategoryINVALIDARGUMENT,
	ErrorCategoryIOERROR,
	ErrorCategoryMISCERROR,
	ErrorCategoryNOFILEORDIR,
	ErrorCategoryNOSPACE,
	ErrorCategoryNOTADIR,
	ErrorCategoryNOTIMPLEMENTED,
	ErrorCategoryNOTMOUNTED,
	ErrorCategoryPERMERROR,
	ErrorCategoryTOOMANYLINKS,
}

var vfsOps = []string{
	VfsOpBind,
	VfsOpCloseHandle,
	VfsOpDuplicate,
	VfsOpFlush,
	VfsOpGetAccess,
	VfsOpGetFullPath,
	VfsOpGetPosition,
	VfsOpGetSize,
	VfsOpLink,
	VfsOpMkdir,
	VfsOpMount,
	VfsOpMove,
	VfsOpOpen,
	VfsOpRead,
	VfsOpReadAt,
	VfsOpReadDir,
	VfsOpReadLink,
	VfsOpSeek,
	VfsOpSetAccess,
	VfsOpSetSize,
	VfsOpStat,
	VfsOpStatFS,
	VfsOpStatFSHandle,
	VfsOpStatHandle,
	VfsOpUnbind,
	VfsOpUnlink,
	VfsOpUnmount,
	VfsOpWrite,
	VfsOpWriteAt,
}

// MetricHandle provides an interface for recording metrics.
type MetricHandle interface {
	// VfsOpsCount - The cumulative number of ops processed by the namespace.
	VfsOpsCount(inc int64, vfsOp string)

	// VfsOpsErrorCount - The cumulative number of errors generated by namespace operations.
	VfsOpsErrorCount(inc int64, errorCategory string, vfsOp string)

	// VfsOpsLatency - The cumulative distribution of namespace operation latencies.
	VfsOpsLatency(ctx context.Context, latency time.Duration, vfsOp string)

	// VfsOpenHandles - The number of handles currently open by callers.
	VfsOpenHandles(inc int64)
}
