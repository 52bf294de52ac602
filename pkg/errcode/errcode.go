// Copyright 2026 Actionstat Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errcode

import (
	"errors"
	"fmt"
)

// Well-known error codes callers are expected to branch on.
const (
	CodeWorkflowNotFound     = "workflow_not_found"
	CodeValidation           = "validation_failed"
	CodeAlreadyExistingRun   = "already_existing_run_data"
	CodeRunNotFound          = "run_not_found"
	CodeFailedToSaveRuns     = "failed_to_save_runs"
	CodeFailedToSaveStat     = "failed_to_save_stat"
	CodeFailedToSaveWorkflow = "failed_to_save_workflow"
	CodeAbortSignalAborted   = "abort_signal_aborted"
	CodeUpstreamUnavailable  = "upstream_unavailable"
	CodeTokenMissing         = "continuation_token_missing"
)

// Error is a coded error carried across component boundaries so callers can
// branch on Code without string-matching messages.
type Error struct {
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a coded error without a cause.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a coded error wrapping the original cause.
func Wrap(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the code from err, or "" when err carries none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err (or anything it wraps) carries the given code.
func HasCode(err error, code string) bool {
	return CodeOf(err) == code
}
