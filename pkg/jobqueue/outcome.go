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

package jobqueue

import (
	"time"

	"github.com/actionstat/actionstat/pkg/errcode"
)

// ErrTokenMissing is raised when a continuation is attempted without a
// resumable handle. It is always a fatal misconfiguration, never retried.
// The sentinel carries the continuation-token-missing code so callers can
// branch on errcode instead of comparing instances.
var ErrTokenMissing error = errcode.New(errcode.CodeTokenMissing, "continuation token missing")

// CancelReason explains why a job body stopped early.
type CancelReason string

const (
	// Soft reasons: stop early but treat the attempt as success.
	ReasonMaxDuration CancelReason = "max duration reached"
	ReasonMaxData     CancelReason = "max data reached"

	// Hard reasons: park the job for redelivery, not a failure.
	ReasonSigterm       CancelReason = "SIGTERM"
	ReasonSigint        CancelReason = "SIGINT"
	ReasonExternalAbort CancelReason = "external abort"
)

// Soft reports whether the reason means "treat as success".
func (r CancelReason) Soft() bool {
	switch r {
	case ReasonMaxDuration, ReasonMaxData:
		return true
	}
	return false
}

// OutcomeKind discriminates the closed set of job body results.
type OutcomeKind int

const (
	// OutcomeDone means the job finished its work.
	OutcomeDone OutcomeKind = iota
	// OutcomeRetryLater means "no work to do now"; reschedule after Delay.
	OutcomeRetryLater
	// OutcomeContinueNow means this attempt's step finished; redeliver the
	// same job immediately as a fresh attempt.
	OutcomeContinueNow
	// OutcomeCancelled wraps a cancellation reason.
	OutcomeCancelled
)

// Outcome is the value a job body returns to drive the runtime. It replaces
// throwing typed conditions: the runtime switches on Kind instead of
// inspecting error types.
type Outcome struct {
	Kind   OutcomeKind
	Delay  time.Duration
	Reason CancelReason
	// Remove asks the runtime to delete the job row instead of retaining a
	// completed record. Used by sequenced jobs on their final step.
	Remove bool
}

// Done reports successful completion, retaining the job record.
func Done() Outcome {
	return Outcome{Kind: OutcomeDone}
}

// DoneAndRemove reports successful completion and flags the job for removal.
func DoneAndRemove() Outcome {
	return Outcome{Kind: OutcomeDone, Remove: true}
}

// RetryLater reschedules the same logical unit of work after delay. Counted
// as a successful attempt; no failure is recorded.
func RetryLater(delay time.Duration) Outcome {
	return Outcome{Kind: OutcomeRetryLater, Delay: delay}
}

// ContinueNow redelivers the same job id immediately, consuming no retry
// budget. Only meaningful when a persisted step cursor exists.
func ContinueNow() Outcome {
	return Outcome{Kind: OutcomeContinueNow}
}

// Cancelled reports early termination with the given reason.
func Cancelled(reason CancelReason) Outcome {
	return Outcome{Kind: OutcomeCancelled, Reason: reason}
}
