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
	"context"
	"fmt"
)

// StepFunc runs one step of a sequenced job against the job's subject key.
type StepFunc func(ctx context.Context, key string) error

// SequenceStep names one step of a sequence.
type SequenceStep struct {
	Name string
	Fn   StepFunc
}

// SequencePayload is the persisted payload of a sequenced job. Cursor names
// the step to run next; it lives in the payload so a redelivered job resumes
// where it left off.
type SequencePayload struct {
	Key    string `json:"key"`
	Cursor string `json:"cursor,omitempty"`
}

// SequencedJob runs an ordered list of named steps, one step per delivery.
// After each non-final step it advances the cursor and yields Continue-Now,
// so every step starts as a fresh attempt with a fresh token.
type SequencedJob struct {
	Name  string
	Steps []SequenceStep
}

// Handler returns the JobFunc for this sequence.
func (s *SequencedJob) Handler() JobFunc {
	return func(jc *JobContext) (Outcome, error) {
		var p SequencePayload
		if err := jc.Payload(&p); err != nil {
			return Outcome{}, fmt.Errorf("bad sequence payload: %w", err)
		}
		if len(s.Steps) == 0 {
			return DoneAndRemove(), nil
		}

		// The cursor is written before the step runs: a crash mid-step
		// redelivers the same step, never skips it.
		if p.Cursor == "" {
			p.Cursor = s.Steps[0].Name
			if err := jc.SetPayload(&p); err != nil {
				return Outcome{}, err
			}
		}

		idx := -1
		for i, step := range s.Steps {
			if step.Name == p.Cursor {
				idx = i
				break
			}
		}
		if idx < 0 {
			return Outcome{}, fmt.Errorf("unknown step cursor %q in job %q", p.Cursor, s.Name)
		}

		if err := s.Steps[idx].Fn(jc.Ctx, p.Key); err != nil {
			// Step errors propagate untouched: the job fails permanently
			// and the cursor stays on the failed step.
			return Outcome{}, err
		}

		if idx+1 < len(s.Steps) {
			p.Cursor = s.Steps[idx+1].Name
			if err := jc.SetPayload(&p); err != nil {
				return Outcome{}, err
			}
			if jc.Job.Token == "" {
				return Outcome{}, ErrTokenMissing
			}
			return ContinueNow(), nil
		}
		return DoneAndRemove(), nil
	}
}
