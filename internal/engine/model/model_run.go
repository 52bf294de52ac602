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

package model

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"gorm.io/datatypes"
)

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusQueued     RunStatus = "queued"
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusWaiting    RunStatus = "waiting"
	RunStatusRequested  RunStatus = "requested"
	RunStatusPending    RunStatus = "pending"
	RunStatusUnknown    RunStatus = "unknown"
)

// Terminal reports whether no further status transitions are expected.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted
}

// RunConclusion is the final outcome of a completed run. Empty until the run
// reaches a terminal status.
type RunConclusion string

const (
	RunConclusionNone           RunConclusion = ""
	RunConclusionSuccess        RunConclusion = "success"
	RunConclusionFailure        RunConclusion = "failure"
	RunConclusionCancelled      RunConclusion = "cancelled"
	RunConclusionSkipped        RunConclusion = "skipped"
	RunConclusionTimedOut       RunConclusion = "timed_out"
	RunConclusionActionRequired RunConclusion = "action_required"
	RunConclusionNeutral        RunConclusion = "neutral"
)

// StepRecord is one durable sub-unit of a job inside a run.
type StepRecord struct {
	Number      int           `json:"number"`
	Name        string        `json:"name"`
	Status      RunStatus     `json:"status"`
	Conclusion  RunConclusion `json:"conclusion,omitempty"`
	StartedAt   *time.Time    `json:"startedAt,omitempty"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
	DurationMs  int64         `json:"durationMs"`
}

// HasDetail reports whether the step's nested detail payload is present.
func (s StepRecord) HasDetail() bool {
	return s.Name != "" && s.StartedAt != nil && s.CompletedAt != nil
}

// JobUsage is the billable breakdown for one job inside a run.
type JobUsage struct {
	JobID      int64        `json:"jobId"`
	JobName    string       `json:"jobName"`
	DurationMs int64        `json:"durationMs"`
	Steps      []StepRecord `json:"steps,omitempty"`
}

// UsageData is the billable duration breakdown for a run.
type UsageData struct {
	BillableMs      int64            `json:"billableMs"`
	BillableByLabel map[string]int64 `json:"billableByLabel,omitempty"`
	Jobs            []JobUsage       `json:"jobs,omitempty"`
}

// RunRecord is one execution of a tracked workflow.
type RunRecord struct {
	WorkflowKey string
	RunID       int64
	Status      RunStatus
	Conclusion  RunConclusion
	StartedAt   time.Time
	CompletedAt *time.Time
	DurationMs  int64
	PeriodKey   string // ISO week bucket, e.g. "2026-W35"
	Usage       *UsageData
}

// RunKey extends the workflow key with the run id.
func (r *RunRecord) RunKey() string {
	return fmt.Sprintf("%s/%d", r.WorkflowKey, r.RunID)
}

// Complete reports whether conclusion, status and every step's detail payload
// are all present.
func (r *RunRecord) Complete() bool {
	if r.Conclusion == RunConclusionNone || r.Status == RunStatusUnknown {
		return false
	}
	if r.Usage == nil {
		return false
	}
	for _, job := range r.Usage.Jobs {
		for _, step := range job.Steps {
			if !step.HasDetail() {
				return false
			}
		}
	}
	return true
}

// Validate rejects malformed records before any write.
func (r *RunRecord) Validate() error {
	if r.WorkflowKey == "" {
		return fmt.Errorf("run record workflow key is empty")
	}
	if r.RunID <= 0 {
		return fmt.Errorf("run record id must be positive, got %d", r.RunID)
	}
	if r.StartedAt.IsZero() {
		return fmt.Errorf("run record %d has no start time", r.RunID)
	}
	if r.Status.Terminal() != (r.Conclusion != RunConclusionNone) {
		return fmt.Errorf("run record %d conclusion/status mismatch: status=%s conclusion=%s",
			r.RunID, r.Status, r.Conclusion)
	}
	return nil
}

// PeriodKeyFor derives the ISO week bucket key for a start time.
func PeriodKeyFor(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// RunModel is the GORM persistence shape for RunRecord.
type RunModel struct {
	ID          uint64         `gorm:"column:id;primaryKey;autoIncrement"`
	WorkflowKey string         `gorm:"column:workflow_key;type:VARCHAR(255);uniqueIndex:uk_run,priority:1;index:idx_run_started,priority:1"`
	RunID       int64          `gorm:"column:run_id;type:BIGINT;uniqueIndex:uk_run,priority:2"`
	Status      string         `gorm:"column:status;type:VARCHAR(32)"`
	Conclusion  string         `gorm:"column:conclusion;type:VARCHAR(32)"`
	StartedAt   time.Time      `gorm:"column:started_at;type:DATETIME;index:idx_run_started,priority:2"`
	CompletedAt *time.Time     `gorm:"column:completed_at;type:DATETIME"`
	DurationMs  int64          `gorm:"column:duration_ms;type:BIGINT"`
	PeriodKey   string         `gorm:"column:period_key;type:VARCHAR(16)"`
	Usage       datatypes.JSON `gorm:"column:usage_data;type:JSON"`
	CreatedAt   time.Time      `gorm:"column:created_at;type:DATETIME"`
	UpdatedAt   time.Time      `gorm:"column:updated_at;type:DATETIME"`
}

// TableName returns the table name.
func (RunModel) TableName() string {
	return "l_workflow_runs"
}

// ToModel converts the domain record into its persistence shape.
func (r *RunRecord) ToModel() (*RunModel, error) {
	m := &RunModel{
		WorkflowKey: r.WorkflowKey,
		RunID:       r.RunID,
		Status:      string(r.Status),
		Conclusion:  string(r.Conclusion),
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		DurationMs:  r.DurationMs,
		PeriodKey:   r.PeriodKey,
	}
	if r.Usage != nil {
		data, err := sonic.Marshal(r.Usage)
		if err != nil {
			return nil, fmt.Errorf("marshal usage data for run %d: %w", r.RunID, err)
		}
		m.Usage = data
	}
	return m, nil
}

// ToRecord converts the persistence shape back into a domain record.
func (m *RunModel) ToRecord() (*RunRecord, error) {
	r := &RunRecord{
		WorkflowKey: m.WorkflowKey,
		RunID:       m.RunID,
		Status:      RunStatus(m.Status),
		Conclusion:  RunConclusion(m.Conclusion),
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
		DurationMs:  m.DurationMs,
		PeriodKey:   m.PeriodKey,
	}
	if len(m.Usage) > 0 {
		var usage UsageData
		if err := sonic.Unmarshal(m.Usage, &usage); err != nil {
			return nil, fmt.Errorf("unmarshal usage data for run %d: %w", m.RunID, err)
		}
		r.Usage = &usage
	}
	return r, nil
}
