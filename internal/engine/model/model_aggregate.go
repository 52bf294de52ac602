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
	"math"
	"time"

	"github.com/bytedance/sonic"
	"gorm.io/datatypes"
)

const (
	// UnsetWorkflowID marks an aggregate whose identity fields have not been
	// populated by any folded run yet.
	UnsetWorkflowID int64 = -1

	// UnsetDurationMs is the minimum-duration sentinel before any run is folded.
	UnsetDurationMs int64 = math.MaxInt64

	// RunDetailCap bounds the per-bucket run detail list.
	RunDetailCap = 100

	// BucketTimeLayout serializes bucket bounds for the record key. Bucket
	// ends land on the millisecond before the next bucket, so the layout
	// must keep millisecond precision or the bound shifts on round-trip.
	BucketTimeLayout = "2006-01-02T15:04:05.000Z07:00"
)

// StatPair is a count plus a duration total.
type StatPair struct {
	Count      int64 `json:"count"`
	DurationMs int64 `json:"durationMs"`
}

// Add folds one occurrence into the pair.
func (p *StatPair) Add(durationMs int64) {
	p.Count++
	p.DurationMs += durationMs
}

// JobStat accumulates per-job-name totals within one bucket.
type JobStat struct {
	Count           int64                `json:"count"`
	DurationMs      int64                `json:"durationMs"`
	ByConclusion    map[string]*StatPair `json:"byConclusion,omitempty"`
	ByStatus        map[string]*StatPair `json:"byStatus,omitempty"`
	AggregatedSteps StatPair             `json:"aggregatedSteps"`
}

// RunDetailJob is the per-job summary inside a run detail.
type RunDetailJob struct {
	JobName    string `json:"jobName"`
	DurationMs int64  `json:"durationMs"`
}

// RunDetail is a capped per-run summary kept on the bucket aggregate.
type RunDetail struct {
	RunID       int64          `json:"runId"`
	DurationMs  int64          `json:"durationMs"`
	Status      string         `json:"status"`
	Conclusion  string         `json:"conclusion,omitempty"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Jobs        []RunDetailJob `json:"jobs,omitempty"`
}

// AggregateRecord is the persisted statistical summary for one
// (workflow, period, bucket) tuple.
type AggregateRecord struct {
	WorkflowKey  string    `json:"workflowKey"`
	Period       string    `json:"period"`
	BucketStart  time.Time `json:"bucketStart"`
	BucketEnd    time.Time `json:"bucketEnd"`
	WorkflowID   int64     `json:"workflowId"`
	WorkflowName string    `json:"workflowName,omitempty"`

	RunsCount              int64   `json:"runsCount"`
	MinRunDurationMs       int64   `json:"minRunDurationMs"`
	MaxRunDurationMs       int64   `json:"maxRunDurationMs"`
	MinCompletedDurationMs int64   `json:"minCompletedDurationMs"`
	MeanRunDurationMs      float64 `json:"meanRunDurationMs"`

	StatusCount      map[string]int64    `json:"statusCount,omitempty"`
	StatusDurationMs map[string]int64    `json:"statusDurationMs,omitempty"`
	JobStats         map[string]*JobStat `json:"jobStats,omitempty"`
	StepDurationMs   map[string]int64    `json:"stepDurationMs,omitempty"` // keyed "job>step"
	Details          []RunDetail         `json:"details,omitempty"`
}

// NewEmptyAggregate synthesizes a zeroed aggregate with unset sentinels.
func NewEmptyAggregate(workflowKey, period string, bucketStart, bucketEnd time.Time) *AggregateRecord {
	return &AggregateRecord{
		WorkflowKey:            workflowKey,
		Period:                 period,
		BucketStart:            bucketStart,
		BucketEnd:              bucketEnd,
		WorkflowID:             UnsetWorkflowID,
		MinRunDurationMs:       UnsetDurationMs,
		MinCompletedDurationMs: UnsetDurationMs,
		StatusCount:            map[string]int64{},
		StatusDurationMs:       map[string]int64{},
		JobStats:               map[string]*JobStat{},
		StepDurationMs:         map[string]int64{},
	}
}

// Validate rejects malformed aggregates before any write.
func (a *AggregateRecord) Validate() error {
	if a.WorkflowKey == "" {
		return fmt.Errorf("aggregate workflow key is empty")
	}
	if a.Period == "" {
		return fmt.Errorf("aggregate period is empty")
	}
	if a.BucketStart.IsZero() || a.BucketEnd.IsZero() {
		return fmt.Errorf("aggregate %q has zero bucket bounds", a.WorkflowKey)
	}
	if !a.BucketEnd.After(a.BucketStart) {
		return fmt.Errorf("aggregate %q bucket end is not after start", a.WorkflowKey)
	}
	if a.RunsCount < 0 {
		return fmt.Errorf("aggregate %q has negative runs count", a.WorkflowKey)
	}
	return nil
}

// AggregateModel is the GORM persistence shape for AggregateRecord. Bucket
// bounds are stored as ISO strings because they are part of the record key.
type AggregateModel struct {
	ID           uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	WorkflowKey  string `gorm:"column:workflow_key;type:VARCHAR(255);uniqueIndex:uk_aggregate,priority:1"`
	Period       string `gorm:"column:period;type:VARCHAR(16);uniqueIndex:uk_aggregate,priority:2"`
	BucketStart  string `gorm:"column:bucket_start;type:VARCHAR(40);uniqueIndex:uk_aggregate,priority:3"`
	BucketEnd    string `gorm:"column:bucket_end;type:VARCHAR(40);uniqueIndex:uk_aggregate,priority:4"`
	WorkflowID   int64  `gorm:"column:workflow_id;type:BIGINT"`
	WorkflowName string `gorm:"column:workflow_name;type:VARCHAR(255)"`

	RunsCount              int64   `gorm:"column:runs_count;type:BIGINT"`
	MinRunDurationMs       int64   `gorm:"column:min_run_duration_ms;type:BIGINT"`
	MaxRunDurationMs       int64   `gorm:"column:max_run_duration_ms;type:BIGINT"`
	MinCompletedDurationMs int64   `gorm:"column:min_completed_duration_ms;type:BIGINT"`
	MeanRunDurationMs      float64 `gorm:"column:mean_run_duration_ms;type:DOUBLE"`

	StatusCount      datatypes.JSON `gorm:"column:status_count;type:JSON"`
	StatusDurationMs datatypes.JSON `gorm:"column:status_duration_ms;type:JSON"`
	JobStats         datatypes.JSON `gorm:"column:job_stats;type:JSON"`
	StepDurationMs   datatypes.JSON `gorm:"column:step_duration_ms;type:JSON"`
	Details          datatypes.JSON `gorm:"column:details;type:JSON"`

	CreatedAt time.Time `gorm:"column:created_at;type:DATETIME"`
	UpdatedAt time.Time `gorm:"column:updated_at;type:DATETIME"`
}

// TableName returns the table name.
func (AggregateModel) TableName() string {
	return "l_workflow_aggregates"
}

// ToModel converts the domain aggregate into its persistence shape.
func (a *AggregateRecord) ToModel() (*AggregateModel, error) {
	m := &AggregateModel{
		WorkflowKey:            a.WorkflowKey,
		Period:                 a.Period,
		BucketStart:            a.BucketStart.UTC().Format(BucketTimeLayout),
		BucketEnd:              a.BucketEnd.UTC().Format(BucketTimeLayout),
		WorkflowID:             a.WorkflowID,
		WorkflowName:           a.WorkflowName,
		RunsCount:              a.RunsCount,
		MinRunDurationMs:       a.MinRunDurationMs,
		MaxRunDurationMs:       a.MaxRunDurationMs,
		MinCompletedDurationMs: a.MinCompletedDurationMs,
		MeanRunDurationMs:      a.MeanRunDurationMs,
	}

	for name, value := range map[string]any{
		"status_count":       a.StatusCount,
		"status_duration_ms": a.StatusDurationMs,
		"job_stats":          a.JobStats,
		"step_duration_ms":   a.StepDurationMs,
		"details":            a.Details,
	} {
		data, err := sonic.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("marshal aggregate %s: %w", name, err)
		}
		switch name {
		case "status_count":
			m.StatusCount = data
		case "status_duration_ms":
			m.StatusDurationMs = data
		case "job_stats":
			m.JobStats = data
		case "step_duration_ms":
			m.StepDurationMs = data
		case "details":
			m.Details = data
		}
	}
	return m, nil
}

// ToRecord converts the persistence shape back into a domain aggregate.
func (m *AggregateModel) ToRecord() (*AggregateRecord, error) {
	start, err := time.Parse(BucketTimeLayout, m.BucketStart)
	if err != nil {
		return nil, fmt.Errorf("parse aggregate bucket start %q: %w", m.BucketStart, err)
	}
	end, err := time.Parse(BucketTimeLayout, m.BucketEnd)
	if err != nil {
		return nil, fmt.Errorf("parse aggregate bucket end %q: %w", m.BucketEnd, err)
	}

	a := &AggregateRecord{
		WorkflowKey:            m.WorkflowKey,
		Period:                 m.Period,
		BucketStart:            start,
		BucketEnd:              end,
		WorkflowID:             m.WorkflowID,
		WorkflowName:           m.WorkflowName,
		RunsCount:              m.RunsCount,
		MinRunDurationMs:       m.MinRunDurationMs,
		MaxRunDurationMs:       m.MaxRunDurationMs,
		MinCompletedDurationMs: m.MinCompletedDurationMs,
		MeanRunDurationMs:      m.MeanRunDurationMs,
		StatusCount:            map[string]int64{},
		StatusDurationMs:       map[string]int64{},
		JobStats:               map[string]*JobStat{},
		StepDurationMs:         map[string]int64{},
	}

	if len(m.StatusCount) > 0 {
		if err := sonic.Unmarshal(m.StatusCount, &a.StatusCount); err != nil {
			return nil, fmt.Errorf("unmarshal aggregate status count: %w", err)
		}
	}
	if len(m.StatusDurationMs) > 0 {
		if err := sonic.Unmarshal(m.StatusDurationMs, &a.StatusDurationMs); err != nil {
			return nil, fmt.Errorf("unmarshal aggregate status durations: %w", err)
		}
	}
	if len(m.JobStats) > 0 {
		if err := sonic.Unmarshal(m.JobStats, &a.JobStats); err != nil {
			return nil, fmt.Errorf("unmarshal aggregate job stats: %w", err)
		}
	}
	if len(m.StepDurationMs) > 0 {
		if err := sonic.Unmarshal(m.StepDurationMs, &a.StepDurationMs); err != nil {
			return nil, fmt.Errorf("unmarshal aggregate step durations: %w", err)
		}
	}
	if len(m.Details) > 0 {
		if err := sonic.Unmarshal(m.Details, &a.Details); err != nil {
			return nil, fmt.Errorf("unmarshal aggregate details: %w", err)
		}
	}
	return a, nil
}
