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

	"github.com/bytedance/sonic"
	"gorm.io/datatypes"
)

// JobStatus represents the status of a queued job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusWaiting    JobStatus = "waiting" // parked, redelivered later
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// InFlight reports whether the status blocks a dedup-keyed duplicate.
func (s JobStatus) InFlight() bool {
	switch s {
	case JobStatusQueued, JobStatusProcessing, JobStatusWaiting:
		return true
	}
	return false
}

// JobModel is the durable queue job row.
type JobModel struct {
	ID         string         `gorm:"column:job_id;type:VARCHAR(64);primaryKey"`
	Name       string         `gorm:"column:name;type:VARCHAR(128);index"`
	Queue      string         `gorm:"column:queue;type:VARCHAR(64);index:idx_job_claim,priority:1"`
	DedupKey   string         `gorm:"column:dedup_key;type:VARCHAR(255);index"`
	Payload    datatypes.JSON `gorm:"column:payload;type:JSON"`
	StepCursor string         `gorm:"column:step_cursor;type:VARCHAR(128)"`
	Status     string         `gorm:"column:status;type:VARCHAR(32);index:idx_job_claim,priority:2"`
	ProcessAt  time.Time      `gorm:"column:process_at;type:DATETIME;index:idx_job_claim,priority:3"`
	Token      string         `gorm:"column:token;type:VARCHAR(64)"`
	Attempts   int            `gorm:"column:attempts;type:INT"`
	Error      string         `gorm:"column:error;type:TEXT"`
	CreatedAt  time.Time      `gorm:"column:created_at;type:DATETIME"`
	UpdatedAt  time.Time      `gorm:"column:updated_at;type:DATETIME"`
}

// TableName returns the table name.
func (JobModel) TableName() string {
	return "l_queue_jobs"
}

func (m *JobModel) unmarshalPayload(v any) error {
	return sonic.Unmarshal(m.Payload, v)
}
