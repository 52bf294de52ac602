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

	"gorm.io/datatypes"
)

// PendingWorkRecord is a persisted, not-yet-scheduled unit of work awaiting
// conversion into a queue job. FIFO within a group by insertion order.
type PendingWorkRecord struct {
	ID        uint64         `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Group     string         `gorm:"column:work_group;type:VARCHAR(128);index" json:"group"`
	JobName   string         `gorm:"column:job_name;type:VARCHAR(128)" json:"jobName"`
	Payload   datatypes.JSON `gorm:"column:payload;type:JSON" json:"payload,omitempty"`
	CreatedAt time.Time      `gorm:"column:created_at;type:DATETIME" json:"createdAt"`
}

// TableName returns the table name.
func (PendingWorkRecord) TableName() string {
	return "l_pending_work"
}

// Validate rejects malformed records before any write.
func (p *PendingWorkRecord) Validate() error {
	if p.Group == "" {
		return fmt.Errorf("pending work group is empty")
	}
	if p.JobName == "" {
		return fmt.Errorf("pending work job name is empty")
	}
	return nil
}

// DedupKey derives the deterministic in-flight dedup key for this record.
// It depends only on the job name and group, never on payload contents.
func (p *PendingWorkRecord) DedupKey() string {
	return p.JobName + ":" + p.Group
}
