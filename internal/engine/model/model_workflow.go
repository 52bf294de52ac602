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
	"regexp"
	"strings"
	"time"
)

var whitespaceRe = regexp.MustCompile(`\s+`)

// normalizeKeyPart lowercases a key fragment and replaces whitespace runs
// with underscores.
func normalizeKeyPart(s string) string {
	return whitespaceRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "_")
}

// BuildWorkflowKey normalizes owner/repo/workflow(/branch) into the single
// string key used for all persistence addressing.
func BuildWorkflowKey(owner, repo, workflowName, branch string) string {
	parts := []string{
		normalizeKeyPart(owner),
		normalizeKeyPart(repo),
		normalizeKeyPart(workflowName),
	}
	if strings.TrimSpace(branch) != "" {
		parts = append(parts, normalizeKeyPart(branch))
	}
	return strings.Join(parts, "/")
}

// Workflow is the tracked entity whose runs are ingested.
type Workflow struct {
	ID           uint64     `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	Key          string     `gorm:"column:workflow_key;type:VARCHAR(255);uniqueIndex" json:"key"`
	Owner        string     `gorm:"column:owner;type:VARCHAR(128)" json:"owner"`
	Repo         string     `gorm:"column:repo;type:VARCHAR(128)" json:"repo"`
	WorkflowName string     `gorm:"column:workflow_name;type:VARCHAR(255)" json:"workflowName"`
	Branch       string     `gorm:"column:branch;type:VARCHAR(128)" json:"branch,omitempty"`
	WorkflowID   int64      `gorm:"column:workflow_id;type:BIGINT" json:"workflowId"`
	RunsCount    int64      `gorm:"column:runs_count;type:BIGINT" json:"runsCount"`
	NewestRunAt  *time.Time `gorm:"column:newest_run_at;type:DATETIME" json:"newestRunAt,omitempty"`
	OldestRunAt  *time.Time `gorm:"column:oldest_run_at;type:DATETIME" json:"oldestRunAt,omitempty"`
	CreatedAt    time.Time  `gorm:"column:created_at;type:DATETIME" json:"createdAt"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;type:DATETIME" json:"updatedAt"`
}

// TableName returns the table name.
func (Workflow) TableName() string {
	return "l_workflows"
}

// Validate rejects malformed entities before any write.
func (w *Workflow) Validate() error {
	if w.Key == "" {
		return fmt.Errorf("workflow key is empty")
	}
	if w.Owner == "" || w.Repo == "" || w.WorkflowName == "" {
		return fmt.Errorf("workflow %q is missing owner/repo/name", w.Key)
	}
	if w.RunsCount < 0 {
		return fmt.Errorf("workflow %q has negative runs count", w.Key)
	}
	return nil
}
