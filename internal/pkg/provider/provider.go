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

// Package provider abstracts the external run data source. Provider-native
// payloads are translated into run/usage shapes at this boundary and never
// leak past it.
package provider

import (
	"context"
	"time"

	"github.com/actionstat/actionstat/internal/engine/model"
)

// WorkflowRef addresses one workflow at the external source.
type WorkflowRef struct {
	Owner    string
	Repo     string
	Workflow string // workflow file name or display name
	Branch   string // optional
}

// WorkflowInfo is the resolved identity of a workflow at the source.
type WorkflowInfo struct {
	ID   int64
	Name string
	Path string
}

// RunPage is one page of translated run records.
type RunPage struct {
	Runs    []*model.RunRecord
	HasMore bool
}

// Direction selects which end of the stored run range an ingestion extends.
type Direction string

const (
	// DirectionNewest fetches runs newer than the newest stored run.
	DirectionNewest Direction = "newest"
	// DirectionOldest backfills runs older than the oldest stored run.
	DirectionOldest Direction = "oldest"
)

// Provider is the consumed external data source. Rate limiting is the
// implementation's concern via the sleep-every-N knob in its config.
type Provider interface {
	// ResolveWorkflow resolves the workflow's provider-side identity.
	ResolveWorkflow(ctx context.Context, ref WorkflowRef) (*WorkflowInfo, error)
	// ListRuns returns one page of runs created at or after since,
	// translated into run records. Pages are requested by number.
	ListRuns(ctx context.Context, ref WorkflowRef, since time.Time, page int) (*RunPage, error)
	// GetUsage returns the billable breakdown for one run, including
	// per-job step detail.
	GetUsage(ctx context.Context, ref WorkflowRef, runID int64) (*model.UsageData, error)
}
