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

package service

import (
	"context"
	"time"

	"github.com/actionstat/actionstat/internal/engine/model"
	"github.com/actionstat/actionstat/internal/engine/repo"
	"github.com/actionstat/actionstat/internal/engine/runindex"
	"github.com/actionstat/actionstat/internal/pkg/provider"
	"github.com/actionstat/actionstat/pkg/errcode"
	"github.com/actionstat/actionstat/pkg/jobqueue"
	"github.com/actionstat/actionstat/pkg/log"
	"github.com/actionstat/actionstat/pkg/metrics"
)

// IngestLimits bound one ingestion pass. Hitting a limit stops the pass
// early with a soft cancellation reason, not a failure.
type IngestLimits struct {
	MaxDuration time.Duration `mapstructure:"maxDuration"`
	MaxRuns     int           `mapstructure:"maxRuns"`
}

// SetDefaults fills in zero fields.
func (l *IngestLimits) SetDefaults() {
	if l.MaxDuration <= 0 {
		l.MaxDuration = 5 * time.Minute
	}
	if l.MaxRuns <= 0 {
		l.MaxRuns = 1000
	}
}

// IngestResult is a finished (or soft-stopped) ingestion pass.
type IngestResult struct {
	Index *runindex.Index
	Added int
	// Stopped carries the soft cancellation reason when a limit cut the
	// pass short; empty when the pass ran to completion.
	Stopped jobqueue.CancelReason
}

// IngestService pulls run records from the external source into the run
// index and commits them.
type IngestService struct {
	repos  *repo.Repositories
	source provider.Provider
	limits IngestLimits
	policy runindex.CommitPolicy
	sink   *metrics.Sink
}

// NewIngestService creates the ingestion service.
func NewIngestService(repos *repo.Repositories, source provider.Provider, limits IngestLimits, policy runindex.CommitPolicy, sink *metrics.Sink) *IngestService {
	limits.SetDefaults()
	return &IngestService{
		repos:  repos,
		source: source,
		limits: limits,
		policy: policy,
		sink:   sink,
	}
}

// LoadIndex materializes the live run index for a workflow from its
// persisted snapshot.
func (s *IngestService) LoadIndex(ctx context.Context, workflowKey string) (*runindex.Index, error) {
	workflow, err := s.repos.Workflow.GetByKey(ctx, workflowKey)
	if err != nil {
		return nil, err
	}
	if workflow == nil {
		return nil, errcode.New(errcode.CodeWorkflowNotFound, "workflow not found")
	}
	runs, err := s.repos.Run.ListByKey(ctx, workflowKey)
	if err != nil {
		return nil, err
	}
	return runindex.Materialize(&runindex.Snapshot{Workflow: workflow, Runs: runs},
		s.repos.Run, s.policy, s.sink)
}

// IngestUpdates pulls runs for the workflow in the given direction and
// returns the updated index. An empty direction, and a freshly created
// entity whose extrema coincide, both default to "newest".
func (s *IngestService) IngestUpdates(ctx context.Context, ref provider.WorkflowRef, direction provider.Direction) (*IngestResult, error) {
	if direction == "" {
		direction = provider.DirectionNewest
	}

	workflow, err := s.ensureWorkflow(ctx, ref)
	if err != nil {
		return nil, err
	}

	runs, err := s.repos.Run.ListByKey(ctx, workflow.Key)
	if err != nil {
		return nil, err
	}
	idx, err := runindex.Materialize(&runindex.Snapshot{Workflow: workflow, Runs: runs},
		s.repos.Run, s.policy, s.sink)
	if err != nil {
		return nil, err
	}

	var since time.Time
	if direction == provider.DirectionNewest && idx.Newest() != nil {
		since = *idx.Newest()
	}

	result := &IngestResult{Index: idx}
	deadline := time.Now().Add(s.limits.MaxDuration)

	for page := 1; ; page++ {
		if ctx.Err() != nil {
			return result, errcode.Wrap(errcode.CodeAbortSignalAborted, "ingestion aborted", context.Cause(ctx))
		}
		if time.Now().After(deadline) {
			result.Stopped = jobqueue.ReasonMaxDuration
			break
		}

		batch, err := s.source.ListRuns(ctx, ref, since, page)
		if err != nil {
			return result, err
		}

		for _, run := range batch.Runs {
			// Boundary pages overlap runs already held; skip-and-replace
			// keeps the pass idempotent under redelivery.
			if err := idx.AddRun(run, true); err != nil {
				return result, err
			}
			result.Added++
			if result.Added >= s.limits.MaxRuns {
				result.Stopped = jobqueue.ReasonMaxData
				break
			}
		}

		if result.Stopped != "" || !batch.HasMore {
			break
		}
	}

	if err := idx.Commit(ctx); err != nil {
		return result, err
	}
	if s.sink != nil {
		s.sink.RunsIngested.Add(float64(result.Added))
	}
	log.Infow("ingestion pass finished", "workflow", workflow.Key,
		"direction", string(direction), "added", result.Added, "stopped", string(result.Stopped))
	return result, nil
}

// ensureWorkflow returns the tracked workflow row, creating it from the
// provider's resolved identity on first contact.
func (s *IngestService) ensureWorkflow(ctx context.Context, ref provider.WorkflowRef) (*model.Workflow, error) {
	key := model.BuildWorkflowKey(ref.Owner, ref.Repo, ref.Workflow, ref.Branch)
	workflow, err := s.repos.Workflow.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if workflow != nil {
		return workflow, nil
	}

	info, err := s.source.ResolveWorkflow(ctx, ref)
	if err != nil {
		return nil, err
	}
	workflow = &model.Workflow{
		Key:          key,
		Owner:        ref.Owner,
		Repo:         ref.Repo,
		WorkflowName: info.Name,
		Branch:       ref.Branch,
		WorkflowID:   info.ID,
	}
	if err := s.repos.Workflow.Create(ctx, workflow); err != nil {
		return nil, errcode.Wrap(errcode.CodeFailedToSaveWorkflow, "failed to save workflow", err)
	}
	return workflow, nil
}
