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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/actionstat/actionstat/internal/engine/model"
	"github.com/actionstat/actionstat/internal/engine/repo"
	"github.com/actionstat/actionstat/internal/engine/stats"
	"github.com/actionstat/actionstat/internal/pkg/provider"
	"github.com/actionstat/actionstat/pkg/errcode"
	"github.com/actionstat/actionstat/pkg/jobqueue"
	"github.com/actionstat/actionstat/pkg/log"
	"github.com/actionstat/actionstat/pkg/metrics"
)

// Queue job names.
const (
	JobIngestRuns = "ingest-runs"
	JobRunStats   = "populate-then-aggregate"
)

// PendingGroupStats is the pending-work group drained by the default poller.
const PendingGroupStats = "stats"

// ingestPayload is the payload of an ingest-runs job.
type ingestPayload struct {
	Owner     string `json:"owner"`
	Repo      string `json:"repo"`
	Workflow  string `json:"workflow"`
	Branch    string `json:"branch,omitempty"`
	Direction string `json:"direction,omitempty"`
}

// JobService wires the engine's work onto the queue runtime: it registers
// the job handlers, submits pending work and runs the poller.
type JobService struct {
	queue  *jobqueue.Queue
	repos  *repo.Repositories
	ingest *IngestService
	engine *stats.Engine
	stats  *StatsService
	source provider.Provider
	poller *jobqueue.Poller
}

// NewJobService creates the job service and registers all handlers on the
// queue. Register everything before the queue is initialized.
func NewJobService(queue *jobqueue.Queue, repos *repo.Repositories, ingest *IngestService, engine *stats.Engine, statsSvc *StatsService, source provider.Provider, pollerCfg jobqueue.PollerConfig, sink *metrics.Sink) *JobService {
	s := &JobService{
		queue:  queue,
		repos:  repos,
		ingest: ingest,
		engine: engine,
		stats:  statsSvc,
		source: source,
	}

	if pollerCfg.Group == "" {
		pollerCfg.Group = PendingGroupStats
	}
	s.poller = jobqueue.NewPoller(pollerCfg, &pendingSource{repos.PendingWork}, sink)

	queue.Register(JobIngestRuns, s.handleIngestRuns)
	queue.Register(JobRunStats, s.runStatsSequence().Handler())
	queue.Register(s.poller.JobName(), s.poller.Handler())
	return s
}

// StartPoller seeds the self-rescheduling poller job. The dedup key makes
// repeated seeding (every process start) a no-op while one is in flight.
func (s *JobService) StartPoller(ctx context.Context) error {
	_, err := s.queue.Enqueue(ctx, s.poller.JobName(), nil, jobqueue.EnqueueOptions{
		DedupKey: s.poller.JobName(),
	})
	return err
}

// EnqueuePendingWork appends a unit of work to the durable FIFO the poller
// drains. Producers call this instead of touching the queue directly.
func (s *JobService) EnqueuePendingWork(ctx context.Context, group, jobName string, payload any) error {
	if group == "" {
		group = PendingGroupStats
	}
	data, err := sonic.Marshal(payload)
	if err != nil {
		return errcode.Wrap(errcode.CodeValidation, "invalid pending work payload", err)
	}
	return s.repos.PendingWork.Append(ctx, &model.PendingWorkRecord{
		Group:   group,
		JobName: jobName,
		Payload: data,
	})
}

// EnqueueIngest submits an ingestion job directly, deduplicated per workflow.
func (s *JobService) EnqueueIngest(ctx context.Context, ref provider.WorkflowRef, direction provider.Direction) (string, error) {
	key := model.BuildWorkflowKey(ref.Owner, ref.Repo, ref.Workflow, ref.Branch)
	return s.queue.Enqueue(ctx, JobIngestRuns, ingestPayload{
		Owner:     ref.Owner,
		Repo:      ref.Repo,
		Workflow:  ref.Workflow,
		Branch:    ref.Branch,
		Direction: string(direction),
	}, jobqueue.EnqueueOptions{DedupKey: JobIngestRuns + ":" + key})
}

// handleIngestRuns runs one ingestion pass as a queue job body.
func (s *JobService) handleIngestRuns(jc *jobqueue.JobContext) (jobqueue.Outcome, error) {
	var p ingestPayload
	if err := jc.Payload(&p); err != nil {
		return jobqueue.Outcome{}, fmt.Errorf("bad ingest payload: %w", err)
	}

	ref := provider.WorkflowRef{Owner: p.Owner, Repo: p.Repo, Workflow: p.Workflow, Branch: p.Branch}
	result, err := s.ingest.IngestUpdates(jc.Ctx, ref, provider.Direction(p.Direction))
	if err != nil {
		if errcode.HasCode(err, errcode.CodeAbortSignalAborted) {
			return jobqueue.Cancelled(jobqueue.ReasonExternalAbort), nil
		}
		return jobqueue.Outcome{}, err
	}

	// A soft stop still committed its runs, so follow-ups apply either way.
	s.queueRunFollowUps(jc.Ctx, result)

	if result.Stopped != "" {
		return jobqueue.Cancelled(result.Stopped), nil
	}
	return jobqueue.Done(), nil
}

// queueRunFollowUps submits populate-then-aggregate work for every run still
// missing usage data after an ingestion pass, and drops the cached stats
// windows the pass touched. Both are idempotent: fetchUsageData
// short-circuits complete runs and the FIFO tolerates duplicates.
func (s *JobService) queueRunFollowUps(ctx context.Context, result *IngestResult) {
	idx := result.Index
	key := idx.Workflow().Key

	queued := 0
	for _, run := range idx.Runs() {
		if !idx.RunIsIncomplete(run) {
			continue
		}
		if err := s.SubmitRunStats(ctx, key, run.RunID); err != nil {
			log.Warnw("failed to queue run stats", "run", RunKeyFor(key, run.RunID), "error", err)
			continue
		}
		queued++
	}
	if queued > 0 {
		log.Infow("queued run stats follow-ups", "workflow", key, "runs", queued)
	}

	if result.Added > 0 && s.stats != nil {
		now := time.Now().UTC()
		for _, period := range stats.Periods() {
			s.stats.Invalidate(ctx, key, period, now)
		}
	}
}

// runStatsSequence builds the two-step per-run job: fetch the run's usage
// data, then fold its bucket into the aggregates. The sequence key is the
// run key ("owner/repo/workflow[/branch]/runId").
func (s *JobService) runStatsSequence() *jobqueue.SequencedJob {
	return &jobqueue.SequencedJob{
		Name: JobRunStats,
		Steps: []jobqueue.SequenceStep{
			{Name: "fetchUsageData", Fn: s.fetchUsageData},
			{Name: "computeStat", Fn: s.computeStat},
		},
	}
}

// fetchUsageData loads the run's billable breakdown from the source. Runs
// that already hold complete usage data short-circuit to success, so a
// redelivery between steps never re-fetches.
func (s *JobService) fetchUsageData(ctx context.Context, key string) error {
	workflowKey, runID, err := splitRunKey(key)
	if err != nil {
		return err
	}

	run, err := s.repos.Run.Get(ctx, workflowKey, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return errcode.New(errcode.CodeRunNotFound, "run not found")
	}
	if run.Complete() {
		log.Debugw("usage data already complete", "run", key)
		return nil
	}

	workflow, err := s.repos.Workflow.GetByKey(ctx, workflowKey)
	if err != nil {
		return err
	}
	if workflow == nil {
		return errcode.New(errcode.CodeWorkflowNotFound, "workflow not found")
	}

	usage, err := s.source.GetUsage(ctx, provider.WorkflowRef{
		Owner:    workflow.Owner,
		Repo:     workflow.Repo,
		Workflow: workflow.WorkflowName,
		Branch:   workflow.Branch,
	}, runID)
	if err != nil {
		return err
	}
	if err := s.repos.Run.UpdateUsage(ctx, workflowKey, runID, usage); err != nil {
		return errcode.Wrap(errcode.CodeFailedToSaveRuns, "failed to save usage data", err)
	}
	return nil
}

// computeStat re-aggregates the bucket the run falls into. The underlying
// write is an idempotent upsert keyed by the bucket, so re-running is
// harmless.
func (s *JobService) computeStat(ctx context.Context, key string) error {
	workflowKey, runID, err := splitRunKey(key)
	if err != nil {
		return err
	}

	workflow, err := s.repos.Workflow.GetByKey(ctx, workflowKey)
	if err != nil {
		return err
	}
	if workflow == nil {
		return errcode.New(errcode.CodeWorkflowNotFound, "workflow not found")
	}
	run, err := s.repos.Run.Get(ctx, workflowKey, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return errcode.New(errcode.CodeRunNotFound, "run not found")
	}

	if _, err = s.engine.Aggregate(ctx, workflow, stats.PeriodWeek, run.StartedAt); err != nil {
		return err
	}
	if s.stats != nil {
		s.stats.Invalidate(ctx, workflowKey, stats.PeriodWeek, run.StartedAt)
	}
	return nil
}

// splitRunKey splits "workflowKey/runId" at the last separator; the
// workflow key itself contains slashes.
func splitRunKey(key string) (string, int64, error) {
	i := strings.LastIndex(key, "/")
	if i <= 0 || i == len(key)-1 {
		return "", 0, errcode.New(errcode.CodeValidation, fmt.Sprintf("malformed run key %q", key))
	}
	runID, err := strconv.ParseInt(key[i+1:], 10, 64)
	if err != nil {
		return "", 0, errcode.Wrap(errcode.CodeValidation, fmt.Sprintf("malformed run id in key %q", key), err)
	}
	return key[:i], runID, nil
}

// pendingSource adapts the pending-work repository to the poller's view.
type pendingSource struct {
	repo repo.IPendingWorkRepository
}

func (p *pendingSource) Oldest(ctx context.Context, group string) (*jobqueue.PendingWork, error) {
	record, err := p.repo.Oldest(ctx, group)
	if err != nil || record == nil {
		return nil, err
	}
	return &jobqueue.PendingWork{
		ID:      record.ID,
		Group:   record.Group,
		JobName: record.JobName,
		Payload: record.Payload,
	}, nil
}

func (p *pendingSource) Delete(ctx context.Context, id uint64) error {
	return p.repo.Delete(ctx, id)
}

// RunKeyFor builds the sequence key for a run.
func RunKeyFor(workflowKey string, runID int64) string {
	return workflowKey + "/" + strconv.FormatInt(runID, 10)
}

// SubmitRunStats appends a populate-then-aggregate unit for one run to the
// pending FIFO; the poller converts it into a queue job.
func (s *JobService) SubmitRunStats(ctx context.Context, workflowKey string, runID int64) error {
	return s.EnqueuePendingWork(ctx, PendingGroupStats, JobRunStats, jobqueue.SequencePayload{
		Key: RunKeyFor(workflowKey, runID),
	})
}
