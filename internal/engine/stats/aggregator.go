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

// Package stats computes incremental, idempotent, time-bucketed statistics
// over persisted run records.
package stats

import (
	"context"
	"time"

	"github.com/actionstat/actionstat/internal/engine/model"
	"github.com/actionstat/actionstat/internal/engine/repo"
	"github.com/actionstat/actionstat/pkg/errcode"
	"github.com/actionstat/actionstat/pkg/log"
	"github.com/actionstat/actionstat/pkg/metrics"
)

// PageSize is the fixed run-record page size used while folding a bucket.
const PageSize = 100

// Engine aggregates run records into per-bucket statistics. Each bucket's
// persisted aggregate is reused verbatim when its runsCount still matches
// the authoritative count, which makes repeated calls cheap.
type Engine struct {
	runs repo.IRunRepository
	aggs repo.IAggregateRepository
	sink *metrics.Sink

	pageSize int
	now      func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMetrics attaches a metrics sink.
func WithMetrics(sink *metrics.Sink) EngineOption {
	return func(e *Engine) { e.sink = sink }
}

// WithClock overrides the window-end clock.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an aggregation engine over the run and aggregate stores.
func NewEngine(runs repo.IRunRepository, aggs repo.IAggregateRepository, opts ...EngineOption) *Engine {
	e := &Engine{
		runs:     runs,
		aggs:     aggs,
		pageSize: PageSize,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Aggregate computes one aggregate record per bucket of the window covering
// [from, now], in bucket order. Already-persisted buckets whose run count is
// unchanged are returned as-is without touching the run store again.
//
// Cancellation is checked before each bucket and before each page request;
// on cancellation the records persisted so far stay intact and the call
// returns the abort-signal code, not a failure.
func (e *Engine) Aggregate(ctx context.Context, workflow *model.Workflow, period Period, from time.Time) ([]*model.AggregateRecord, error) {
	buckets := period.Buckets(from, e.now())
	out := make([]*model.AggregateRecord, 0, len(buckets))

	for _, bucket := range buckets {
		if ctx.Err() != nil {
			return out, errcode.Wrap(errcode.CodeAbortSignalAborted, "aggregation aborted", context.Cause(ctx))
		}

		record, err := e.aggregateBucket(ctx, workflow, period, bucket)
		if err != nil {
			return out, err
		}
		out = append(out, record)
	}
	return out, nil
}

func (e *Engine) aggregateBucket(ctx context.Context, workflow *model.Workflow, period Period, bucket Bucket) (*model.AggregateRecord, error) {
	workflowKey := workflow.Key
	persisted, err := e.aggs.Get(ctx, workflowKey, string(period), bucket.Start, bucket.End)
	if err != nil {
		return nil, err
	}

	authoritative, err := e.runs.CountWindow(ctx, workflowKey, bucket.Start, bucket.End)
	if err != nil {
		return nil, err
	}

	if persisted == nil {
		persisted = model.NewEmptyAggregate(workflowKey, string(period), bucket.Start, bucket.End)
	}
	if persisted.RunsCount == authoritative {
		// Fully aggregated already; no pagination, no recompute, no write.
		if e.sink != nil {
			e.sink.BucketsCached.Inc()
		}
		return persisted, nil
	}

	fresh := model.NewEmptyAggregate(workflowKey, string(period), bucket.Start, bucket.End)
	var durationSum int64
	var folded int64

	offset := 0
	for {
		if ctx.Err() != nil {
			return nil, errcode.Wrap(errcode.CodeAbortSignalAborted, "aggregation aborted", context.Cause(ctx))
		}

		page, err := e.runs.ListWindow(ctx, repo.RunWindowQuery{
			WorkflowKey: workflowKey,
			Start:       bucket.Start,
			End:         bucket.End,
			Limit:       e.pageSize,
			Offset:      offset,
		})
		if err != nil {
			return nil, err
		}
		if e.sink != nil {
			e.sink.RunPagesFetched.Inc()
		}

		for _, run := range page {
			foldRun(fresh, run, workflow)
			durationSum += run.DurationMs
			folded++
		}

		if len(page) < e.pageSize {
			break
		}
		offset += len(page)
	}

	fresh.RunsCount = folded
	if folded > 0 {
		// Sum first, divide once: an incrementally updated average drifts.
		fresh.MeanRunDurationMs = float64(durationSum) / float64(folded)
	}

	if err := e.aggs.Upsert(ctx, fresh); err != nil {
		return nil, errcode.Wrap(errcode.CodeFailedToSaveStat, "failed to save aggregate", err)
	}
	if e.sink != nil {
		e.sink.BucketsComputed.Inc()
	}
	log.Debugw("bucket aggregated", "workflow", workflowKey, "period", string(period),
		"bucket", bucket.Start.Format(time.RFC3339), "runs", folded)
	return fresh, nil
}

// foldRun accumulates one run into the bucket aggregate. The first run seen
// replaces the unset identity sentinels.
func foldRun(agg *model.AggregateRecord, run *model.RunRecord, workflow *model.Workflow) {
	if agg.WorkflowID == model.UnsetWorkflowID {
		agg.WorkflowID = workflow.WorkflowID
		agg.WorkflowName = workflow.WorkflowName
		agg.WorkflowKey = workflow.Key
	}

	if run.DurationMs > agg.MaxRunDurationMs {
		agg.MaxRunDurationMs = run.DurationMs
	}
	if run.DurationMs < agg.MinRunDurationMs {
		agg.MinRunDurationMs = run.DurationMs
	}
	if run.Conclusion == model.RunConclusionSuccess && run.DurationMs < agg.MinCompletedDurationMs {
		agg.MinCompletedDurationMs = run.DurationMs
	}

	status := statKey(run)
	agg.StatusCount[status]++
	agg.StatusDurationMs[status] += run.DurationMs

	if run.Usage != nil {
		for _, job := range run.Usage.Jobs {
			stat, ok := agg.JobStats[job.JobName]
			if !ok {
				stat = &model.JobStat{
					ByConclusion: map[string]*model.StatPair{},
					ByStatus:     map[string]*model.StatPair{},
				}
				agg.JobStats[job.JobName] = stat
			}
			stat.Count++
			stat.DurationMs += job.DurationMs

			byConclusion(stat, string(run.Conclusion)).Add(job.DurationMs)
			byStatus(stat, string(run.Status)).Add(job.DurationMs)

			for _, step := range job.Steps {
				agg.StepDurationMs[job.JobName+">"+step.Name] += step.DurationMs
				stat.AggregatedSteps.Add(step.DurationMs)
			}
		}
	}

	if len(agg.Details) < model.RunDetailCap {
		detail := model.RunDetail{
			RunID:       run.RunID,
			DurationMs:  run.DurationMs,
			Status:      string(run.Status),
			Conclusion:  string(run.Conclusion),
			StartedAt:   run.StartedAt,
			CompletedAt: run.CompletedAt,
		}
		if run.Usage != nil {
			for _, job := range run.Usage.Jobs {
				detail.Jobs = append(detail.Jobs, model.RunDetailJob{
					JobName:    job.JobName,
					DurationMs: job.DurationMs,
				})
			}
		}
		agg.Details = append(agg.Details, detail)
	}
}

// statKey prefers the conclusion of a finished run over its coarse status.
func statKey(run *model.RunRecord) string {
	if run.Conclusion != model.RunConclusionNone {
		return string(run.Conclusion)
	}
	return string(run.Status)
}

func byConclusion(stat *model.JobStat, key string) *model.StatPair {
	if key == "" {
		key = "none"
	}
	pair, ok := stat.ByConclusion[key]
	if !ok {
		pair = &model.StatPair{}
		stat.ByConclusion[key] = pair
	}
	return pair
}

func byStatus(stat *model.JobStat, key string) *model.StatPair {
	pair, ok := stat.ByStatus[key]
	if !ok {
		pair = &model.StatPair{}
		stat.ByStatus[key] = pair
	}
	return pair
}
