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

// Package runindex holds the in-memory aggregate root over one workflow's
// retrieved run records: derived views, missing-data detection and batched
// persistence commits.
package runindex

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/actionstat/actionstat/internal/engine/model"
	"github.com/actionstat/actionstat/internal/engine/repo"
	"github.com/actionstat/actionstat/pkg/errcode"
	"github.com/actionstat/actionstat/pkg/log"
	"github.com/actionstat/actionstat/pkg/metrics"
	"github.com/actionstat/actionstat/pkg/safe"
)

// CommitPolicy controls batched persistence. Every=N flushes asynchronously
// after every N cumulative mutations; zero disables auto-commit.
type CommitPolicy struct {
	Every int
}

// Index owns one workflow's run records in memory. It is not safe for
// concurrent mutation; entity-mutating jobs run with concurrency 1 so a
// single job owns the index for its lifetime. The async auto-commit flush is
// the one internal concurrency point: mutators and the flush goroutine both
// touch the run map and the workflow counters, so all of that state is
// guarded by mu.
type Index struct {
	workflow *model.Workflow
	runs     map[int64]*model.RunRecord
	buckets  map[string][]int64 // period key -> run ids, insertion order

	// Cached descending view. Every mutation drops the cache; readers
	// rebuild it lazily.
	sorted      []*model.RunRecord
	sortedValid bool

	policy CommitPolicy
	runsDB repo.IRunRepository
	sink   *metrics.Sink

	// mu guards runs, buckets, the workflow counters and the flush
	// bookkeeping below. Flushes snapshot everything they persist under mu
	// and release it before hitting the store.
	mu       sync.Mutex
	cond     *sync.Cond
	flushing bool
	pending  int // mutations since last completed flush
	dirty    map[int64]struct{}
}

// Snapshot is the raw persisted shape of an index: the workflow row plus a
// batch of its run records. It is one arm of the source union; the other is
// an already-materialized *Index. Deciding which arm applies happens exactly
// once, at Materialize.
type Snapshot struct {
	Workflow *model.Workflow
	Runs     []*model.RunRecord
}

// Source is either a raw Snapshot or a live *Index.
type Source interface {
	isSource()
}

func (*Snapshot) isSource() {}
func (*Index) isSource()    {}

// Materialize turns a source into a live index. A Snapshot is loaded run by
// run (skipping duplicates); a live index passes through unchanged.
func Materialize(src Source, runsDB repo.IRunRepository, policy CommitPolicy, sink *metrics.Sink) (*Index, error) {
	switch s := src.(type) {
	case *Index:
		return s, nil
	case *Snapshot:
		// Auto-commit stays off while the snapshot loads: replaying
		// persisted records is not new work to commit.
		idx := newIndex(s.Workflow, runsDB, CommitPolicy{}, sink)
		for _, run := range s.Runs {
			if err := idx.AddRun(run, true); err != nil {
				return nil, err
			}
		}
		idx.mu.Lock()
		idx.pending = 0
		idx.dirty = make(map[int64]struct{})
		idx.policy = policy
		idx.mu.Unlock()
		return idx, nil
	default:
		return nil, errcode.New(errcode.CodeValidation, "unknown index source")
	}
}

func newIndex(workflow *model.Workflow, runsDB repo.IRunRepository, policy CommitPolicy, sink *metrics.Sink) *Index {
	idx := &Index{
		workflow: workflow,
		runs:     make(map[int64]*model.RunRecord),
		buckets:  make(map[string][]int64),
		policy:   policy,
		runsDB:   runsDB,
		sink:     sink,
		dirty:    make(map[int64]struct{}),
	}
	idx.cond = sync.NewCond(&idx.mu)
	return idx
}

// Workflow returns the entity row the index was built around.
func (x *Index) Workflow() *model.Workflow {
	return x.workflow
}

// TotalCount returns the number of distinct runs held.
func (x *Index) TotalCount() int {
	return len(x.runs)
}

// IsExistingRun reports whether the run id is present.
func (x *Index) IsExistingRun(id int64) bool {
	_, ok := x.runs[id]
	return ok
}

// GetRun returns the record for id, nil when absent.
func (x *Index) GetRun(id int64) *model.RunRecord {
	return x.runs[id]
}

// AddRun inserts a run record. A duplicate id fails with the
// already-existing-run-data code unless allowSkip is set, in which case the
// record is replaced. Extrema advance only on strict comparison; ties keep
// the existing extremum.
func (x *Index) AddRun(run *model.RunRecord, allowSkip bool) error {
	if err := run.Validate(); err != nil {
		return errcode.Wrap(errcode.CodeValidation, "invalid run record", err)
	}

	x.mu.Lock()
	if _, exists := x.runs[run.RunID]; exists {
		if !allowSkip {
			x.mu.Unlock()
			return errcode.New(errcode.CodeAlreadyExistingRun, "already existing run data")
		}
		x.runs[run.RunID] = run
		due := x.markMutatedLocked(run.RunID)
		x.mu.Unlock()
		x.kickFlush(due)
		return nil
	}

	if run.PeriodKey == "" {
		run.PeriodKey = model.PeriodKeyFor(run.StartedAt)
	}
	x.runs[run.RunID] = run
	x.buckets[run.PeriodKey] = append(x.buckets[run.PeriodKey], run.RunID)
	x.workflow.RunsCount = int64(len(x.runs))

	if x.workflow.NewestRunAt == nil || run.StartedAt.After(*x.workflow.NewestRunAt) {
		t := run.StartedAt
		x.workflow.NewestRunAt = &t
	}
	if x.workflow.OldestRunAt == nil || run.StartedAt.Before(*x.workflow.OldestRunAt) {
		t := run.StartedAt
		x.workflow.OldestRunAt = &t
	}

	due := x.markMutatedLocked(run.RunID)
	x.mu.Unlock()
	x.kickFlush(due)
	return nil
}

// UpdateRun replaces only the usage-data portion of an existing run.
func (x *Index) UpdateRun(id int64, usage *model.UsageData) error {
	x.mu.Lock()
	run, ok := x.runs[id]
	if !ok {
		x.mu.Unlock()
		return errcode.New(errcode.CodeRunNotFound, "run not found")
	}
	run.Usage = usage
	due := x.markMutatedLocked(id)
	x.mu.Unlock()
	x.kickFlush(due)
	return nil
}

// RunIsIncomplete reports whether a record still misses data an ingestion
// pass should fetch: no conclusion yet, unknown status, absent usage data,
// or any step lacking its nested detail payload.
func (x *Index) RunIsIncomplete(run *model.RunRecord) bool {
	return !run.Complete()
}

// Newest and Oldest return the running extrema, nil before the first run.
func (x *Index) Newest() *time.Time { return x.workflow.NewestRunAt }
func (x *Index) Oldest() *time.Time { return x.workflow.OldestRunAt }

// Runs returns the records ordered by start time, descending. The view is
// built lazily and cached until the next mutation.
func (x *Index) Runs() []*model.RunRecord {
	if x.sortedValid {
		return x.sorted
	}
	out := make([]*model.RunRecord, 0, len(x.runs))
	for _, ids := range x.buckets {
		for _, id := range ids {
			out = append(out, x.runs[id])
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	x.sorted = out
	x.sortedValid = true
	return out
}

// markMutatedLocked drops the cached view and counts the mutation. It
// reports whether an auto-commit flush became due; callers kick the flush
// after releasing mu. Must be called with mu held.
func (x *Index) markMutatedLocked(id int64) bool {
	x.sortedValid = false
	x.sorted = nil

	x.pending++
	x.dirty[id] = struct{}{}
	due := x.policy.Every > 0 && x.pending >= x.policy.Every && !x.flushing
	if due {
		x.flushing = true
	}
	return due
}

func (x *Index) kickFlush(due bool) {
	if due {
		safe.Go(func() { x.flushLoop() })
	}
}

// flushLoop runs at most one flush at a time. When mutations arrive while a
// flush is in flight, the counter keeps growing; after the flush lands, the
// counter is decremented by exactly the flushed amount and the loop decides
// whether another pass is due.
func (x *Index) flushLoop() {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		n, err := x.flushOnce(ctx)
		cancel()

		x.mu.Lock()
		if err != nil {
			log.Errorw("auto-commit flush failed", "workflow", x.workflow.Key, "error", err)
			x.flushing = false
			x.cond.Broadcast()
			x.mu.Unlock()
			return
		}
		x.pending -= n
		if x.sink != nil {
			x.sink.IndexFlushes.Inc()
		}
		if x.policy.Every > 0 && x.pending >= x.policy.Every {
			x.mu.Unlock()
			continue
		}
		x.flushing = false
		x.cond.Broadcast()
		x.mu.Unlock()
		return
	}
}

// flushOnce persists the currently dirty records plus the workflow counters
// and returns the number of mutations it covered. Records and counters are
// snapshotted under mu so the owning job can keep mutating while the store
// write is in flight. On failure the dirty set is restored so the records
// are retried.
func (x *Index) flushOnce(ctx context.Context) (int, error) {
	x.mu.Lock()
	n := x.pending
	ids := x.dirty
	x.dirty = make(map[int64]struct{})
	if len(ids) == 0 {
		x.mu.Unlock()
		return n, nil
	}
	batch := make([]*model.RunRecord, 0, len(ids))
	for id := range ids {
		if run, ok := x.runs[id]; ok {
			snapshot := *run
			batch = append(batch, &snapshot)
		}
	}
	counters := map[string]any{
		"runs_count":    x.workflow.RunsCount,
		"newest_run_at": x.workflow.NewestRunAt,
		"oldest_run_at": x.workflow.OldestRunAt,
	}
	x.mu.Unlock()

	err := x.runsDB.SaveBatch(ctx, batch, counters)
	if err != nil {
		x.mu.Lock()
		for id := range ids {
			x.dirty[id] = struct{}{}
		}
		x.mu.Unlock()
		return 0, errcode.Wrap(errcode.CodeFailedToSaveRuns, "failed to save runs", err)
	}
	return n, nil
}

// Commit flushes all outstanding mutations synchronously, waiting out any
// in-flight auto-commit first.
func (x *Index) Commit(ctx context.Context) error {
	x.mu.Lock()
	for x.flushing {
		x.cond.Wait()
	}
	x.flushing = true
	x.mu.Unlock()

	n, err := x.flushOnce(ctx)

	x.mu.Lock()
	if err == nil {
		x.pending -= n
		if x.sink != nil {
			x.sink.IndexFlushes.Inc()
		}
	}
	x.flushing = false
	x.cond.Broadcast()
	x.mu.Unlock()
	return err
}

// Wait blocks until no auto-commit flush is in flight.
func (x *Index) Wait() {
	x.mu.Lock()
	for x.flushing {
		x.cond.Wait()
	}
	x.mu.Unlock()
}

// Pending returns the mutation count not yet covered by a completed flush.
func (x *Index) Pending() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.pending
}
