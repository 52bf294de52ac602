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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actionstat/actionstat/internal/engine/model"
	"github.com/actionstat/actionstat/internal/engine/repo"
	"github.com/actionstat/actionstat/internal/engine/runindex"
	"github.com/actionstat/actionstat/internal/engine/stats"
	"github.com/actionstat/actionstat/internal/pkg/provider"
	"github.com/actionstat/actionstat/pkg/database"
	"github.com/actionstat/actionstat/pkg/errcode"
	"github.com/actionstat/actionstat/pkg/jobqueue"
)

// fakeProvider serves canned runs and usage data.
type fakeProvider struct {
	runs       []*model.RunRecord
	usage      map[int64]*model.UsageData
	lastSince  time.Time
	usageCalls int
}

func (f *fakeProvider) ResolveWorkflow(ctx context.Context, ref provider.WorkflowRef) (*provider.WorkflowInfo, error) {
	return &provider.WorkflowInfo{ID: 314, Name: ref.Workflow}, nil
}

func (f *fakeProvider) ListRuns(ctx context.Context, ref provider.WorkflowRef, since time.Time, page int) (*provider.RunPage, error) {
	f.lastSince = since
	if page > 1 {
		return &provider.RunPage{}, nil
	}
	return &provider.RunPage{Runs: f.runs}, nil
}

func (f *fakeProvider) GetUsage(ctx context.Context, ref provider.WorkflowRef, runID int64) (*model.UsageData, error) {
	f.usageCalls++
	usage, ok := f.usage[runID]
	if !ok {
		return nil, errcode.New(errcode.CodeRunNotFound, "run not found")
	}
	return usage, nil
}

type serviceEnv struct {
	repos    *repo.Repositories
	source   *fakeProvider
	ingest   *IngestService
	jobs     *JobService
	engine   *stats.Engine
	statsSvc *StatsService
}

func newServiceEnv(t *testing.T) *serviceEnv {
	t.Helper()
	mgr, err := database.NewManager(database.Database{
		Driver: database.DriverSQLite,
		Path:   fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	db := database.NewDatabaseAdapter(mgr)
	repos, err := repo.NewRepositories(db)
	require.NoError(t, err)

	store, err := jobqueue.NewStore(db)
	require.NoError(t, err)
	queue := jobqueue.NewQueue(jobqueue.Config{Name: "stats"}, store)

	source := &fakeProvider{usage: map[int64]*model.UsageData{}}
	ingest := NewIngestService(repos, source, IngestLimits{}, runindex.CommitPolicy{}, nil)
	engine := stats.NewEngine(repos.Run, repos.Aggregate)
	statsSvc := NewStatsService(repos, engine, nil)
	jobs := NewJobService(queue, repos, ingest, engine, statsSvc, source, jobqueue.PollerConfig{}, nil)

	return &serviceEnv{repos: repos, source: source, ingest: ingest, jobs: jobs, engine: engine, statsSvc: statsSvc}
}

func fakeRun(id int64, startedAt time.Time) *model.RunRecord {
	completed := startedAt.Add(time.Minute)
	return &model.RunRecord{
		WorkflowKey: "octo/app/ci.yml",
		RunID:       id,
		Status:      model.RunStatusCompleted,
		Conclusion:  model.RunConclusionSuccess,
		StartedAt:   startedAt,
		CompletedAt: &completed,
		DurationMs:  60000,
		PeriodKey:   model.PeriodKeyFor(startedAt),
	}
}

var testRef = provider.WorkflowRef{Owner: "octo", Repo: "app", Workflow: "ci.yml"}

func TestIngestUpdatesCreatesWorkflow(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t)
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	env.source.runs = []*model.RunRecord{fakeRun(1, base), fakeRun(2, base.Add(time.Hour))}

	result, err := env.ingest.IngestUpdates(ctx, testRef, "")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Added)
	assert.Empty(t, result.Stopped)

	workflow, err := env.repos.Workflow.GetByKey(ctx, "octo/app/ci.yml")
	require.NoError(t, err)
	require.NotNil(t, workflow)
	assert.Equal(t, int64(314), workflow.WorkflowID)

	persisted, err := env.repos.Run.ListByKey(ctx, "octo/app/ci.yml")
	require.NoError(t, err)
	assert.Len(t, persisted, 2)
}

func TestIngestUpdatesNewestUsesExtremum(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t)
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	env.source.runs = []*model.RunRecord{fakeRun(1, base)}

	_, err := env.ingest.IngestUpdates(ctx, testRef, provider.DirectionNewest)
	require.NoError(t, err)
	assert.True(t, env.source.lastSince.IsZero(), "first pass fetches from the beginning")

	// The second pass resumes from the newest stored run.
	_, err = env.ingest.IngestUpdates(ctx, testRef, provider.DirectionNewest)
	require.NoError(t, err)
	assert.True(t, env.source.lastSince.Equal(base), "since should be the newest stored run")

	// Re-ingesting the overlapping boundary run is not a failure and does
	// not duplicate it.
	persisted, err := env.repos.Run.ListByKey(ctx, "octo/app/ci.yml")
	require.NoError(t, err)
	assert.Len(t, persisted, 1)
}

func TestIngestMaxRunsStopsSoftly(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t)
	env.ingest.limits.MaxRuns = 1
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	env.source.runs = []*model.RunRecord{fakeRun(1, base), fakeRun(2, base.Add(time.Hour))}

	result, err := env.ingest.IngestUpdates(ctx, testRef, "")
	require.NoError(t, err)
	assert.Equal(t, jobqueue.ReasonMaxData, result.Stopped)
	assert.Equal(t, 1, result.Added)
}

func TestFetchUsageDataShortCircuits(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t)
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	env.source.runs = []*model.RunRecord{fakeRun(1, base)}
	env.source.usage[1] = &model.UsageData{BillableMs: 60000}

	_, err := env.ingest.IngestUpdates(ctx, testRef, "")
	require.NoError(t, err)

	key := RunKeyFor("octo/app/ci.yml", 1)
	require.NoError(t, env.jobs.fetchUsageData(ctx, key))
	assert.Equal(t, 1, env.source.usageCalls)

	run, err := env.repos.Run.Get(ctx, "octo/app/ci.yml", 1)
	require.NoError(t, err)
	require.NotNil(t, run.Usage)
	assert.Equal(t, int64(60000), run.Usage.BillableMs)

	// Complete usage data short-circuits the second delivery.
	require.NoError(t, env.jobs.fetchUsageData(ctx, key))
	assert.Equal(t, 1, env.source.usageCalls)
}

func TestComputeStatUpserts(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t)
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	env.source.runs = []*model.RunRecord{fakeRun(1, base)}

	_, err := env.ingest.IngestUpdates(ctx, testRef, "")
	require.NoError(t, err)

	key := RunKeyFor("octo/app/ci.yml", 1)
	require.NoError(t, env.jobs.computeStat(ctx, key))
	// Idempotent: a redelivered step re-runs without harm.
	require.NoError(t, env.jobs.computeStat(ctx, key))

	week := stats.PeriodWeek
	agg, err := env.repos.Aggregate.Get(ctx, "octo/app/ci.yml", string(week),
		week.AlignStart(base), week.AlignStart(base).Add(week.Width()-time.Millisecond))
	require.NoError(t, err)
	require.NotNil(t, agg)
	assert.Equal(t, int64(1), agg.RunsCount)
}

func TestSplitRunKey(t *testing.T) {
	wf, id, err := splitRunKey("octo/app/ci.yml/42")
	require.NoError(t, err)
	assert.Equal(t, "octo/app/ci.yml", wf)
	assert.Equal(t, int64(42), id)

	_, _, err = splitRunKey("noslash")
	require.Error(t, err)
	assert.True(t, errcode.HasCode(err, errcode.CodeValidation))

	_, _, err = splitRunKey("octo/app/ci.yml/notanumber")
	require.Error(t, err)
}

func TestEnqueuePendingWork(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t)

	require.NoError(t, env.jobs.SubmitRunStats(ctx, "octo/app/ci.yml", 7))

	record, err := env.repos.PendingWork.Oldest(ctx, PendingGroupStats)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, JobRunStats, record.JobName)
	assert.Contains(t, string(record.Payload), "octo/app/ci.yml/7")
}

func TestStatsServiceWorkflowNotFound(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t)

	_, err := env.statsSvc.Aggregate(ctx, "missing/wf/key", stats.PeriodDay, time.Now())
	require.Error(t, err)
	assert.True(t, errcode.HasCode(err, errcode.CodeWorkflowNotFound))
}

func TestIngestQueuesIncompleteRuns(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t)
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	complete := fakeRun(1, base)
	complete.Usage = &model.UsageData{BillableMs: 60000}
	env.source.runs = []*model.RunRecord{complete, fakeRun(2, base.Add(time.Hour))}

	result, err := env.ingest.IngestUpdates(ctx, testRef, "")
	require.NoError(t, err)
	env.jobs.queueRunFollowUps(ctx, result)

	// Only the run still missing usage data gets a populate-then-aggregate
	// unit; the complete one is skipped.
	record, err := env.repos.PendingWork.Oldest(ctx, PendingGroupStats)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, JobRunStats, record.JobName)
	assert.Contains(t, string(record.Payload), "octo/app/ci.yml/2")

	require.NoError(t, env.repos.PendingWork.Delete(ctx, record.ID))
	record, err = env.repos.PendingWork.Oldest(ctx, PendingGroupStats)
	require.NoError(t, err)
	assert.Nil(t, record)
}
