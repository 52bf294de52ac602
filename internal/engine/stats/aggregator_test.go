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

package stats

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actionstat/actionstat/internal/engine/model"
	"github.com/actionstat/actionstat/internal/engine/repo"
	"github.com/actionstat/actionstat/pkg/database"
	"github.com/actionstat/actionstat/pkg/errcode"
)

// countingRunRepo wraps the real repository to observe page reads.
type countingRunRepo struct {
	repo.IRunRepository
	listCalls int
}

func (c *countingRunRepo) ListWindow(ctx context.Context, query repo.RunWindowQuery) ([]*model.RunRecord, error) {
	c.listCalls++
	return c.IRunRepository.ListWindow(ctx, query)
}

type testEnv struct {
	repos    *repo.Repositories
	runs     *countingRunRepo
	engine   *Engine
	workflow *model.Workflow
}

func newTestEnv(t *testing.T, now time.Time) *testEnv {
	t.Helper()
	mgr, err := database.NewManager(database.Database{
		Driver: database.DriverSQLite,
		Path:   fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	repos, err := repo.NewRepositories(database.NewDatabaseAdapter(mgr))
	require.NoError(t, err)

	workflow := &model.Workflow{
		Key:          "octo/app/ci",
		Owner:        "octo",
		Repo:         "app",
		WorkflowName: "ci",
		WorkflowID:   314,
	}
	require.NoError(t, repos.Workflow.Create(context.Background(), workflow))

	runs := &countingRunRepo{IRunRepository: repos.Run}
	engine := NewEngine(runs, repos.Aggregate, WithClock(func() time.Time { return now }))
	return &testEnv{repos: repos, runs: runs, engine: engine, workflow: workflow}
}

func (env *testEnv) addRun(t *testing.T, id int64, startedAt time.Time, durationMs int64, conclusion model.RunConclusion) {
	t.Helper()
	completed := startedAt.Add(time.Duration(durationMs) * time.Millisecond)
	run := &model.RunRecord{
		WorkflowKey: env.workflow.Key,
		RunID:       id,
		Status:      model.RunStatusCompleted,
		Conclusion:  conclusion,
		StartedAt:   startedAt,
		CompletedAt: &completed,
		DurationMs:  durationMs,
		PeriodKey:   model.PeriodKeyFor(startedAt),
	}
	require.NoError(t, env.repos.Run.SaveBatch(context.Background(), []*model.RunRecord{run}, nil))
}

func TestAggregateSingleRun(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t, now)
	env.addRun(t, 1, time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC), 60000, model.RunConclusionSuccess)

	records, err := env.engine.Aggregate(context.Background(), env.workflow, PeriodDay, now)
	require.NoError(t, err)
	require.Len(t, records, 1)

	agg := records[0]
	assert.Equal(t, int64(1), agg.RunsCount)
	assert.Equal(t, int64(60000), agg.MinRunDurationMs)
	assert.Equal(t, int64(60000), agg.MaxRunDurationMs)
	assert.Equal(t, int64(60000), agg.MinCompletedDurationMs)
	assert.Equal(t, float64(60000), agg.MeanRunDurationMs)
	assert.Equal(t, int64(1), agg.StatusCount["success"])
	assert.Equal(t, int64(314), agg.WorkflowID)
	assert.Equal(t, "ci", agg.WorkflowName)
}

func TestAggregateCachedSecondCall(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t, now)
	env.addRun(t, 1, time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC), 60000, model.RunConclusionSuccess)

	first, err := env.engine.Aggregate(context.Background(), env.workflow, PeriodDay, now)
	require.NoError(t, err)
	callsAfterFirst := env.runs.listCalls
	require.Greater(t, callsAfterFirst, 0)

	// No run changes: the second call reads zero pages and returns the
	// persisted record verbatim, bucket bounds included.
	second, err := env.engine.Aggregate(context.Background(), env.workflow, PeriodDay, now)
	require.NoError(t, err)
	assert.Equal(t, callsAfterFirst, env.runs.listCalls)
	assert.Equal(t, first, second)
}

func TestAggregateBucketEndSurvivesRoundTrip(t *testing.T) {
	start := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 27, 23, 59, 59, int(999*time.Millisecond), time.UTC)

	record := model.NewEmptyAggregate("octo/app/ci", string(PeriodDay), start, end)
	m, err := record.ToModel()
	require.NoError(t, err)

	back, err := m.ToRecord()
	require.NoError(t, err)
	assert.Equal(t, start, back.BucketStart)
	assert.Equal(t, end, back.BucketEnd, "millisecond bucket end must not truncate")
}

func TestAggregateRecomputesOnNewRun(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t, now)
	env.addRun(t, 1, time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC), 60000, model.RunConclusionSuccess)

	first, err := env.engine.Aggregate(context.Background(), env.workflow, PeriodDay, now)
	require.NoError(t, err)
	require.Equal(t, int64(1), first[0].RunsCount)

	env.addRun(t, 2, time.Date(2026, 8, 27, 11, 0, 0, 0, time.UTC), 120000, model.RunConclusionFailure)

	second, err := env.engine.Aggregate(context.Background(), env.workflow, PeriodDay, now)
	require.NoError(t, err)
	agg := second[0]
	assert.Equal(t, int64(2), agg.RunsCount)
	assert.Equal(t, int64(60000), agg.MinRunDurationMs)
	assert.Equal(t, int64(120000), agg.MaxRunDurationMs)
	assert.Equal(t, float64(90000), agg.MeanRunDurationMs)
	assert.Equal(t, int64(1), agg.StatusCount["success"])
	assert.Equal(t, int64(1), agg.StatusCount["failure"])
	// Minimum completed duration only tracks successful runs.
	assert.Equal(t, int64(60000), agg.MinCompletedDurationMs)
}

func TestAggregateEmptyBucketSentinels(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t, now)

	records, err := env.engine.Aggregate(context.Background(), env.workflow, PeriodDay, now)
	require.NoError(t, err)
	require.Len(t, records, 1)

	agg := records[0]
	assert.Equal(t, int64(0), agg.RunsCount)
	assert.Equal(t, model.UnsetWorkflowID, agg.WorkflowID)
	assert.Equal(t, model.UnsetDurationMs, agg.MinRunDurationMs)
	assert.Equal(t, float64(0), agg.MeanRunDurationMs, "zero folded runs must not divide")
}

func TestBucketBoundaryExclusive(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t, now)

	// Exactly at the second bucket's start boundary.
	boundary := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	env.addRun(t, 1, boundary, 60000, model.RunConclusionSuccess)

	from := time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC)
	records, err := env.engine.Aggregate(context.Background(), env.workflow, PeriodDay, from)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, int64(0), records[0].RunsCount)
	assert.Equal(t, int64(1), records[1].RunsCount)
}

func TestAggregateMultiplePages(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t, now)
	env.engine.pageSize = 10

	base := time.Date(2026, 8, 27, 0, 30, 0, 0, time.UTC)
	for i := int64(1); i <= 25; i++ {
		env.addRun(t, i, base.Add(time.Duration(i)*time.Minute), 1000*i, model.RunConclusionSuccess)
	}

	records, err := env.engine.Aggregate(context.Background(), env.workflow, PeriodDay, now)
	require.NoError(t, err)
	require.Len(t, records, 1)

	agg := records[0]
	assert.Equal(t, int64(25), agg.RunsCount)
	assert.Equal(t, int64(1000), agg.MinRunDurationMs)
	assert.Equal(t, int64(25000), agg.MaxRunDurationMs)
	assert.Equal(t, float64(13000), agg.MeanRunDurationMs)
}

func TestAggregateJobAndStepHistograms(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t, now)

	startedAt := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	completed := startedAt.Add(time.Minute)
	stepDone := startedAt.Add(30 * time.Second)
	run := &model.RunRecord{
		WorkflowKey: env.workflow.Key,
		RunID:       1,
		Status:      model.RunStatusCompleted,
		Conclusion:  model.RunConclusionSuccess,
		StartedAt:   startedAt,
		CompletedAt: &completed,
		DurationMs:  60000,
		PeriodKey:   model.PeriodKeyFor(startedAt),
		Usage: &model.UsageData{
			BillableMs: 60000,
			Jobs: []model.JobUsage{{
				JobID:      11,
				JobName:    "build",
				DurationMs: 45000,
				Steps: []model.StepRecord{{
					Number:      1,
					Name:        "compile",
					Status:      model.RunStatusCompleted,
					Conclusion:  model.RunConclusionSuccess,
					StartedAt:   &startedAt,
					CompletedAt: &stepDone,
					DurationMs:  30000,
				}},
			}},
		},
	}
	require.NoError(t, env.repos.Run.SaveBatch(context.Background(), []*model.RunRecord{run}, nil))

	records, err := env.engine.Aggregate(context.Background(), env.workflow, PeriodDay, now)
	require.NoError(t, err)
	agg := records[0]

	build := agg.JobStats["build"]
	require.NotNil(t, build)
	assert.Equal(t, int64(1), build.Count)
	assert.Equal(t, int64(45000), build.DurationMs)
	assert.Equal(t, int64(1), build.ByConclusion["success"].Count)
	assert.Equal(t, int64(1), build.ByStatus["completed"].Count)
	assert.Equal(t, int64(30000), agg.StepDurationMs["build>compile"])
	assert.Equal(t, int64(1), build.AggregatedSteps.Count)

	require.Len(t, agg.Details, 1)
	assert.Equal(t, int64(1), agg.Details[0].RunID)
	require.Len(t, agg.Details[0].Jobs, 1)
	assert.Equal(t, "build", agg.Details[0].Jobs[0].JobName)
}

func TestAggregateAborted(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t, now)
	env.addRun(t, 1, time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC), 60000, model.RunConclusionSuccess)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.engine.Aggregate(ctx, env.workflow, PeriodDay, now)
	require.Error(t, err)
	assert.True(t, errcode.HasCode(err, errcode.CodeAbortSignalAborted))
}
