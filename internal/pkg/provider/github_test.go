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

package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actionstat/actionstat/internal/engine/model"
	"github.com/actionstat/actionstat/pkg/errcode"
)

func newGitHubTest(t *testing.T, handler http.Handler) *GitHub {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewGitHub(GitHubConfig{ApiBaseUrl: srv.URL})
}

func TestListRunsTranslates(t *testing.T) {
	p := newGitHubTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/octo/app/actions/workflows/ci.yml/runs", r.URL.Path)
		assert.Equal(t, ">=2026-08-01", r.URL.Query().Get("created"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"total_count": 2,
			"workflow_runs": [
				{"id": 101, "status": "completed", "conclusion": "success",
				 "run_started_at": "2026-08-27T10:00:00Z", "updated_at": "2026-08-27T10:01:00Z"},
				{"id": 102, "status": "in_progress", "conclusion": null,
				 "run_started_at": "2026-08-27T11:00:00Z"}
			]
		}`))
	}))

	ref := WorkflowRef{Owner: "octo", Repo: "app", Workflow: "ci.yml"}
	since := mustTime(t, "2026-08-01T00:00:00Z")
	page, err := p.ListRuns(context.Background(), ref, since, 1)
	require.NoError(t, err)
	require.Len(t, page.Runs, 2)
	assert.False(t, page.HasMore)

	first := page.Runs[0]
	assert.Equal(t, int64(101), first.RunID)
	assert.Equal(t, model.RunStatusCompleted, first.Status)
	assert.Equal(t, model.RunConclusionSuccess, first.Conclusion)
	assert.Equal(t, int64(60000), first.DurationMs)
	assert.Equal(t, "octo/app/ci.yml", first.WorkflowKey)
	assert.Equal(t, model.PeriodKeyFor(first.StartedAt), first.PeriodKey)

	second := page.Runs[1]
	assert.Equal(t, model.RunStatusInProgress, second.Status)
	assert.Equal(t, model.RunConclusionNone, second.Conclusion)
	assert.Nil(t, second.CompletedAt)
}

func TestListRunsWorkflowNotFound(t *testing.T) {
	p := newGitHubTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	ref := WorkflowRef{Owner: "octo", Repo: "app", Workflow: "gone.yml"}
	_, err := p.ListRuns(context.Background(), ref, mustTime(t, "2026-08-01T00:00:00Z"), 1)
	require.Error(t, err)
	assert.True(t, errcode.HasCode(err, errcode.CodeWorkflowNotFound))
}

func TestResolveWorkflowByPath(t *testing.T) {
	p := newGitHubTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"workflows": [
			{"id": 314, "name": "CI", "path": ".github/workflows/ci.yml"}
		]}`))
	}))

	info, err := p.ResolveWorkflow(context.Background(), WorkflowRef{Owner: "octo", Repo: "app", Workflow: "ci.yml"})
	require.NoError(t, err)
	assert.Equal(t, int64(314), info.ID)
	assert.Equal(t, "CI", info.Name)

	_, err = p.ResolveWorkflow(context.Background(), WorkflowRef{Owner: "octo", Repo: "app", Workflow: "missing.yml"})
	require.Error(t, err)
	assert.True(t, errcode.HasCode(err, errcode.CodeWorkflowNotFound))
}

func TestGetUsageCombinesTimingAndJobs(t *testing.T) {
	p := newGitHubTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/repos/octo/app/actions/runs/101/timing":
			_, _ = w.Write([]byte(`{
				"billable": {"UBUNTU": {"total_ms": 60000}},
				"run_duration_ms": 60000
			}`))
		case "/repos/octo/app/actions/runs/101/jobs":
			_, _ = w.Write([]byte(`{"jobs": [{
				"id": 11, "name": "build",
				"started_at": "2026-08-27T10:00:00Z", "completed_at": "2026-08-27T10:00:45Z",
				"steps": [{
					"number": 1, "name": "compile", "status": "completed", "conclusion": "success",
					"started_at": "2026-08-27T10:00:00Z", "completed_at": "2026-08-27T10:00:30Z"
				}]
			}]}`))
		default:
			http.NotFound(w, r)
		}
	}))

	ref := WorkflowRef{Owner: "octo", Repo: "app", Workflow: "ci.yml"}
	usage, err := p.GetUsage(context.Background(), ref, 101)
	require.NoError(t, err)

	assert.Equal(t, int64(60000), usage.BillableMs)
	assert.Equal(t, int64(60000), usage.BillableByLabel["UBUNTU"])
	require.Len(t, usage.Jobs, 1)
	assert.Equal(t, "build", usage.Jobs[0].JobName)
	assert.Equal(t, int64(45000), usage.Jobs[0].DurationMs)
	require.Len(t, usage.Jobs[0].Steps, 1)
	assert.Equal(t, int64(30000), usage.Jobs[0].Steps[0].DurationMs)
	assert.True(t, usage.Jobs[0].Steps[0].HasDetail())
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return parsed
}
