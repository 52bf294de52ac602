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
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/actionstat/actionstat/internal/engine/model"
	"github.com/actionstat/actionstat/pkg/env"
	"github.com/actionstat/actionstat/pkg/errcode"
)

// GitHubConfig configures the GitHub Actions data source.
type GitHubConfig struct {
	ApiBaseUrl string `mapstructure:"apiBaseUrl"`
	Token      string `mapstructure:"token"`
	PageSize   int    `mapstructure:"pageSize"`
	// SleepEveryN inserts a cooperative sleep after every N requests to
	// stay under the API rate limit. Zero disables the sleeps.
	SleepEveryN int           `mapstructure:"sleepEveryN"`
	SleepFor    time.Duration `mapstructure:"sleepFor"`
}

// SetDefaults fills in zero fields.
func (c *GitHubConfig) SetDefaults() {
	if c.ApiBaseUrl == "" {
		c.ApiBaseUrl = "https://api.github.com"
	}
	if c.Token == "" {
		c.Token = env.GetEnvString("ACTIONSTAT_GITHUB_TOKEN", "")
	}
	if c.PageSize <= 0 || c.PageSize > 100 {
		c.PageSize = 100
	}
	if c.SleepFor <= 0 {
		c.SleepFor = time.Second
	}
}

// GitHub implements Provider against the GitHub Actions REST API.
type GitHub struct {
	cfg      GitHubConfig
	client   *resty.Client
	requests atomic.Int64
}

// NewGitHub creates a GitHub-backed provider.
func NewGitHub(cfg GitHubConfig) *GitHub {
	cfg.SetDefaults()
	p := &GitHub{cfg: cfg}
	p.client = resty.New().SetTimeout(15 * time.Second)
	p.client.SetBaseURL(strings.TrimRight(cfg.ApiBaseUrl, "/"))
	if strings.TrimSpace(cfg.Token) != "" {
		p.client.SetAuthToken(cfg.Token)
	}
	return p
}

// throttle sleeps after every Nth request. Cooperative: the sleep aborts
// when the context is cancelled.
func (p *GitHub) throttle(ctx context.Context) error {
	if p.cfg.SleepEveryN <= 0 {
		return nil
	}
	n := p.requests.Add(1)
	if n%int64(p.cfg.SleepEveryN) != 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-time.After(p.cfg.SleepFor):
		return nil
	}
}

// ResolveWorkflow resolves a workflow file name or display name to its
// provider-side id.
func (p *GitHub) ResolveWorkflow(ctx context.Context, ref WorkflowRef) (*WorkflowInfo, error) {
	if err := p.throttle(ctx); err != nil {
		return nil, err
	}

	var resp struct {
		Workflows []struct {
			ID   int64  `json:"id"`
			Name string `json:"name"`
			Path string `json:"path"`
		} `json:"workflows"`
	}
	path := fmt.Sprintf("/repos/%s/%s/actions/workflows",
		url.PathEscape(ref.Owner), url.PathEscape(ref.Repo))
	r, err := p.client.R().
		SetContext(ctx).
		SetQueryParam("per_page", "100").
		SetResult(&resp).
		Get(path)
	if err != nil {
		return nil, errcode.Wrap(errcode.CodeUpstreamUnavailable, "failed to list workflows", err)
	}
	if r.IsError() {
		return nil, errcode.New(errcode.CodeUpstreamUnavailable,
			fmt.Sprintf("github api error: %s", r.Status()))
	}

	want := strings.ToLower(ref.Workflow)
	for _, wf := range resp.Workflows {
		if strings.ToLower(wf.Name) == want || strings.EqualFold(baseName(wf.Path), ref.Workflow) {
			return &WorkflowInfo{ID: wf.ID, Name: wf.Name, Path: wf.Path}, nil
		}
	}
	return nil, errcode.New(errcode.CodeWorkflowNotFound,
		fmt.Sprintf("workflow %q not found in %s/%s", ref.Workflow, ref.Owner, ref.Repo))
}

// ListRuns fetches one page of workflow runs created at or after since and
// translates them into run records.
func (p *GitHub) ListRuns(ctx context.Context, ref WorkflowRef, since time.Time, page int) (*RunPage, error) {
	if err := p.throttle(ctx); err != nil {
		return nil, err
	}

	var resp struct {
		TotalCount int64 `json:"total_count"`
		Runs       []struct {
			ID         int64      `json:"id"`
			Status     string     `json:"status"`
			Conclusion string     `json:"conclusion"`
			RunStarted time.Time  `json:"run_started_at"`
			UpdatedAt  *time.Time `json:"updated_at"`
		} `json:"workflow_runs"`
	}

	req := p.client.R().
		SetContext(ctx).
		SetQueryParam("per_page", strconv.Itoa(p.cfg.PageSize)).
		SetQueryParam("page", strconv.Itoa(page)).
		SetResult(&resp)
	if !since.IsZero() {
		req.SetQueryParam("created", ">="+since.UTC().Format("2006-01-02"))
	}
	if ref.Branch != "" {
		req.SetQueryParam("branch", ref.Branch)
	}

	path := fmt.Sprintf("/repos/%s/%s/actions/workflows/%s/runs",
		url.PathEscape(ref.Owner), url.PathEscape(ref.Repo), url.PathEscape(ref.Workflow))
	r, err := req.Get(path)
	if err != nil {
		return nil, errcode.Wrap(errcode.CodeUpstreamUnavailable, "failed to list runs", err)
	}
	if r.StatusCode() == http.StatusNotFound {
		return nil, errcode.New(errcode.CodeWorkflowNotFound,
			fmt.Sprintf("workflow %q not found in %s/%s", ref.Workflow, ref.Owner, ref.Repo))
	}
	if r.IsError() {
		return nil, errcode.New(errcode.CodeUpstreamUnavailable,
			fmt.Sprintf("github api error: %s", r.Status()))
	}

	key := model.BuildWorkflowKey(ref.Owner, ref.Repo, ref.Workflow, ref.Branch)
	runs := make([]*model.RunRecord, 0, len(resp.Runs))
	for _, raw := range resp.Runs {
		record := &model.RunRecord{
			WorkflowKey: key,
			RunID:       raw.ID,
			Status:      translateStatus(raw.Status),
			Conclusion:  model.RunConclusion(raw.Conclusion),
			StartedAt:   raw.RunStarted.UTC(),
			PeriodKey:   model.PeriodKeyFor(raw.RunStarted),
		}
		if record.Status.Terminal() && raw.UpdatedAt != nil {
			completed := raw.UpdatedAt.UTC()
			record.CompletedAt = &completed
			record.DurationMs = completed.Sub(record.StartedAt).Milliseconds()
		}
		runs = append(runs, record)
	}

	fetched := int64(page) * int64(p.cfg.PageSize)
	return &RunPage{Runs: runs, HasMore: fetched < resp.TotalCount}, nil
}

// GetUsage combines the run timing endpoint with the per-job listing to
// build the full billable breakdown.
func (p *GitHub) GetUsage(ctx context.Context, ref WorkflowRef, runID int64) (*model.UsageData, error) {
	if err := p.throttle(ctx); err != nil {
		return nil, err
	}

	var timing struct {
		Billable map[string]struct {
			TotalMs int64 `json:"total_ms"`
		} `json:"billable"`
		RunDurationMs int64 `json:"run_duration_ms"`
	}
	timingPath := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/timing",
		url.PathEscape(ref.Owner), url.PathEscape(ref.Repo), runID)
	r, err := p.client.R().SetContext(ctx).SetResult(&timing).Get(timingPath)
	if err != nil {
		return nil, errcode.Wrap(errcode.CodeUpstreamUnavailable, "failed to get run timing", err)
	}
	if r.StatusCode() == http.StatusNotFound {
		return nil, errcode.New(errcode.CodeRunNotFound, fmt.Sprintf("run %d not found", runID))
	}
	if r.IsError() {
		return nil, errcode.New(errcode.CodeUpstreamUnavailable,
			fmt.Sprintf("github api error: %s", r.Status()))
	}

	usage := &model.UsageData{
		BillableMs:      timing.RunDurationMs,
		BillableByLabel: map[string]int64{},
	}
	for label, b := range timing.Billable {
		usage.BillableByLabel[label] = b.TotalMs
	}

	jobs, err := p.listJobs(ctx, ref, runID)
	if err != nil {
		return nil, err
	}
	usage.Jobs = jobs
	return usage, nil
}

func (p *GitHub) listJobs(ctx context.Context, ref WorkflowRef, runID int64) ([]model.JobUsage, error) {
	if err := p.throttle(ctx); err != nil {
		return nil, err
	}

	var resp struct {
		Jobs []struct {
			ID          int64      `json:"id"`
			Name        string     `json:"name"`
			StartedAt   *time.Time `json:"started_at"`
			CompletedAt *time.Time `json:"completed_at"`
			Steps       []struct {
				Number      int        `json:"number"`
				Name        string     `json:"name"`
				Status      string     `json:"status"`
				Conclusion  string     `json:"conclusion"`
				StartedAt   *time.Time `json:"started_at"`
				CompletedAt *time.Time `json:"completed_at"`
			} `json:"steps"`
		} `json:"jobs"`
	}
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/jobs",
		url.PathEscape(ref.Owner), url.PathEscape(ref.Repo), runID)
	r, err := p.client.R().
		SetContext(ctx).
		SetQueryParam("per_page", "100").
		SetResult(&resp).
		Get(path)
	if err != nil {
		return nil, errcode.Wrap(errcode.CodeUpstreamUnavailable, "failed to list run jobs", err)
	}
	if r.IsError() {
		return nil, errcode.New(errcode.CodeUpstreamUnavailable,
			fmt.Sprintf("github api error: %s", r.Status()))
	}

	jobs := make([]model.JobUsage, 0, len(resp.Jobs))
	for _, raw := range resp.Jobs {
		job := model.JobUsage{
			JobID:   raw.ID,
			JobName: raw.Name,
		}
		if raw.StartedAt != nil && raw.CompletedAt != nil {
			job.DurationMs = raw.CompletedAt.Sub(*raw.StartedAt).Milliseconds()
		}
		for _, s := range raw.Steps {
			step := model.StepRecord{
				Number:      s.Number,
				Name:        s.Name,
				Status:      translateStatus(s.Status),
				Conclusion:  model.RunConclusion(s.Conclusion),
				StartedAt:   s.StartedAt,
				CompletedAt: s.CompletedAt,
			}
			if s.StartedAt != nil && s.CompletedAt != nil {
				step.DurationMs = s.CompletedAt.Sub(*s.StartedAt).Milliseconds()
			}
			job.Steps = append(job.Steps, step)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// translateStatus maps provider status strings onto the run status enum,
// falling back to the unknown sentinel.
func translateStatus(s string) model.RunStatus {
	switch model.RunStatus(s) {
	case model.RunStatusQueued, model.RunStatusInProgress, model.RunStatusCompleted,
		model.RunStatusWaiting, model.RunStatusRequested, model.RunStatusPending:
		return model.RunStatus(s)
	}
	return model.RunStatusUnknown
}

func baseName(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
