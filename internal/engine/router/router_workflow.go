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

package router

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/actionstat/actionstat/internal/engine/model"
	"github.com/actionstat/actionstat/internal/engine/stats"
	"github.com/actionstat/actionstat/internal/pkg/provider"
	"github.com/actionstat/actionstat/pkg/errcode"
	"github.com/actionstat/actionstat/pkg/http"
)

func (rt *Router) workflowRouter(r fiber.Router) {
	r.Get("/workflows", rt.listWorkflows)
	r.Post("/ingest/:owner/:repo/:workflow", rt.ingestWorkflow)
	r.Get("/stats/:owner/:repo/:workflow", rt.getStats)
	r.Post("/stats/:owner/:repo/:workflow/runs/:runId", rt.submitRunStats)
	r.Post("/jobs", rt.enqueueJob)
}

func (rt *Router) listWorkflows(c *fiber.Ctx) error {
	workflows, err := rt.repos.Workflow.List(c.Context())
	if err != nil {
		return http.WithRepErrMsg(c.Status(fiber.StatusInternalServerError), http.Failed.Code, err.Error(), c.Path())
	}
	return http.WithRepJSON(c, workflows)
}

func (rt *Router) ingestWorkflow(c *fiber.Ctx) error {
	ref, ok := refFromParams(c)
	if !ok {
		return http.WithRepErrMsg(c.Status(fiber.StatusBadRequest), http.BadRequest.Code, "owner, repo and workflow are required", c.Path())
	}

	var req struct {
		Branch    string `json:"branch"`
		Direction string `json:"direction"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return http.WithRepErrMsg(c.Status(fiber.StatusBadRequest), http.RequestParameterParsingFailed.Code, http.RequestParameterParsingFailed.Msg, c.Path())
		}
	}
	ref.Branch = strings.TrimSpace(req.Branch)

	direction := provider.Direction(strings.TrimSpace(req.Direction))
	switch direction {
	case "", provider.DirectionNewest, provider.DirectionOldest:
	default:
		return http.WithRepErrMsg(c.Status(fiber.StatusBadRequest), http.BadRequest.Code, "direction must be newest or oldest", c.Path())
	}

	jobID, err := rt.jobs.EnqueueIngest(c.Context(), ref, direction)
	if err != nil {
		return rt.errorReply(c, err)
	}

	c.Status(fiber.StatusAccepted)
	return http.WithRepJSON(c, fiber.Map{"jobId": jobID})
}

func (rt *Router) getStats(c *fiber.Ctx) error {
	ref, ok := refFromParams(c)
	if !ok {
		return http.WithRepErrMsg(c.Status(fiber.StatusBadRequest), http.BadRequest.Code, "owner, repo and workflow are required", c.Path())
	}
	ref.Branch = strings.TrimSpace(c.Query("branch"))

	period, err := stats.ParsePeriod(c.Query("period", string(stats.PeriodWeek)))
	if err != nil {
		return http.WithRepErrMsg(c.Status(fiber.StatusBadRequest), http.BadRequest.Code, err.Error(), c.Path())
	}

	from := time.Now().UTC()
	if raw := c.Query("from"); raw != "" {
		from, err = parseFrom(raw)
		if err != nil {
			return http.WithRepErrMsg(c.Status(fiber.StatusBadRequest), http.BadRequest.Code, err.Error(), c.Path())
		}
	}

	key := model.BuildWorkflowKey(ref.Owner, ref.Repo, ref.Workflow, ref.Branch)
	records, err := rt.stats.Aggregate(c.Context(), key, period, from)
	if err != nil {
		return rt.errorReply(c, err)
	}
	return http.WithRepJSON(c, records)
}

func (rt *Router) submitRunStats(c *fiber.Ctx) error {
	ref, ok := refFromParams(c)
	if !ok {
		return http.WithRepErrMsg(c.Status(fiber.StatusBadRequest), http.BadRequest.Code, "owner, repo and workflow are required", c.Path())
	}
	ref.Branch = strings.TrimSpace(c.Query("branch"))

	runID, err := strconv.ParseInt(c.Params("runId"), 10, 64)
	if err != nil {
		return http.WithRepErrMsg(c.Status(fiber.StatusBadRequest), http.BadRequest.Code, "run id must be numeric", c.Path())
	}

	key := model.BuildWorkflowKey(ref.Owner, ref.Repo, ref.Workflow, ref.Branch)
	if err := rt.jobs.SubmitRunStats(c.Context(), key, runID); err != nil {
		return rt.errorReply(c, err)
	}

	c.Status(fiber.StatusAccepted)
	return http.WithRepJSON(c, fiber.Map{"run": key + "/" + strconv.FormatInt(runID, 10)})
}

func (rt *Router) enqueueJob(c *fiber.Ctx) error {
	var req struct {
		Group   string         `json:"group"`
		JobName string         `json:"jobName"`
		Payload map[string]any `json:"payload"`
	}
	if err := c.BodyParser(&req); err != nil {
		return http.WithRepErrMsg(c.Status(fiber.StatusBadRequest), http.RequestParameterParsingFailed.Code, http.RequestParameterParsingFailed.Msg, c.Path())
	}
	if strings.TrimSpace(req.JobName) == "" {
		return http.WithRepErrMsg(c.Status(fiber.StatusBadRequest), http.BadRequest.Code, "jobName is required", c.Path())
	}

	if err := rt.jobs.EnqueuePendingWork(c.Context(), req.Group, req.JobName, req.Payload); err != nil {
		return rt.errorReply(c, err)
	}

	c.Status(fiber.StatusAccepted)
	return http.WithRepJSON(c, fiber.Map{"jobName": req.JobName})
}

// errorReply maps coded service errors onto HTTP statuses.
func (rt *Router) errorReply(c *fiber.Ctx, err error) error {
	switch errcode.CodeOf(err) {
	case errcode.CodeWorkflowNotFound, errcode.CodeRunNotFound:
		return http.WithRepErrMsg(c.Status(fiber.StatusNotFound), http.NotFound.Code, err.Error(), c.Path())
	case errcode.CodeValidation:
		return http.WithRepErrMsg(c.Status(fiber.StatusBadRequest), http.BadRequest.Code, err.Error(), c.Path())
	default:
		return http.WithRepErrMsg(c.Status(fiber.StatusInternalServerError), http.Failed.Code, err.Error(), c.Path())
	}
}

// parseFrom accepts RFC3339 or a plain date.
func parseFrom(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}

func refFromParams(c *fiber.Ctx) (provider.WorkflowRef, bool) {
	ref := provider.WorkflowRef{
		Owner:    strings.TrimSpace(c.Params("owner")),
		Repo:     strings.TrimSpace(c.Params("repo")),
		Workflow: strings.TrimSpace(c.Params("workflow")),
	}
	return ref, ref.Owner != "" && ref.Repo != "" && ref.Workflow != ""
}
