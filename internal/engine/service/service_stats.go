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
	"errors"
	"fmt"
	"time"

	"github.com/actionstat/actionstat/internal/engine/model"
	"github.com/actionstat/actionstat/internal/engine/repo"
	"github.com/actionstat/actionstat/internal/engine/stats"
	"github.com/actionstat/actionstat/pkg/cache"
	"github.com/actionstat/actionstat/pkg/errcode"
	"github.com/actionstat/actionstat/pkg/log"
)

// StatsService exposes the aggregation engine with a read-through cache in
// front of it. The engine's own persisted-bucket reuse makes recomputation
// cheap; the cache only saves the count queries on hot dashboards.
type StatsService struct {
	repos  *repo.Repositories
	engine *stats.Engine
	cache  *cache.Cache
}

// NewStatsService creates the stats service.
func NewStatsService(repos *repo.Repositories, engine *stats.Engine, c *cache.Cache) *StatsService {
	return &StatsService{repos: repos, engine: engine, cache: c}
}

// Aggregate returns per-bucket aggregate records for the window covering
// [from, now], bucket order, mixing cached and recomputed buckets.
func (s *StatsService) Aggregate(ctx context.Context, workflowKey string, period stats.Period, from time.Time) ([]*model.AggregateRecord, error) {
	workflow, err := s.repos.Workflow.GetByKey(ctx, workflowKey)
	if err != nil {
		return nil, err
	}
	if workflow == nil {
		return nil, errcode.New(errcode.CodeWorkflowNotFound, "workflow not found")
	}

	cacheKey := fmt.Sprintf("stats:%s:%s:%s", workflowKey, period,
		period.AlignStart(from).Format(time.RFC3339))
	var cached []*model.AggregateRecord
	if err := s.cache.GetJSON(ctx, cacheKey, &cached); err == nil {
		return cached, nil
	} else if !errors.Is(err, cache.ErrMiss) {
		log.Warnw("stats cache read failed", "key", cacheKey, "error", err)
	}

	records, err := s.engine.Aggregate(ctx, workflow, period, from)
	if err != nil {
		return nil, err
	}

	if err := s.cache.SetJSON(ctx, cacheKey, records); err != nil {
		log.Warnw("stats cache write failed", "key", cacheKey, "error", err)
	}
	return records, nil
}

// Invalidate drops the cached window for a workflow/period after ingestion
// changed its runs.
func (s *StatsService) Invalidate(ctx context.Context, workflowKey string, period stats.Period, from time.Time) {
	cacheKey := fmt.Sprintf("stats:%s:%s:%s", workflowKey, period,
		period.AlignStart(from).Format(time.RFC3339))
	if err := s.cache.Delete(ctx, cacheKey); err != nil {
		log.Warnw("stats cache invalidate failed", "key", cacheKey, "error", err)
	}
}
