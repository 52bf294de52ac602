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

package repo

import (
	"context"
	"errors"
	"time"

	"github.com/actionstat/actionstat/internal/engine/model"
	"github.com/actionstat/actionstat/pkg/database"
	"github.com/actionstat/actionstat/pkg/errcode"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IAggregateRepository defines persistence methods for bucket aggregates.
type IAggregateRepository interface {
	Get(ctx context.Context, workflowKey, period string, bucketStart, bucketEnd time.Time) (*model.AggregateRecord, error)
	Upsert(ctx context.Context, record *model.AggregateRecord) error
}

type AggregateRepo struct {
	database.IDatabase
}

// NewAggregateRepo creates aggregate repository.
func NewAggregateRepo(db database.IDatabase) IAggregateRepository {
	return &AggregateRepo{IDatabase: db}
}

// Get returns the persisted aggregate for the bucket key, nil when absent.
func (r *AggregateRepo) Get(ctx context.Context, workflowKey, period string, bucketStart, bucketEnd time.Time) (*model.AggregateRecord, error) {
	var m model.AggregateModel
	err := r.Database().WithContext(ctx).
		Where("workflow_key = ? AND period = ? AND bucket_start = ? AND bucket_end = ?",
			workflowKey, period,
			bucketStart.UTC().Format(model.BucketTimeLayout),
			bucketEnd.UTC().Format(model.BucketTimeLayout)).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return m.ToRecord()
}

// Upsert persists the aggregate keyed by (workflow, period, bucket bounds).
// The write is idempotent so repeated aggregation of the same bucket is safe.
func (r *AggregateRepo) Upsert(ctx context.Context, record *model.AggregateRecord) error {
	if err := record.Validate(); err != nil {
		return errcode.Wrap(errcode.CodeValidation, "invalid aggregate record", err)
	}
	m, err := record.ToModel()
	if err != nil {
		return errcode.Wrap(errcode.CodeValidation, "invalid aggregate record", err)
	}

	return r.Database().WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "workflow_key"}, {Name: "period"},
			{Name: "bucket_start"}, {Name: "bucket_end"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"workflow_id", "workflow_name", "runs_count",
			"min_run_duration_ms", "max_run_duration_ms", "min_completed_duration_ms",
			"mean_run_duration_ms",
			"status_count", "status_duration_ms", "job_stats", "step_duration_ms",
			"details", "updated_at",
		}),
	}).Create(m).Error
}
