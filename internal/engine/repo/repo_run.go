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

// RunWindowQuery selects run records whose start time lies inside a bucket.
// Both bounds are inclusive; boundary runs belong to exactly the bucket that
// counted them.
type RunWindowQuery struct {
	WorkflowKey string
	Start       time.Time
	End         time.Time
	Limit       int
	Offset      int
}

// IRunRepository defines persistence methods for run records.
type IRunRepository interface {
	// SaveBatch upserts run records and updates the parent workflow counters
	// in a single transaction, so a crash cannot leave the counter
	// inconsistent with the stored record count.
	SaveBatch(ctx context.Context, runs []*model.RunRecord, counters map[string]any) error
	UpdateUsage(ctx context.Context, workflowKey string, runID int64, usage *model.UsageData) error
	Get(ctx context.Context, workflowKey string, runID int64) (*model.RunRecord, error)
	ListByKey(ctx context.Context, workflowKey string) ([]*model.RunRecord, error)
	ListWindow(ctx context.Context, query RunWindowQuery) ([]*model.RunRecord, error)
	CountWindow(ctx context.Context, workflowKey string, start, end time.Time) (int64, error)
}

type RunRepo struct {
	database.IDatabase
}

// NewRunRepo creates run record repository.
func NewRunRepo(db database.IDatabase) IRunRepository {
	return &RunRepo{IDatabase: db}
}

// SaveBatch validates and upserts run records plus workflow counters atomically.
func (r *RunRepo) SaveBatch(ctx context.Context, runs []*model.RunRecord, counters map[string]any) error {
	if len(runs) == 0 {
		return nil
	}

	models := make([]*model.RunModel, 0, len(runs))
	workflowKey := runs[0].WorkflowKey
	for _, run := range runs {
		if err := run.Validate(); err != nil {
			return errcode.Wrap(errcode.CodeValidation, "invalid run record", err)
		}
		m, err := run.ToModel()
		if err != nil {
			return errcode.Wrap(errcode.CodeValidation, "invalid run record", err)
		}
		models = append(models, m)
	}

	return r.Database().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "workflow_key"}, {Name: "run_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "conclusion", "completed_at", "duration_ms", "period_key", "usage_data", "updated_at",
			}),
		}).Create(&models).Error; err != nil {
			return err
		}
		if len(counters) > 0 {
			if err := tx.Model(&model.Workflow{}).
				Where("workflow_key = ?", workflowKey).
				Updates(counters).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateUsage replaces only the usage-data portion of an existing run.
func (r *RunRepo) UpdateUsage(ctx context.Context, workflowKey string, runID int64, usage *model.UsageData) error {
	data, err := (&model.RunRecord{WorkflowKey: workflowKey, RunID: runID, Usage: usage}).ToModel()
	if err != nil {
		return errcode.Wrap(errcode.CodeValidation, "invalid usage data", err)
	}

	result := r.Database().WithContext(ctx).
		Model(&model.RunModel{}).
		Where("workflow_key = ? AND run_id = ?", workflowKey, runID).
		Update("usage_data", data.Usage)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errcode.New(errcode.CodeRunNotFound, "run not found")
	}
	return nil
}

// Get returns a single run record, nil when absent.
func (r *RunRepo) Get(ctx context.Context, workflowKey string, runID int64) (*model.RunRecord, error) {
	var m model.RunModel
	err := r.Database().WithContext(ctx).
		Where("workflow_key = ? AND run_id = ?", workflowKey, runID).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return m.ToRecord()
}

// ListByKey returns all run records for a workflow, ascending by start time.
func (r *RunRepo) ListByKey(ctx context.Context, workflowKey string) ([]*model.RunRecord, error) {
	var models []model.RunModel
	if err := r.Database().WithContext(ctx).
		Where("workflow_key = ?", workflowKey).
		Order("started_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return toRecords(models)
}

// ListWindow pages run records inside [Start, End], ascending by start time.
func (r *RunRepo) ListWindow(ctx context.Context, query RunWindowQuery) ([]*model.RunRecord, error) {
	tx := r.Database().WithContext(ctx).
		Where("workflow_key = ? AND started_at >= ? AND started_at <= ?",
			query.WorkflowKey, query.Start, query.End).
		Order("started_at ASC")
	if query.Limit > 0 {
		tx = tx.Limit(query.Limit)
	}
	if query.Offset > 0 {
		tx = tx.Offset(query.Offset)
	}

	var models []model.RunModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	return toRecords(models)
}

// CountWindow returns the authoritative run count inside [start, end].
func (r *RunRepo) CountWindow(ctx context.Context, workflowKey string, start, end time.Time) (int64, error) {
	var count int64
	err := r.Database().WithContext(ctx).
		Model(&model.RunModel{}).
		Where("workflow_key = ? AND started_at >= ? AND started_at <= ?", workflowKey, start, end).
		Count(&count).Error
	return count, err
}

func toRecords(models []model.RunModel) ([]*model.RunRecord, error) {
	records := make([]*model.RunRecord, 0, len(models))
	for i := range models {
		record, err := models[i].ToRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}
