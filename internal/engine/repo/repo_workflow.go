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

	"github.com/actionstat/actionstat/internal/engine/model"
	"github.com/actionstat/actionstat/pkg/database"
	"github.com/actionstat/actionstat/pkg/errcode"
	"gorm.io/gorm"
)

// IWorkflowRepository defines persistence methods for tracked workflows.
type IWorkflowRepository interface {
	Create(ctx context.Context, workflow *model.Workflow) error
	GetByKey(ctx context.Context, key string) (*model.Workflow, error)
	Update(ctx context.Context, key string, updates map[string]any) error
	List(ctx context.Context) ([]*model.Workflow, error)
}

type WorkflowRepo struct {
	database.IDatabase
}

// NewWorkflowRepo creates workflow repository.
func NewWorkflowRepo(db database.IDatabase) IWorkflowRepository {
	return &WorkflowRepo{IDatabase: db}
}

// Create creates a workflow after schema validation.
func (r *WorkflowRepo) Create(ctx context.Context, workflow *model.Workflow) error {
	if err := workflow.Validate(); err != nil {
		return errcode.Wrap(errcode.CodeValidation, "invalid workflow", err)
	}
	return r.Database().WithContext(ctx).Create(workflow).Error
}

// GetByKey returns the workflow by normalized key, nil when absent.
func (r *WorkflowRepo) GetByKey(ctx context.Context, key string) (*model.Workflow, error) {
	var one model.Workflow
	err := r.Database().WithContext(ctx).
		Where("workflow_key = ?", key).
		First(&one).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &one, nil
}

// Update updates workflow fields by key.
func (r *WorkflowRepo) Update(ctx context.Context, key string, updates map[string]any) error {
	return r.Database().WithContext(ctx).
		Model(&model.Workflow{}).
		Where("workflow_key = ?", key).
		Updates(updates).Error
}

// List returns all tracked workflows.
func (r *WorkflowRepo) List(ctx context.Context) ([]*model.Workflow, error) {
	var workflows []*model.Workflow
	if err := r.Database().WithContext(ctx).
		Order("workflow_key ASC").
		Find(&workflows).Error; err != nil {
		return nil, err
	}
	return workflows, nil
}
