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

// IPendingWorkRepository defines persistence methods for the pending-work FIFO.
type IPendingWorkRepository interface {
	Append(ctx context.Context, record *model.PendingWorkRecord) error
	// Oldest returns the single oldest pending record for a group, nil when
	// the FIFO is empty.
	Oldest(ctx context.Context, group string) (*model.PendingWorkRecord, error)
	Delete(ctx context.Context, id uint64) error
}

type PendingWorkRepo struct {
	database.IDatabase
}

// NewPendingWorkRepo creates pending-work repository.
func NewPendingWorkRepo(db database.IDatabase) IPendingWorkRepository {
	return &PendingWorkRepo{IDatabase: db}
}

// Append inserts a pending-work record after schema validation.
func (r *PendingWorkRepo) Append(ctx context.Context, record *model.PendingWorkRecord) error {
	if err := record.Validate(); err != nil {
		return errcode.Wrap(errcode.CodeValidation, "invalid pending work record", err)
	}
	return r.Database().WithContext(ctx).Create(record).Error
}

// Oldest returns the insertion-ordered head of the group FIFO.
func (r *PendingWorkRepo) Oldest(ctx context.Context, group string) (*model.PendingWorkRecord, error) {
	var one model.PendingWorkRecord
	err := r.Database().WithContext(ctx).
		Where("work_group = ?", group).
		Order("id ASC").
		First(&one).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &one, nil
}

// Delete removes a converted pending-work record.
func (r *PendingWorkRepo) Delete(ctx context.Context, id uint64) error {
	return r.Database().WithContext(ctx).
		Delete(&model.PendingWorkRecord{}, "id = ?", id).Error
}
