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

package jobqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/actionstat/actionstat/pkg/database"
)

// Store persists queue jobs. All claim and state transitions go through here
// so the worker runtime stays storage-agnostic.
type Store struct {
	database.IDatabase
}

// NewStore creates a job store and migrates its table.
func NewStore(db database.IDatabase) (*Store, error) {
	if err := db.Database().AutoMigrate(&JobModel{}); err != nil {
		return nil, err
	}
	return &Store{IDatabase: db}, nil
}

// Enqueue inserts a job. When the job carries a dedup key and another job
// with the same key is still in flight, the insert is skipped and the
// in-flight job id is returned instead.
func (s *Store) Enqueue(ctx context.Context, job *JobModel) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = string(JobStatusQueued)
	}
	if job.ProcessAt.IsZero() {
		job.ProcessAt = time.Now().UTC()
	}

	if job.DedupKey == "" {
		return job.ID, s.Database().WithContext(ctx).Create(job).Error
	}

	var existingID string
	err := s.Database().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var dup JobModel
		err := tx.Where("dedup_key = ? AND status IN ?", job.DedupKey, inFlightStatuses()).
			First(&dup).Error
		if err == nil {
			existingID = dup.ID
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return tx.Create(job).Error
	})
	if err != nil {
		return "", err
	}
	if existingID != "" {
		return existingID, nil
	}
	return job.ID, nil
}

// IsInFlight reports whether a job with the dedup key is queued, processing
// or waiting.
func (s *Store) IsInFlight(ctx context.Context, dedupKey string) (bool, error) {
	var n int64
	err := s.Database().WithContext(ctx).Model(&JobModel{}).
		Where("dedup_key = ? AND status IN ?", dedupKey, inFlightStatuses()).
		Count(&n).Error
	return n > 0, err
}

// ClaimNext atomically claims the due job with the earliest process_at on a
// queue. Each claim mints a fresh continuation token; the token is the handle
// a body needs to raise Retry-Later or Continue-Now. Returns nil when nothing
// is due.
func (s *Store) ClaimNext(ctx context.Context, queue string) (*JobModel, error) {
	var claimed *JobModel
	err := s.Database().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job JobModel
		err := tx.Where("queue = ? AND status IN ? AND process_at <= ?",
			queue,
			[]string{string(JobStatusQueued), string(JobStatusWaiting)},
			time.Now().UTC()).
			Order("process_at ASC").
			First(&job).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		token := uuid.NewString()
		res := tx.Model(&JobModel{}).
			Where("job_id = ? AND status = ?", job.ID, job.Status).
			Updates(map[string]any{
				"status":   string(JobStatusProcessing),
				"token":    token,
				"attempts": gorm.Expr("attempts + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the claim race; the next poll picks another job.
			return nil
		}
		job.Status = string(JobStatusProcessing)
		job.Token = token
		job.Attempts++
		claimed = &job
		return nil
	})
	return claimed, err
}

// Reschedule puts a processing job back on the queue after delay. State
// (payload, cursor) is preserved; the attempt is not counted as a failure.
func (s *Store) Reschedule(ctx context.Context, id string, delay time.Duration) error {
	return s.Database().WithContext(ctx).Model(&JobModel{}).
		Where("job_id = ?", id).
		Updates(map[string]any{
			"status":     string(JobStatusQueued),
			"process_at": time.Now().UTC().Add(delay),
			"token":      "",
		}).Error
}

// RequeueImmediate makes the job due right away and undoes the attempt count
// of the claim, so a step continuation consumes no retry budget.
func (s *Store) RequeueImmediate(ctx context.Context, id string) error {
	return s.Database().WithContext(ctx).Model(&JobModel{}).
		Where("job_id = ?", id).
		Updates(map[string]any{
			"status":     string(JobStatusQueued),
			"process_at": time.Now().UTC(),
			"token":      "",
			"attempts":   gorm.Expr("attempts - 1"),
		}).Error
}

// Park moves a processing job to waiting for later redelivery, preserving
// payload and step cursor. Used on hard cancellation.
func (s *Store) Park(ctx context.Context, id string, delay time.Duration) error {
	return s.Database().WithContext(ctx).Model(&JobModel{}).
		Where("job_id = ?", id).
		Updates(map[string]any{
			"status":     string(JobStatusWaiting),
			"process_at": time.Now().UTC().Add(delay),
			"token":      "",
		}).Error
}

// UpdatePayload overwrites the job payload mid-flight. Sequenced jobs use
// this to persist their step cursor before doing the step's work.
func (s *Store) UpdatePayload(ctx context.Context, id string, payload []byte) error {
	return s.Database().WithContext(ctx).Model(&JobModel{}).
		Where("job_id = ?", id).
		Update("payload", payload).Error
}

// SetCursor records the step a sequenced job will run next.
func (s *Store) SetCursor(ctx context.Context, id, cursor string) error {
	return s.Database().WithContext(ctx).Model(&JobModel{}).
		Where("job_id = ?", id).
		Update("step_cursor", cursor).Error
}

// Complete marks the job done, deleting the row when remove is set.
func (s *Store) Complete(ctx context.Context, id string, remove bool) error {
	if remove {
		return s.Database().WithContext(ctx).
			Delete(&JobModel{}, "job_id = ?", id).Error
	}
	return s.Database().WithContext(ctx).Model(&JobModel{}).
		Where("job_id = ?", id).
		Updates(map[string]any{
			"status": string(JobStatusCompleted),
			"token":  "",
		}).Error
}

// Fail marks the job permanently failed with its cause. Failed jobs are
// never retried automatically.
func (s *Store) Fail(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.Database().WithContext(ctx).Model(&JobModel{}).
		Where("job_id = ?", id).
		Updates(map[string]any{
			"status": string(JobStatusFailed),
			"token":  "",
			"error":  msg,
		}).Error
}

// Get returns a job by id, nil when absent.
func (s *Store) Get(ctx context.Context, id string) (*JobModel, error) {
	var job JobModel
	err := s.Database().WithContext(ctx).
		Where("job_id = ?", id).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

func inFlightStatuses() []string {
	return []string{
		string(JobStatusQueued),
		string(JobStatusProcessing),
		string(JobStatusWaiting),
	}
}
