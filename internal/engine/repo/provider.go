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
	"fmt"

	"github.com/actionstat/actionstat/internal/engine/model"
	"github.com/actionstat/actionstat/pkg/database"
)

// Repositories bundles all engine repositories, constructed once at startup
// and passed by reference.
type Repositories struct {
	Workflow    IWorkflowRepository
	Run         IRunRepository
	Aggregate   IAggregateRepository
	PendingWork IPendingWorkRepository
}

// NewRepositories creates all repositories over one database handle and
// migrates the schema.
func NewRepositories(db database.IDatabase) (*Repositories, error) {
	if err := db.Database().AutoMigrate(
		&model.Workflow{},
		&model.RunModel{},
		&model.AggregateModel{},
		&model.PendingWorkRecord{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &Repositories{
		Workflow:    NewWorkflowRepo(db),
		Run:         NewRunRepo(db),
		Aggregate:   NewAggregateRepo(db),
		PendingWork: NewPendingWorkRepo(db),
	}, nil
}
