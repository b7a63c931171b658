// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"time"
)

// RunbookStore persists runbook documents and their version history.
// Publishing a version never mutates a prior one; Publish deactivates all
// earlier versions of the same name atomically with inserting the new row.
type RunbookStore interface {
	Publish(ctx context.Context, rb *Runbook) (*Runbook, error)
	GetActive(ctx context.Context, name string) (*Runbook, error)
	GetVersion(ctx context.Context, name string, version int) (*Runbook, error)
	ListVersions(ctx context.Context, name string) ([]*Runbook, error)
	ListActive(ctx context.Context) ([]*Runbook, error)
	Deactivate(ctx context.Context, name string, version int) error
}

// AutomationStore tracks per-runbook-name automation enablement, keyed by
// name rather than version so it survives a version transition untouched.
type AutomationStore interface {
	GetEnabled(ctx context.Context, runbookName string) (*AutomationSetting, error)
	SetEnabled(ctx context.Context, runbookName string, enabled bool, actor string) error
	ListEnabled(ctx context.Context) ([]string, error)
}

// BatchStore persists batches and drives their status transitions.
type BatchStore interface {
	CreateBatch(ctx context.Context, b *Batch) (*Batch, error)
	GetBatch(ctx context.Context, id int64) (*Batch, error)
	GetBatchByNameAndStartTime(ctx context.Context, runbookName string, startTime *time.Time) (*Batch, error)
	ListActiveByRunbookName(ctx context.Context, runbookName string) ([]*Batch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]*Batch, error)

	// CASBatchStatus transitions status from expectedStatus to
	// newStatus, returning the number of rows affected (0 means another
	// writer won the race or the row was not in expectedStatus).
	CASBatchStatus(ctx context.Context, id int64, expectedStatus, newStatus string) (int64, error)

	SetBatchRunbookID(ctx context.Context, id int64, runbookID int64) error
	SetInitDispatchedAt(ctx context.Context, id int64) error
	SetCurrentPhase(ctx context.Context, id int64, phaseName string) error
}

// BatchMemberStore persists batch members and merges worker-produced data.
type BatchMemberStore interface {
	AddMember(ctx context.Context, m *BatchMember) (*BatchMember, error)
	GetMember(ctx context.Context, id int64) (*BatchMember, error)
	ListActiveMembers(ctx context.Context, batchID int64) ([]*BatchMember, error)
	ListAllMembers(ctx context.Context, batchID int64) ([]*BatchMember, error)

	CASMemberStatus(ctx context.Context, id int64, expectedStatus, newStatus string) (int64, error)
	SetAddDispatchedAt(ctx context.Context, id int64) error
	SetRemoveDispatchedAt(ctx context.Context, id int64) error

	// MergeWorkerData merges the given key-value pairs into the member's
	// worker_data_json, new keys winning on collision. Read-modify-write
	// under row-level locking; last-writer-wins across concurrent members
	// is acceptable per §5.
	MergeWorkerData(ctx context.Context, id int64, values map[string]interface{}) error
}

// PhaseExecutionStore persists phase executions and their version-transition
// deltas.
type PhaseExecutionStore interface {
	CreatePhase(ctx context.Context, p *PhaseExecution) (*PhaseExecution, error)
	GetPhase(ctx context.Context, id int64) (*PhaseExecution, error)
	ListPhasesByBatch(ctx context.Context, batchID int64) ([]*PhaseExecution, error)
	ListOverduePending(ctx context.Context, now time.Time) ([]*PhaseExecution, error)

	CASPhaseStatus(ctx context.Context, id int64, expectedStatus, newStatus string) (int64, error)

	// InsertTransitionRows atomically supersedes the given prior-version
	// pending phase ids and inserts the given new rows, returning the
	// inserted rows with assigned ids.
	InsertTransitionRows(ctx context.Context, supersedeIDs []int64, newRows []*PhaseExecution) ([]*PhaseExecution, error)
}

// StepExecutionStore persists per-member step executions. Only the
// Orchestrator ever writes to this store, per §3's ownership rule.
type StepExecutionStore interface {
	CreateStep(ctx context.Context, s *StepExecution) (*StepExecution, error)
	CreateSteps(ctx context.Context, steps []*StepExecution) ([]*StepExecution, error)
	GetStep(ctx context.Context, id int64) (*StepExecution, error)
	ListStepsByPhase(ctx context.Context, phaseExecutionID int64) ([]*StepExecution, error)
	ListStepsByMember(ctx context.Context, batchMemberID int64) ([]*StepExecution, error)
	StepsExistForPhase(ctx context.Context, phaseExecutionID int64) (bool, error)

	CASStepStatus(ctx context.Context, id int64, expectedStatus, newStatus string) (int64, error)
	UpdateStep(ctx context.Context, s *StepExecution) error
}

// InitExecutionStore persists batch-level, sequential init executions.
type InitExecutionStore interface {
	CreateInit(ctx context.Context, i *InitExecution) (*InitExecution, error)
	CreateInits(ctx context.Context, inits []*InitExecution) ([]*InitExecution, error)
	GetInit(ctx context.Context, id int64) (*InitExecution, error)
	ListInitsByBatch(ctx context.Context, batchID int64) ([]*InitExecution, error)
	InitsExistForBatch(ctx context.Context, batchID int64, runbookVersion int) (bool, error)

	CASInitStatus(ctx context.Context, id int64, expectedStatus, newStatus string) (int64, error)
	UpdateInit(ctx context.Context, i *InitExecution) error
}

// Backend composes every repository interface the engine needs into the
// single handle the daemon wires up at startup, mirroring the teacher's
// backend.Backend composition of RunStore/CheckpointStore/etc.
type Backend interface {
	RunbookStore
	AutomationStore
	BatchStore
	BatchMemberStore
	PhaseExecutionStore
	StepExecutionStore
	InitExecutionStore

	Close() error
}
