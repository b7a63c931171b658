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

package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	busmemory "github.com/migrond/migrond/internal/bus/memory"
	"github.com/migrond/migrond/internal/store"
	storememory "github.com/migrond/migrond/internal/store/memory"
	"github.com/migrond/migrond/pkg/bus"
)

const singlePhaseRunbookDoc = `
name: contract-migration
data_source:
  type: sql
  connection: primary
  query: "select id from contracts"
  primary_key: id
  batch_time: immediate
phases:
  - name: notify
    offset: T-0
    steps:
      - name: send-email
        worker_id: email-worker
        function: send_email
`

func newTestOrchestrator(t *testing.T) (*Orchestrator, store.Backend) {
	t.Helper()
	backend := storememory.New()
	b := busmemory.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(backend, b, log, Config{}, nil), backend
}

func seedPublishedRunbook(t *testing.T, backend store.Backend, doc string) *store.Runbook {
	t.Helper()
	rb, err := backend.Publish(context.Background(), &store.Runbook{Name: "contract-migration", Document: doc})
	require.NoError(t, err)
	return rb
}

func rawMessage(t *testing.T, v interface{}) *bus.Message {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return &bus.Message{Body: body}
}

// TestBatchInitToPhaseCompletionHappyPath exercises the full chain a single
// member's single-step phase goes through with no init steps and no
// failures: batch-init activates the batch, phase-due creates and dispatches
// the step, and a successful worker-result closes the phase and the batch.
func TestBatchInitToPhaseCompletionHappyPath(t *testing.T) {
	orch, backend := newTestOrchestrator(t)
	rb := seedPublishedRunbook(t, backend, singlePhaseRunbookDoc)
	ctx := context.Background()

	batch, err := backend.CreateBatch(ctx, &store.Batch{
		RunbookID:   rb.ID,
		RunbookName: rb.Name,
		Name:        "contract-migration @ now",
		Status:      store.BatchStatusDetected,
	})
	require.NoError(t, err)

	member, err := backend.AddMember(ctx, &store.BatchMember{
		BatchID:   batch.ID,
		MemberKey: "c-1",
		Status:    store.MemberStatusActive,
		DataJSON:  `{"id":"c-1"}`,
	})
	require.NoError(t, err)

	ph, err := backend.CreatePhase(ctx, &store.PhaseExecution{
		BatchID:        batch.ID,
		PhaseName:      "notify",
		OffsetMinutes:  0,
		RunbookVersion: rb.Version,
		Status:         store.PhaseStatusPending,
	})
	require.NoError(t, err)

	require.NoError(t, orch.handleBatchInit(ctx, rawMessage(t, BatchInitMessage{
		RunbookName:    rb.Name,
		RunbookVersion: rb.Version,
		BatchID:        batch.ID,
		MemberCount:    1,
	})))
	gotBatch, err := backend.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, store.BatchStatusActive, gotBatch.Status, "a runbook with no init steps activates immediately")

	require.NoError(t, orch.handlePhaseDue(ctx, rawMessage(t, PhaseDueMessage{
		PhaseExecutionID: ph.ID,
		PhaseName:        ph.PhaseName,
		BatchID:          batch.ID,
		RunbookName:      rb.Name,
		RunbookVersion:   rb.Version,
		MemberIDs:        []int64{member.ID},
	})))

	steps, err := backend.ListStepsByMember(ctx, member.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, store.StepStatusDispatched, steps[0].Status)
	assert.NotEmpty(t, steps[0].JobID)

	require.NoError(t, orch.handleWorkerResult(ctx, rawMessage(t, WorkerResultMessage{
		JobID:  steps[0].JobID,
		Status: "success",
		Result: map[string]interface{}{"sent": true},
		CorrelationData: &WorkerJobCorrelation{
			StepExecutionID: steps[0].ID,
			RunbookName:     rb.Name,
			RunbookVersion:  rb.Version,
		},
	})))

	gotStep, err := backend.GetStep(ctx, steps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.StepStatusSucceeded, gotStep.Status)

	gotPhase, err := backend.GetPhase(ctx, ph.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PhaseStatusCompleted, gotPhase.Status)

	gotBatch, err = backend.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, store.BatchStatusCompleted, gotBatch.Status)
}

// TestWorkerResultFailureMarksStepFailedAndPhaseFailed covers the terminal
// (no-retry) failure branch: a step with no retry config and no on_failure
// rollback fails outright, and that failure closes the phase and batch as
// failed since this is the batch's only member.
func TestWorkerResultFailureMarksStepFailedAndPhaseFailed(t *testing.T) {
	orch, backend := newTestOrchestrator(t)
	rb := seedPublishedRunbook(t, backend, singlePhaseRunbookDoc)
	ctx := context.Background()

	batch, err := backend.CreateBatch(ctx, &store.Batch{
		RunbookID:   rb.ID,
		RunbookName: rb.Name,
		Name:        "contract-migration @ now",
		Status:      store.BatchStatusActive,
	})
	require.NoError(t, err)
	member, err := backend.AddMember(ctx, &store.BatchMember{
		BatchID:   batch.ID,
		MemberKey: "c-1",
		Status:    store.MemberStatusActive,
		DataJSON:  `{"id":"c-1"}`,
	})
	require.NoError(t, err)
	ph, err := backend.CreatePhase(ctx, &store.PhaseExecution{
		BatchID:        batch.ID,
		PhaseName:      "notify",
		RunbookVersion: rb.Version,
		Status:         store.PhaseStatusPending,
	})
	require.NoError(t, err)

	require.NoError(t, orch.handlePhaseDue(ctx, rawMessage(t, PhaseDueMessage{
		PhaseExecutionID: ph.ID,
		PhaseName:        ph.PhaseName,
		BatchID:          batch.ID,
		RunbookName:      rb.Name,
		RunbookVersion:   rb.Version,
		MemberIDs:        []int64{member.ID},
	})))
	steps, err := backend.ListStepsByMember(ctx, member.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)

	require.NoError(t, orch.handleWorkerResult(ctx, rawMessage(t, WorkerResultMessage{
		JobID:  steps[0].JobID,
		Status: "failure",
		Error:  &WorkerResultError{Message: "smtp timeout"},
		CorrelationData: &WorkerJobCorrelation{
			StepExecutionID: steps[0].ID,
			RunbookName:     rb.Name,
			RunbookVersion:  rb.Version,
		},
	})))

	gotStep, err := backend.GetStep(ctx, steps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.StepStatusFailed, gotStep.Status)
	assert.Equal(t, "smtp timeout", gotStep.ErrorMessage)

	gotPhase, err := backend.GetPhase(ctx, ph.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PhaseStatusFailed, gotPhase.Status)

	gotBatch, err := backend.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, store.BatchStatusFailed, gotBatch.Status)
}

// TestHandleWorkerResultRejectsMissingCorrelationData covers §4.6.3's dead
// letter rule for a result that carries no correlation data at all.
func TestHandleWorkerResultRejectsMissingCorrelationData(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	err := orch.handleWorkerResult(context.Background(), rawMessage(t, WorkerResultMessage{
		JobID:  "job-1",
		Status: "success",
	}))
	require.Error(t, err)
	var dle *deadLetterError
	assert.ErrorAs(t, err, &dle)
}
