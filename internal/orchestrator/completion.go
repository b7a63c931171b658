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

	"github.com/migrond/migrond/internal/store"
)

// runCompletionChecks runs the phase-completion check for phaseExecutionID
// and, if it closed the phase, the batch-completion check for batchID, per
// §4.6.3's trailing paragraph.
func (o *Orchestrator) runCompletionChecks(ctx context.Context, phaseExecutionID int64, batchID int64) error {
	closed, err := o.checkPhaseCompletion(ctx, phaseExecutionID)
	if err != nil {
		return err
	}
	if !closed {
		return nil
	}
	return o.checkBatchCompletion(ctx, batchID)
}

// checkPhaseCompletion fetches every step execution for the phase; if any
// is non-terminal it returns false (not yet decided). Otherwise it CASes the
// phase to completed (if at least one member has every step succeeded) or
// failed, and reports true.
func (o *Orchestrator) checkPhaseCompletion(ctx context.Context, phaseExecutionID int64) (bool, error) {
	ph, err := o.backend.GetPhase(ctx, phaseExecutionID)
	if err != nil {
		return false, err
	}
	if isTerminalPhaseStatus(ph.Status) {
		return false, nil
	}

	steps, err := o.backend.ListStepsByPhase(ctx, phaseExecutionID)
	if err != nil {
		return false, err
	}
	if len(steps) == 0 {
		return false, nil
	}

	byMember := map[int64][]*store.StepExecution{}
	for _, s := range steps {
		if !isTerminalStepStatus(s.Status) {
			return false, nil
		}
		byMember[s.BatchMemberID] = append(byMember[s.BatchMemberID], s)
	}

	anyMemberSucceeded := false
	for _, memberSteps := range byMember {
		allSucceeded := true
		for _, s := range memberSteps {
			if s.Status != store.StepStatusSucceeded {
				allSucceeded = false
				break
			}
		}
		if allSucceeded {
			anyMemberSucceeded = true
			break
		}
	}

	newStatus := store.PhaseStatusFailed
	if anyMemberSucceeded {
		newStatus = store.PhaseStatusCompleted
	}
	n, err := o.backend.CASPhaseStatus(ctx, ph.ID, ph.Status, newStatus)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// checkBatchCompletion CASes the batch to completed or failed once every one
// of its phase executions is terminal.
func (o *Orchestrator) checkBatchCompletion(ctx context.Context, batchID int64) error {
	batch, err := o.backend.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.Status == store.BatchStatusCompleted || batch.Status == store.BatchStatusFailed {
		return nil
	}

	phases, err := o.backend.ListPhasesByBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if len(phases) == 0 {
		return nil
	}

	anyCompleted := false
	for _, ph := range phases {
		if !isTerminalPhaseStatus(ph.Status) {
			return nil
		}
		if ph.Status == store.PhaseStatusCompleted {
			anyCompleted = true
		}
	}

	newStatus := store.BatchStatusFailed
	if anyCompleted {
		newStatus = store.BatchStatusCompleted
	}
	_, err = o.backend.CASBatchStatus(ctx, batch.ID, batch.Status, newStatus)
	return err
}
