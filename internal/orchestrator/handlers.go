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
	"fmt"
	"time"

	"github.com/migrond/migrond/internal/metrics"
	"github.com/migrond/migrond/internal/store"
	"github.com/migrond/migrond/pkg/bus"
	"github.com/migrond/migrond/pkg/runbook"
	"github.com/migrond/migrond/pkg/template"
)

// handleBatchInit implements §4.6.1.
func (o *Orchestrator) handleBatchInit(ctx context.Context, raw *bus.Message) error {
	var msg BatchInitMessage
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		return deadLetter("malformed batch-init body", err)
	}

	batch, err := o.backend.GetBatch(ctx, msg.BatchID)
	if err != nil {
		return deadLetter(fmt.Sprintf("batch %d not found", msg.BatchID), err)
	}
	rb, err := o.loadRunbook(ctx, msg.RunbookName, msg.RunbookVersion)
	if err != nil {
		return deadLetter(fmt.Sprintf("runbook %s v%d not found", msg.RunbookName, msg.RunbookVersion), err)
	}

	if len(rb.Init) == 0 {
		_, err := o.backend.CASBatchStatus(ctx, batch.ID, batch.Status, store.BatchStatusActive)
		return err
	}

	exists, err := o.backend.InitsExistForBatch(ctx, batch.ID, msg.RunbookVersion)
	if err != nil {
		return err
	}
	if !exists {
		inits := make([]*store.InitExecution, 0, len(rb.Init))
		for i, def := range rb.Init {
			maxRetries, retryIntervalSec, err := retrySeconds(effectiveRetry(def, rb))
			if err != nil {
				return deadLetter(fmt.Sprintf("invalid retry config on init step %s", def.Name), err)
			}
			inits = append(inits, &store.InitExecution{
				BatchID:          batch.ID,
				RunbookVersion:   msg.RunbookVersion,
				StepName:         def.Name,
				StepIndex:        i,
				WorkerID:         def.WorkerID,
				FunctionName:     def.Function,
				Status:           store.StepStatusPending,
				MaxRetries:       maxRetries,
				RetryIntervalSec: retryIntervalSec,
				CreatedAt:        time.Now(),
			})
		}
		if _, err := o.backend.CreateInits(ctx, inits); err != nil {
			return err
		}
		if _, err := o.backend.CASBatchStatus(ctx, batch.ID, batch.Status, store.BatchStatusInitDispatched); err != nil {
			return err
		}
	}

	return o.dispatchNextInit(ctx, batch, rb)
}

// dispatchNextInit dispatches the first pending init execution; init steps
// run strictly sequentially within a batch (§5).
func (o *Orchestrator) dispatchNextInit(ctx context.Context, batch *store.Batch, rb *runbook.Runbook) error {
	inits, err := o.backend.ListInitsByBatch(ctx, batch.ID)
	if err != nil {
		return err
	}
	next := nextDispatchableInit(inits)
	if next == nil {
		return nil
	}
	def, ok := findInitDef(rb, next.StepName)
	if !ok {
		return deadLetter(fmt.Sprintf("init step %q no longer in runbook %s v%d", next.StepName, rb.Name, rb.Version), nil)
	}
	return o.dispatchInit(ctx, next, batch, rb, def)
}

func nextDispatchableInit(inits []*store.InitExecution) *store.InitExecution {
	var lowest *store.InitExecution
	for _, i := range inits {
		if isTerminalStepStatus(i.Status) {
			continue
		}
		if lowest == nil || i.StepIndex < lowest.StepIndex {
			lowest = i
		}
	}
	if lowest != nil && lowest.Status == store.StepStatusPending {
		return lowest
	}
	return nil
}

func findInitDef(rb *runbook.Runbook, name string) (runbook.StepDefinition, bool) {
	for _, s := range rb.Init {
		if s.Name == name {
			return s, true
		}
	}
	return runbook.StepDefinition{}, false
}

// checkBatchInitFailed transitions a batch to failed when an init step
// terminally fails without a further retry, per §4.8.
func (o *Orchestrator) checkBatchInitFailed(ctx context.Context, batchID int64) error {
	batch, err := o.backend.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	_, err = o.backend.CASBatchStatus(ctx, batch.ID, batch.Status, store.BatchStatusFailed)
	return err
}

// handlePhaseDue implements §4.6.2.
func (o *Orchestrator) handlePhaseDue(ctx context.Context, raw *bus.Message) error {
	var msg PhaseDueMessage
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		return deadLetter("malformed phase-due body", err)
	}

	ph, err := o.backend.GetPhase(ctx, msg.PhaseExecutionID)
	if err != nil {
		return deadLetter(fmt.Sprintf("phase %d not found", msg.PhaseExecutionID), err)
	}
	if isTerminalPhaseStatus(ph.Status) {
		return nil
	}

	batch, err := o.backend.GetBatch(ctx, ph.BatchID)
	if err != nil {
		return err
	}
	rb, err := o.loadRunbook(ctx, msg.RunbookName, msg.RunbookVersion)
	if err != nil {
		return deadLetter(fmt.Sprintf("runbook %s v%d not found", msg.RunbookName, msg.RunbookVersion), err)
	}
	phaseDef, ok := findPhaseDef(rb, ph.PhaseName)
	if !ok {
		return deadLetter(fmt.Sprintf("phase %q no longer in runbook %s v%d", ph.PhaseName, rb.Name, rb.Version), nil)
	}

	members, err := o.backend.ListActiveMembers(ctx, batch.ID)
	if err != nil {
		return err
	}

	exist, err := o.backend.StepsExistForPhase(ctx, ph.ID)
	if err != nil {
		return err
	}
	if !exist {
		if err := o.createStepExecutions(ctx, ph, batch, rb, phaseDef, members); err != nil {
			return err
		}
	}

	for _, member := range members {
		m := member
		steps, err := o.backend.ListStepsByMember(ctx, m.ID)
		if err != nil {
			o.log.Error("list steps by member failed", "member_id", m.ID, "error", err)
			continue
		}
		phaseSteps := filterStepsByPhase(steps, ph.ID)
		next := nextDispatchable(phaseSteps)
		if next == nil {
			continue
		}
		def, ok := findStepDef(phaseDef, next.StepName)
		if !ok {
			continue
		}
		if err := o.dispatchStep(ctx, next, m, batch, rb, def, false); err != nil {
			o.log.Error("dispatch step failed", "step_id", next.ID, "error", err)
		}
	}

	_, err = o.backend.CASPhaseStatus(ctx, ph.ID, ph.Status, store.PhaseStatusDispatched)
	return err
}

func filterStepsByPhase(steps []*store.StepExecution, phaseID int64) []*store.StepExecution {
	out := make([]*store.StepExecution, 0, len(steps))
	for _, s := range steps {
		if s.PhaseExecutionID == phaseID {
			out = append(out, s)
		}
	}
	return out
}

func isTerminalPhaseStatus(status string) bool {
	switch status {
	case store.PhaseStatusCompleted, store.PhaseStatusSkipped, store.PhaseStatusFailed, store.PhaseStatusSuperseded:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) createStepExecutions(ctx context.Context, ph *store.PhaseExecution, batch *store.Batch, rb *runbook.Runbook, phaseDef *runbook.PhaseDefinition, members []*store.BatchMember) error {
	steps := make([]*store.StepExecution, 0, len(members)*len(phaseDef.Steps))
	for _, member := range members {
		tctx, err := templateContext(member, batch, false)
		if err != nil {
			return err
		}
		for i, def := range phaseDef.Steps {
			resolved, _ := resolveStepParams(def, tctx)
			maxRetries, retryIntervalSec, err := retrySeconds(effectiveRetry(def, rb))
			if err != nil {
				maxRetries, retryIntervalSec = 0, 0
			}
			pollIntervalSec, pollTimeoutSec := 0, 0
			if def.Poll != nil {
				pollIntervalSec, pollTimeoutSec, _ = pollSeconds(def.Poll)
			}
			steps = append(steps, &store.StepExecution{
				PhaseExecutionID: ph.ID,
				BatchMemberID:    member.ID,
				StepName:         def.Name,
				StepIndex:        i,
				WorkerID:         def.WorkerID,
				FunctionName:     def.Function,
				ParamsJSON:       marshalParams(resolved),
				Status:           store.StepStatusPending,
				IsPollStep:       def.Poll != nil,
				PollIntervalSec:  pollIntervalSec,
				PollTimeoutSec:   pollTimeoutSec,
				OnFailure:        def.OnFailure,
				MaxRetries:       maxRetries,
				RetryIntervalSec: retryIntervalSec,
				CreatedAt:        time.Now(),
			})
		}
	}
	_, err := o.backend.CreateSteps(ctx, steps)
	return err
}

// handleWorkerResult implements §4.6.3.
func (o *Orchestrator) handleWorkerResult(ctx context.Context, raw *bus.Message) error {
	var msg WorkerResultMessage
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		return deadLetter("malformed worker-result body", err)
	}
	if msg.CorrelationData == nil {
		return deadLetter("MissingCorrelationData", nil)
	}
	cd := msg.CorrelationData
	if cd.StepExecutionID == 0 && cd.InitExecutionID == 0 {
		return deadLetter("InvalidCorrelationData: no step or init id", nil)
	}

	if cd.IsInitStep || cd.InitExecutionID != 0 {
		return o.processInitResult(ctx, &msg, cd)
	}
	return o.processStepResult(ctx, &msg, cd)
}

func (o *Orchestrator) processStepResult(ctx context.Context, msg *WorkerResultMessage, cd *WorkerJobCorrelation) error {
	step, err := o.backend.GetStep(ctx, cd.StepExecutionID)
	if err != nil {
		return deadLetter(fmt.Sprintf("InvalidCorrelationData: step %d not found", cd.StepExecutionID), err)
	}
	if isTerminalStepStatus(step.Status) {
		return nil // late duplicate
	}

	member, err := o.backend.GetMember(ctx, step.BatchMemberID)
	if err != nil {
		return err
	}
	batch, err := o.backend.GetBatch(ctx, member.BatchID)
	if err != nil {
		return err
	}
	rb, err := o.loadRunbook(ctx, cd.RunbookName, cd.RunbookVersion)
	if err != nil {
		return deadLetter(fmt.Sprintf("runbook %s v%d not found", cd.RunbookName, cd.RunbookVersion), err)
	}
	phaseDef, ok := findPhaseDefByPhaseID(ctx, o, step.PhaseExecutionID, rb)
	if !ok {
		return deadLetter("phase no longer in runbook", nil)
	}
	def, ok := findStepDef(phaseDef, step.StepName)
	if !ok {
		return deadLetter("step no longer in phase", nil)
	}

	isPoll, complete, data := msg.pollShape()

	switch {
	case msg.Status == "success" && !isPoll:
		return o.completeStepSuccess(ctx, step, member, batch, rb, phaseDef, def, msg.Result)

	case isPoll && complete:
		return o.completeStepSuccess(ctx, step, member, batch, rb, phaseDef, def, data)

	case isPoll && !complete:
		return o.markStepPolling(ctx, step)

	case msg.Status == "failure":
		return o.handleStepFailure(ctx, step, member, batch, rb, def, msg.Error)

	default:
		return deadLetter(fmt.Sprintf("unrecognised worker-result status %q", msg.Status), nil)
	}
}

func findPhaseDefByPhaseID(ctx context.Context, o *Orchestrator, phaseExecutionID int64, rb *runbook.Runbook) (*runbook.PhaseDefinition, bool) {
	ph, err := o.backend.GetPhase(ctx, phaseExecutionID)
	if err != nil {
		return nil, false
	}
	return findPhaseDef(rb, ph.PhaseName)
}

func (o *Orchestrator) completeStepSuccess(ctx context.Context, step *store.StepExecution, member *store.BatchMember, batch *store.Batch, rb *runbook.Runbook, phaseDef *runbook.PhaseDefinition, def runbook.StepDefinition, result map[string]interface{}) error {
	n, err := o.backend.CASStepStatus(ctx, step.ID, step.Status, store.StepStatusSucceeded)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	now := time.Now()
	step.Status = store.StepStatusSucceeded
	step.CompletedAt = &now
	if result != nil {
		if b, err := json.Marshal(result); err == nil {
			step.ResultJSON = string(b)
		}
	}
	if err := o.backend.UpdateStep(ctx, step); err != nil {
		return err
	}
	recordStepDuration(step.FunctionName, "succeeded", step.DispatchedAt, now)

	if len(def.OutputParams) > 0 && result != nil {
		values := map[string]interface{}{}
		for outKey, resultExpr := range def.OutputParams {
			if v, ok := o.extractOutputValue(ctx, result, resultExpr); ok {
				values[outKey] = v
			}
		}
		if len(values) > 0 {
			if err := o.backend.MergeWorkerData(ctx, member.ID, values); err != nil {
				return err
			}
		}
	}

	steps, err := o.backend.ListStepsByMember(ctx, member.ID)
	if err != nil {
		return err
	}
	phaseSteps := filterStepsByPhase(steps, step.PhaseExecutionID)
	next := nextDispatchable(phaseSteps)
	if next != nil {
		if nextDef, ok := findStepDef(phaseDef, next.StepName); ok {
			if err := o.dispatchStep(ctx, next, member, batch, rb, nextDef, false); err != nil {
				return err
			}
		}
		return nil
	}

	return o.runCompletionChecks(ctx, step.PhaseExecutionID, batch.ID)
}

// recordStepDuration records a step's settled outcome, using the time since
// dispatch when available. A step that failed before ever dispatching (a
// correlation miss, say) has no DispatchedAt and is skipped.
func recordStepDuration(functionName, status string, dispatchedAt *time.Time, completedAt time.Time) {
	if dispatchedAt == nil {
		return
	}
	metrics.RecordStepCompleted(functionName, status, completedAt.Sub(*dispatchedAt))
}

func (o *Orchestrator) markStepPolling(ctx context.Context, step *store.StepExecution) error {
	prevStatus := step.Status
	n, err := o.backend.CASStepStatus(ctx, step.ID, prevStatus, store.StepStatusPolling)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	now := time.Now()
	if step.PollStartedAt == nil {
		step.PollStartedAt = &now
	}
	step.LastPolledAt = &now
	step.PollCount++
	step.Status = store.StepStatusPolling
	if err := o.backend.UpdateStep(ctx, step); err != nil {
		return err
	}

	interval := time.Duration(step.PollIntervalSec) * time.Second
	pc := PollCheckMessage{StepExecutionID: step.ID, PollCount: step.PollCount}
	msgID := stepPollJobID(step.ID, step.PollCount) + "-check"
	return publishJSON(ctx, o.bus, bus.TopicOrchestratorEvents, MessageTypePollCheck, pc, msgID, now.Add(interval), o.cfg.DuplicateDetectionWindow)
}

func (o *Orchestrator) handleStepFailure(ctx context.Context, step *store.StepExecution, member *store.BatchMember, batch *store.Batch, rb *runbook.Runbook, def runbook.StepDefinition, resultErr *WorkerResultError) error {
	if step.RetryCount < step.MaxRetries {
		n, err := o.backend.CASStepStatus(ctx, step.ID, step.Status, store.StepStatusPending)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		step.RetryCount++
		step.Status = store.StepStatusPending
		retryAfter := time.Now().Add(time.Duration(step.RetryIntervalSec) * time.Second)
		step.RetryAfter = &retryAfter
		if resultErr != nil {
			step.ErrorMessage = resultErr.Message
		}
		if err := o.backend.UpdateStep(ctx, step); err != nil {
			return err
		}
		rc := RetryCheckMessage{StepExecutionID: step.ID, RetryCount: step.RetryCount}
		msgID := stepRetryJobID(step.ID, step.RetryCount) + "-check"
		return publishJSON(ctx, o.bus, bus.TopicOrchestratorEvents, MessageTypeRetryCheck, rc, msgID, retryAfter, o.cfg.DuplicateDetectionWindow)
	}

	n, err := o.backend.CASStepStatus(ctx, step.ID, step.Status, store.StepStatusFailed)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	if resultErr != nil {
		step.ErrorMessage = resultErr.Message
	}
	step.Status = store.StepStatusFailed
	if err := o.backend.UpdateStep(ctx, step); err != nil {
		return err
	}
	recordStepDuration(step.FunctionName, "failed", step.DispatchedAt, time.Now())
	if err := o.fireRollback(ctx, rb, def.OnFailure, member, batch); err != nil {
		o.log.Error("rollback fire failed", "error", err)
	}
	if err := o.cancelPendingStepsForMember(ctx, member.ID); err != nil {
		return err
	}
	if _, err := o.backend.CASMemberStatus(ctx, member.ID, member.Status, store.MemberStatusFailed); err != nil {
		return err
	}
	return o.runCompletionChecks(ctx, step.PhaseExecutionID, batch.ID)
}

func (o *Orchestrator) cancelPendingStepsForMember(ctx context.Context, memberID int64) error {
	steps, err := o.backend.ListStepsByMember(ctx, memberID)
	if err != nil {
		return err
	}
	for _, s := range steps {
		if isTerminalStepStatus(s.Status) {
			continue
		}
		if _, err := o.backend.CASStepStatus(ctx, s.ID, s.Status, store.StepStatusCancelled); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) processInitResult(ctx context.Context, msg *WorkerResultMessage, cd *WorkerJobCorrelation) error {
	init, err := o.backend.GetInit(ctx, cd.InitExecutionID)
	if err != nil {
		return deadLetter(fmt.Sprintf("InvalidCorrelationData: init %d not found", cd.InitExecutionID), err)
	}
	if isTerminalStepStatus(init.Status) {
		return nil
	}
	batch, err := o.backend.GetBatch(ctx, init.BatchID)
	if err != nil {
		return err
	}
	rb, err := o.loadRunbook(ctx, cd.RunbookName, cd.RunbookVersion)
	if err != nil {
		return deadLetter(fmt.Sprintf("runbook %s v%d not found", cd.RunbookName, cd.RunbookVersion), err)
	}

	if msg.Status == "success" {
		n, err := o.backend.CASInitStatus(ctx, init.ID, init.Status, store.StepStatusSucceeded)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		now := time.Now()
		init.Status = store.StepStatusSucceeded
		init.CompletedAt = &now
		if msg.Result != nil {
			if b, err := json.Marshal(msg.Result); err == nil {
				init.ResultJSON = string(b)
			}
		}
		if err := o.backend.UpdateInit(ctx, init); err != nil {
			return err
		}
		if err := o.dispatchNextInit(ctx, batch, rb); err != nil {
			return err
		}
		remaining, err := o.backend.ListInitsByBatch(ctx, batch.ID)
		if err != nil {
			return err
		}
		if allTerminal(remaining) {
			_, err := o.backend.CASBatchStatus(ctx, batch.ID, batch.Status, store.BatchStatusActive)
			return err
		}
		return nil
	}

	if init.RetryCount < init.MaxRetries {
		n, err := o.backend.CASInitStatus(ctx, init.ID, init.Status, store.StepStatusPending)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		init.RetryCount++
		init.Status = store.StepStatusPending
		retryAfter := time.Now().Add(time.Duration(init.RetryIntervalSec) * time.Second)
		init.RetryAfter = &retryAfter
		if msg.Error != nil {
			init.ErrorMessage = msg.Error.Message
		}
		if err := o.backend.UpdateInit(ctx, init); err != nil {
			return err
		}
		rc := RetryCheckMessage{InitExecutionID: init.ID, RetryCount: init.RetryCount}
		msgID := initRetryJobID(init.ID, init.RetryCount) + "-check"
		return publishJSON(ctx, o.bus, bus.TopicOrchestratorEvents, MessageTypeRetryCheck, rc, msgID, retryAfter, o.cfg.DuplicateDetectionWindow)
	}

	n, err := o.backend.CASInitStatus(ctx, init.ID, init.Status, store.StepStatusFailed)
	if err != nil {
		return err
	}
	if n > 0 {
		if msg.Error != nil {
			init.ErrorMessage = msg.Error.Message
		}
		init.Status = store.StepStatusFailed
		_ = o.backend.UpdateInit(ctx, init)
		return o.checkBatchInitFailed(ctx, batch.ID)
	}
	return nil
}

func allTerminal(inits []*store.InitExecution) bool {
	for _, i := range inits {
		if !isTerminalStepStatus(i.Status) {
			return false
		}
	}
	return true
}

// handlePollCheck implements §4.6.4.
func (o *Orchestrator) handlePollCheck(ctx context.Context, raw *bus.Message) error {
	var msg PollCheckMessage
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		return deadLetter("malformed poll-check body", err)
	}

	if msg.InitExecutionID != 0 {
		return o.pollCheckInit(ctx, msg)
	}
	return o.pollCheckStep(ctx, msg)
}

func (o *Orchestrator) pollCheckStep(ctx context.Context, msg PollCheckMessage) error {
	step, err := o.backend.GetStep(ctx, msg.StepExecutionID)
	if err != nil {
		return err
	}
	if step.Status != store.StepStatusPolling {
		return nil
	}

	member, err := o.backend.GetMember(ctx, step.BatchMemberID)
	if err != nil {
		return err
	}
	batch, err := o.backend.GetBatch(ctx, member.BatchID)
	if err != nil {
		return err
	}

	ph, err := o.backend.GetPhase(ctx, step.PhaseExecutionID)
	if err != nil {
		return err
	}
	rb, err := o.loadRunbookForBatchVersion(ctx, batch, ph.RunbookVersion)
	if err != nil {
		return deadLetter(fmt.Sprintf("runbook %s v%d not found", batch.RunbookName, ph.RunbookVersion), err)
	}
	phaseDef, ok := findPhaseDef(rb, ph.PhaseName)
	if !ok {
		return deadLetter("phase no longer in runbook", nil)
	}
	def, ok := findStepDef(phaseDef, step.StepName)
	if !ok {
		return deadLetter("step no longer in phase", nil)
	}

	timeout := time.Duration(step.PollTimeoutSec) * time.Second
	if step.PollStartedAt != nil && time.Since(*step.PollStartedAt) >= timeout {
		n, err := o.backend.CASStepStatus(ctx, step.ID, step.Status, store.StepStatusPollTimeout)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		step.Status = store.StepStatusPollTimeout
		step.ErrorMessage = "poll timeout"
		if err := o.backend.UpdateStep(ctx, step); err != nil {
			return err
		}
		recordStepDuration(step.FunctionName, "poll_timeout", step.DispatchedAt, time.Now())
		if rerr := o.fireRollback(ctx, rb, def.OnFailure, member, batch); rerr != nil {
			o.log.Error("rollback fire failed", "error", rerr)
		}
		if err := o.cancelPendingStepsForMember(ctx, member.ID); err != nil {
			return err
		}
		if _, err := o.backend.CASMemberStatus(ctx, member.ID, member.Status, store.MemberStatusFailed); err != nil {
			return err
		}
		return o.runCompletionChecks(ctx, step.PhaseExecutionID, batch.ID)
	}

	return o.redispatchPollingStep(ctx, step, member, batch, rb, def)
}

// redispatchPollingStep re-publishes the same job for a still-polling step
// and re-schedules its poll-check; it does not change the persisted status
// (a polling step stays polling across repeated poll calls).
func (o *Orchestrator) redispatchPollingStep(ctx context.Context, step *store.StepExecution, member *store.BatchMember, batch *store.Batch, rb *runbook.Runbook, def runbook.StepDefinition) error {
	tctx, err := templateContext(member, batch, false)
	if err != nil {
		return err
	}
	resolved, _ := template.ResolveParams(def.Params, tctx)
	jobID := stepPollJobID(step.ID, step.PollCount)
	job := WorkerJobMessage{
		JobID:        jobID,
		BatchID:      batch.ID,
		WorkerID:     def.WorkerID,
		FunctionName: def.Function,
		Parameters:   resolved,
		CorrelationData: WorkerJobCorrelation{
			StepExecutionID: step.ID,
			RunbookName:     batch.RunbookName,
			RunbookVersion:  rb.Version,
		},
		IsPollCall: true,
	}
	if err := publishJSON(ctx, o.bus, bus.TopicWorkerJobs, "worker-job", job, jobID, time.Time{}, o.cfg.DuplicateDetectionWindow); err != nil {
		return err
	}

	interval := time.Duration(step.PollIntervalSec) * time.Second
	pc := PollCheckMessage{StepExecutionID: step.ID, PollCount: step.PollCount}
	msgID := jobID + "-check"
	return publishJSON(ctx, o.bus, bus.TopicOrchestratorEvents, MessageTypePollCheck, pc, msgID, time.Now().Add(interval), o.cfg.DuplicateDetectionWindow)
}

func (o *Orchestrator) pollCheckInit(ctx context.Context, msg PollCheckMessage) error {
	init, err := o.backend.GetInit(ctx, msg.InitExecutionID)
	if err != nil {
		return err
	}
	if init.Status != store.StepStatusPolling {
		return nil
	}
	// Init steps in this runbook model never configure Poll (§4.1 limits
	// polling to phase steps), so a polling init is unreachable; guard
	// defensively rather than implement unreachable redispatch logic.
	return nil
}

// handleRetryCheck implements §4.6.5.
func (o *Orchestrator) handleRetryCheck(ctx context.Context, raw *bus.Message) error {
	var msg RetryCheckMessage
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		return deadLetter("malformed retry-check body", err)
	}

	if msg.InitExecutionID != 0 {
		init, err := o.backend.GetInit(ctx, msg.InitExecutionID)
		if err != nil {
			return err
		}
		if init.Status != store.StepStatusPending || init.RetryCount != msg.RetryCount {
			return nil
		}
		batch, err := o.backend.GetBatch(ctx, init.BatchID)
		if err != nil {
			return err
		}
		rb, err := o.loadRunbookForBatchVersion(ctx, batch, init.RunbookVersion)
		if err != nil {
			return err
		}
		def, ok := findInitDef(rb, init.StepName)
		if !ok {
			return deadLetter("init step no longer in runbook", nil)
		}
		return o.dispatchInit(ctx, init, batch, rb, def)
	}

	step, err := o.backend.GetStep(ctx, msg.StepExecutionID)
	if err != nil {
		return err
	}
	if step.Status != store.StepStatusPending || step.RetryCount != msg.RetryCount {
		return nil
	}
	member, err := o.backend.GetMember(ctx, step.BatchMemberID)
	if err != nil {
		return err
	}
	batch, err := o.backend.GetBatch(ctx, member.BatchID)
	if err != nil {
		return err
	}
	ph, err := o.backend.GetPhase(ctx, step.PhaseExecutionID)
	if err != nil {
		return err
	}
	rb, err := o.loadRunbookForBatchVersion(ctx, batch, ph.RunbookVersion)
	if err != nil {
		return err
	}
	phaseDef, ok := findPhaseDef(rb, ph.PhaseName)
	if !ok {
		return deadLetter("phase no longer in runbook", nil)
	}
	def, ok := findStepDef(phaseDef, step.StepName)
	if !ok {
		return deadLetter("step no longer in phase", nil)
	}
	return o.dispatchStep(ctx, step, member, batch, rb, def, false)
}

func (o *Orchestrator) loadRunbookForBatchVersion(ctx context.Context, batch *store.Batch, version int) (*runbook.Runbook, error) {
	return o.loadRunbook(ctx, batch.RunbookName, version)
}

// handleMemberAdded implements §4.6.6.
func (o *Orchestrator) handleMemberAdded(ctx context.Context, raw *bus.Message) error {
	var msg MemberChangeMessage
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		return deadLetter("malformed member-added body", err)
	}

	member, err := o.backend.GetMember(ctx, msg.BatchMemberID)
	if err != nil {
		return deadLetter(fmt.Sprintf("member %d not found", msg.BatchMemberID), err)
	}
	batch, err := o.backend.GetBatch(ctx, msg.BatchID)
	if err != nil {
		return err
	}

	phases, err := o.backend.ListPhasesByBatch(ctx, batch.ID)
	if err != nil {
		return err
	}

	for _, ph := range phases {
		if ph.Status != store.PhaseStatusDispatched && ph.Status != store.PhaseStatusCompleted {
			continue
		}
		steps, err := o.backend.ListStepsByMember(ctx, member.ID)
		if err != nil {
			return err
		}
		if len(filterStepsByPhase(steps, ph.ID)) > 0 {
			continue // idempotent: catch-up already created for this (phase, member)
		}

		rb, err := o.loadRunbook(ctx, batch.RunbookName, ph.RunbookVersion)
		if err != nil {
			o.log.Error("load runbook for catch-up failed", "error", err)
			continue
		}
		phaseDef, ok := findPhaseDef(rb, ph.PhaseName)
		if !ok {
			continue
		}
		if err := o.createStepExecutions(ctx, ph, batch, rb, phaseDef, []*store.BatchMember{member}); err != nil {
			return err
		}
		newSteps, err := o.backend.ListStepsByMember(ctx, member.ID)
		if err != nil {
			return err
		}
		next := nextDispatchable(filterStepsByPhase(newSteps, ph.ID))
		if next != nil {
			if def, ok := findStepDef(phaseDef, next.StepName); ok {
				if err := o.dispatchStep(ctx, next, member, batch, rb, def, false); err != nil {
					o.log.Error("catch-up dispatch failed", "error", err)
				}
			}
		}
	}

	return o.backend.SetAddDispatchedAt(ctx, member.ID)
}

// handleMemberRemoved implements §4.6.7.
func (o *Orchestrator) handleMemberRemoved(ctx context.Context, raw *bus.Message) error {
	var msg MemberChangeMessage
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		return deadLetter("malformed member-removed body", err)
	}

	member, err := o.backend.GetMember(ctx, msg.BatchMemberID)
	if err != nil {
		return deadLetter(fmt.Sprintf("member %d not found", msg.BatchMemberID), err)
	}
	batch, err := o.backend.GetBatch(ctx, msg.BatchID)
	if err != nil {
		return err
	}

	if err := o.cancelPendingStepsForMember(ctx, member.ID); err != nil {
		return err
	}

	rb, err := o.loadRunbook(ctx, msg.RunbookName, msg.RunbookVersion)
	if err == nil {
		for i, def := range rb.OnMemberRemoved {
			tctx, tErr := templateContext(member, batch, false)
			if tErr != nil {
				continue
			}
			resolved, _ := template.ResolveParams(def.Params, tctx)
			jobID := fmt.Sprintf("member-removed-%d-%d", member.ID, i)
			job := WorkerJobMessage{
				JobID:        jobID,
				BatchID:      batch.ID,
				WorkerID:     def.WorkerID,
				FunctionName: def.Function,
				Parameters:   resolved,
				CorrelationData: WorkerJobCorrelation{
					RunbookName:    batch.RunbookName,
					RunbookVersion: msg.RunbookVersion,
				},
			}
			if pubErr := publishJSON(ctx, o.bus, bus.TopicWorkerJobs, "worker-job", job, jobID, time.Time{}, o.cfg.DuplicateDetectionWindow); pubErr != nil {
				o.log.Error("on_member_removed dispatch failed", "error", pubErr)
			}
		}
	}

	return o.backend.SetRemoveDispatchedAt(ctx, member.ID)
}
