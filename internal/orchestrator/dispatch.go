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
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/migrond/migrond/internal/store"
	"github.com/migrond/migrond/internal/tracing"
	"github.com/migrond/migrond/pkg/bus"
	"github.com/migrond/migrond/pkg/phase"
	"github.com/migrond/migrond/pkg/runbook"
	"github.com/migrond/migrond/pkg/template"
)

var dispatchTracer = otel.Tracer("migrond/orchestrator")

func isTerminalStepStatus(status string) bool {
	switch status {
	case store.StepStatusSucceeded, store.StepStatusFailed, store.StepStatusPollTimeout, store.StepStatusCancelled:
		return true
	default:
		return false
	}
}

// nextDispatchable returns the lowest-indexed non-terminal step, honoring
// §5's ordering guarantee that a member's steps dispatch strictly in index
// order: a step is only ever returned if it is pending, since a step stuck
// dispatched/polling/pending-for-retry blocks everything after it.
func nextDispatchable(steps []*store.StepExecution) *store.StepExecution {
	sorted := make([]*store.StepExecution, len(steps))
	copy(sorted, steps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StepIndex < sorted[j].StepIndex })

	for _, s := range sorted {
		if !isTerminalStepStatus(s.Status) {
			if s.Status == store.StepStatusPending {
				return s
			}
			return nil
		}
	}
	return nil
}

func templateContext(member *store.BatchMember, batch *store.Batch, initOnly bool) (*template.Context, error) {
	tctx := &template.Context{BatchID: batch.ID, BatchStartTime: batch.BatchStartTime, InitOnly: initOnly}
	if member != nil {
		data := map[string]interface{}{}
		if member.DataJSON != "" {
			if err := json.Unmarshal([]byte(member.DataJSON), &data); err != nil {
				return nil, fmt.Errorf("unmarshal member data_json: %w", err)
			}
		}
		worker := map[string]interface{}{}
		if member.WorkerDataJSON != "" {
			if err := json.Unmarshal([]byte(member.WorkerDataJSON), &worker); err != nil {
				return nil, fmt.Errorf("unmarshal member worker_data_json: %w", err)
			}
		}
		tctx.Data = data
		tctx.WorkerData = worker
	}
	return tctx, nil
}

// resolveStepParams resolves a step's param templates against ctx. Per
// §4.7/§7, a resolution failure at creation time is swallowed — the raw
// template values are stored so the dispatch path (which calls this again)
// can re-resolve once an earlier step's output_params has filled the gap.
func resolveStepParams(def runbook.StepDefinition, tctx *template.Context) (resolved map[string]string, raw bool) {
	out, err := template.ResolveParams(def.Params, tctx)
	if err != nil {
		return def.Params, true
	}
	return out, false
}

func marshalParams(m map[string]string) string {
	if m == nil {
		m = map[string]string{}
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func unmarshalParams(s string) map[string]string {
	out := map[string]string{}
	if s == "" {
		return out
	}
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

// dispatchStep CASes a pending step to dispatched and publishes its job. It
// re-resolves params_json at send time (the stored value may be a raw,
// unresolved template from creation time). If resolution still fails and
// strict template resolution is on (the default), the step is marked failed
// with the missing-names list rather than dispatched (§7's
// TemplateResolutionError dispatch-time rule); with it off, unresolved
// placeholders become empty strings and the step is dispatched.
func (o *Orchestrator) dispatchStep(ctx context.Context, step *store.StepExecution, member *store.BatchMember, batch *store.Batch, rb *runbook.Runbook, def runbook.StepDefinition, isPollCall bool) error {
	ctx, span := tracing.StartStepDispatch(ctx, dispatchTracer, step.ID, def.Function)
	defer span.End()

	tctx, err := templateContext(member, batch, false)
	if err != nil {
		span.RecordError(err)
		return err
	}

	resolved, failedResolve := resolveStepParams(def, tctx)
	if failedResolve {
		_, rerr := template.ResolveParams(def.Params, tctx)
		if !o.flags.IsStrictTemplateResolutionEnabled() {
			o.log.Warn("dispatching step with unresolved template references substituted as empty",
				"step_id", step.ID, "function", def.Function, "error", rerr)
			resolved = template.ResolveParamsLenient(def.Params, tctx)
		} else {
			n, casErr := o.backend.CASStepStatus(ctx, step.ID, step.Status, store.StepStatusFailed)
			if casErr != nil {
				return casErr
			}
			if n > 0 {
				step.ErrorMessage = rerr.Error()
				step.Status = store.StepStatusFailed
				_ = o.backend.UpdateStep(ctx, step)
				return o.runCompletionChecks(ctx, step.PhaseExecutionID, batch.ID)
			}
			return nil
		}
	}

	var jobID string
	switch {
	case isPollCall:
		jobID = stepPollJobID(step.ID, step.PollCount)
	case step.RetryCount > 0:
		jobID = stepRetryJobID(step.ID, step.RetryCount)
	default:
		jobID = stepJobID(step.ID)
	}

	n, err := o.backend.CASStepStatus(ctx, step.ID, step.Status, store.StepStatusDispatched)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil // another handler instance won the race
	}

	step.ParamsJSON = marshalParams(resolved)
	step.JobID = jobID
	now := time.Now()
	step.DispatchedAt = &now
	step.Status = store.StepStatusDispatched
	if err := o.backend.UpdateStep(ctx, step); err != nil {
		return err
	}

	if o.flags.IsVerboseDispatchLoggingEnabled() {
		o.log.Debug("dispatching step", "job_id", jobID, "function", def.Function, "params", o.masker.Mask(marshalParams(resolved)))
	}

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
		IsPollCall: isPollCall,
	}
	if err := publishJSON(ctx, o.bus, bus.TopicWorkerJobs, "worker-job", job, jobID, time.Time{}, o.cfg.DuplicateDetectionWindow); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (o *Orchestrator) dispatchInit(ctx context.Context, init *store.InitExecution, batch *store.Batch, rb *runbook.Runbook, def runbook.StepDefinition) error {
	tctx, err := templateContext(nil, batch, true)
	if err != nil {
		return err
	}
	resolved, err := template.ResolveParams(def.Params, tctx)
	if err != nil {
		n, casErr := o.backend.CASInitStatus(ctx, init.ID, init.Status, store.StepStatusFailed)
		if casErr != nil {
			return casErr
		}
		if n > 0 {
			init.Status = store.StepStatusFailed
			init.ErrorMessage = err.Error()
			_ = o.backend.UpdateInit(ctx, init)
			return o.checkBatchInitFailed(ctx, batch.ID)
		}
		return nil
	}

	jobID := initJobID(init.ID)
	if init.RetryCount > 0 {
		jobID = initRetryJobID(init.ID, init.RetryCount)
	}

	n, err := o.backend.CASInitStatus(ctx, init.ID, init.Status, store.StepStatusDispatched)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}

	init.ParamsJSON = marshalParams(resolved)
	init.JobID = jobID
	now := time.Now()
	init.DispatchedAt = &now
	init.Status = store.StepStatusDispatched
	if err := o.backend.UpdateInit(ctx, init); err != nil {
		return err
	}

	job := WorkerJobMessage{
		JobID:        jobID,
		BatchID:      batch.ID,
		WorkerID:     def.WorkerID,
		FunctionName: def.Function,
		Parameters:   resolved,
		CorrelationData: WorkerJobCorrelation{
			InitExecutionID: init.ID,
			IsInitStep:      true,
			RunbookName:     batch.RunbookName,
			RunbookVersion:  rb.Version,
		},
	}
	return publishJSON(ctx, o.bus, bus.TopicWorkerJobs, "worker-job", job, jobID, time.Time{}, o.cfg.DuplicateDetectionWindow)
}

// fireRollback dispatches a named rollback sequence fire-and-forget: no
// status row is created or tracked, per §4.7.
func (o *Orchestrator) fireRollback(ctx context.Context, rb *runbook.Runbook, rollbackName string, member *store.BatchMember, batch *store.Batch) error {
	if rollbackName == "" {
		return nil
	}
	if !o.flags.IsRollbackOnFailureEnabled() {
		o.log.Warn("rollback suppressed: automatic rollback disabled", "rollback", rollbackName, "batch", batch.ID)
		return nil
	}
	steps, ok := rb.Rollbacks[rollbackName]
	if !ok {
		return nil
	}
	tctx, err := templateContext(member, batch, false)
	if err != nil {
		return err
	}
	for i, def := range steps {
		resolved, _ := template.ResolveParams(def.Params, tctx)
		jobID := fmt.Sprintf("rollback-%s-%d-%d-%d", rollbackName, batch.ID, memberIDOrZero(member), i)
		job := WorkerJobMessage{
			JobID:        jobID,
			BatchID:      batch.ID,
			WorkerID:     def.WorkerID,
			FunctionName: def.Function,
			Parameters:   resolved,
			CorrelationData: WorkerJobCorrelation{
				RunbookName:    batch.RunbookName,
				RunbookVersion: rb.Version,
			},
		}
		if pubErr := publishJSON(ctx, o.bus, bus.TopicWorkerJobs, "worker-job", job, jobID, time.Time{}, o.cfg.DuplicateDetectionWindow); pubErr != nil {
			o.log.Error("rollback dispatch failed", "rollback", rollbackName, "error", pubErr)
		}
	}
	return nil
}

func memberIDOrZero(m *store.BatchMember) int64 {
	if m == nil {
		return 0
	}
	return m.ID
}

func findStepDef(phaseDef *runbook.PhaseDefinition, name string) (runbook.StepDefinition, bool) {
	for _, s := range phaseDef.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return runbook.StepDefinition{}, false
}

func findPhaseDef(rb *runbook.Runbook, name string) (*runbook.PhaseDefinition, bool) {
	for i := range rb.Phases {
		if rb.Phases[i].Name == name {
			return &rb.Phases[i], true
		}
	}
	return nil, false
}

func effectiveRetry(def runbook.StepDefinition, rb *runbook.Runbook) *runbook.RetryConfig {
	return def.EffectiveRetry(rb.Retry)
}

func retrySeconds(r *runbook.RetryConfig) (maxRetries int, intervalSec int, err error) {
	if r == nil {
		return 0, 0, nil
	}
	d, err := phase.ParseDuration(r.Interval)
	if err != nil {
		return 0, 0, err
	}
	return r.MaxRetries, int(d.Seconds()), nil
}

func pollSeconds(p *runbook.PollConfig) (intervalSec int, timeoutSec int, err error) {
	if p == nil {
		return 0, 0, nil
	}
	iv, err := phase.ParseDuration(p.Interval)
	if err != nil {
		return 0, 0, err
	}
	to, err := phase.ParseDuration(p.Timeout)
	if err != nil {
		return 0, 0, err
	}
	return int(iv.Seconds()), int(to.Seconds()), nil
}

// extractOutputValue evaluates an output_params expression against a
// worker's result payload. A bare key ("id") is treated as a top-level
// field; a jq-style expression (".data.records[0].id") reaches into a
// nested result ("data.records[0].id"), which a plain map lookup can't do.
func (o *Orchestrator) extractOutputValue(ctx context.Context, result map[string]interface{}, expr string) (interface{}, bool) {
	if expr == "" {
		return nil, false
	}
	query := expr
	if !strings.HasPrefix(query, ".") {
		query = "." + query
	}
	v, err := o.jqExec.Execute(ctx, query, result)
	if err != nil || v == nil {
		return nil, false
	}
	return v, true
}
