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

// Package memory provides an in-process, mutex-guarded store.Backend
// implementation used in unit tests and single-process development, mirroring
// the teacher's in-memory daemon/queue backing store in spirit.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/migrond/migrond/internal/store"
	"github.com/migrond/migrond/pkg/errors"
)

// Backend is a fully in-memory store.Backend. Not suitable for multi-process
// deployment: it exists for tests and local development only.
type Backend struct {
	mu sync.Mutex

	nextID int64

	runbooks   map[string][]*store.Runbook // by name, ordered by version
	automation map[string]*store.AutomationSetting
	batches    map[int64]*store.Batch
	members    map[int64]*store.BatchMember
	phases     map[int64]*store.PhaseExecution
	steps      map[int64]*store.StepExecution
	inits      map[int64]*store.InitExecution
}

// New constructs an empty in-memory backend.
func New() *Backend {
	return &Backend{
		runbooks:   make(map[string][]*store.Runbook),
		automation: make(map[string]*store.AutomationSetting),
		batches:    make(map[int64]*store.Batch),
		members:    make(map[int64]*store.BatchMember),
		phases:     make(map[int64]*store.PhaseExecution),
		steps:      make(map[int64]*store.StepExecution),
		inits:      make(map[int64]*store.InitExecution),
	}
}

func (b *Backend) allocID() int64 {
	b.nextID++
	return b.nextID
}

func id(n int64) string { return strconv.FormatInt(n, 10) }

// Close releases backend resources. No-op for the in-memory backend.
func (b *Backend) Close() error { return nil }

var _ store.Backend = (*Backend)(nil)

// --- RunbookStore ---

func (b *Backend) Publish(ctx context.Context, rb *store.Runbook) (*store.Runbook, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	versions := b.runbooks[rb.Name]
	for _, v := range versions {
		v.IsActive = false
	}

	rb.ID = b.allocID()
	rb.Version = len(versions) + 1
	rb.IsActive = true
	rb.CreatedAt = time.Now()

	cp := *rb
	b.runbooks[rb.Name] = append(versions, &cp)
	out := cp
	return &out, nil
}

func (b *Backend) GetActive(ctx context.Context, name string) (*store.Runbook, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, v := range b.runbooks[name] {
		if v.IsActive {
			out := *v
			return &out, nil
		}
	}
	return nil, &errors.NotFoundError{Resource: "runbook", ID: name}
}

func (b *Backend) GetVersion(ctx context.Context, name string, version int) (*store.Runbook, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, v := range b.runbooks[name] {
		if v.Version == version {
			out := *v
			return &out, nil
		}
	}
	return nil, &errors.NotFoundError{Resource: "runbook", ID: name}
}

func (b *Backend) ListVersions(ctx context.Context, name string) ([]*store.Runbook, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*store.Runbook, 0, len(b.runbooks[name]))
	for _, v := range b.runbooks[name] {
		cp := *v
		out = append(out, &cp)
	}
	return out, nil
}

func (b *Backend) ListActive(ctx context.Context) ([]*store.Runbook, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*store.Runbook
	for _, versions := range b.runbooks {
		for _, v := range versions {
			if v.IsActive {
				cp := *v
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

func (b *Backend) Deactivate(ctx context.Context, name string, version int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, v := range b.runbooks[name] {
		if v.Version == version {
			v.IsActive = false
			return nil
		}
	}
	return &errors.NotFoundError{Resource: "runbook", ID: name}
}

// --- AutomationStore ---

func (b *Backend) GetEnabled(ctx context.Context, runbookName string) (*store.AutomationSetting, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.automation[runbookName]
	if !ok {
		return &store.AutomationSetting{RunbookName: runbookName, Enabled: true}, nil
	}
	out := *a
	return &out, nil
}

func (b *Backend) SetEnabled(ctx context.Context, runbookName string, enabled bool, actor string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.automation[runbookName] = &store.AutomationSetting{
		RunbookName: runbookName,
		Enabled:     enabled,
		UpdatedAt:   time.Now(),
		UpdatedBy:   actor,
	}
	return nil
}

func (b *Backend) ListEnabled(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for name, versions := range b.runbooks {
		enabled := true
		if a, ok := b.automation[name]; ok {
			enabled = a.Enabled
		}
		hasActive := false
		for _, v := range versions {
			if v.IsActive {
				hasActive = true
			}
		}
		if enabled && hasActive && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out, nil
}

// --- BatchStore ---

func (b *Backend) CreateBatch(ctx context.Context, batch *store.Batch) (*store.Batch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch.ID = b.allocID()
	batch.DetectedAt = time.Now()
	cp := *batch
	b.batches[batch.ID] = &cp
	out := cp
	return &out, nil
}

func (b *Backend) GetBatch(ctx context.Context, batchID int64) (*store.Batch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch, ok := b.batches[batchID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "batch", ID: id(batchID)}
	}
	out := *batch
	return &out, nil
}

func (b *Backend) GetBatchByNameAndStartTime(ctx context.Context, runbookName string, startTime *time.Time) (*store.Batch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, batch := range b.batches {
		if batch.RunbookName != runbookName {
			continue
		}
		if sameStartTime(batch.BatchStartTime, startTime) {
			out := *batch
			return &out, nil
		}
	}
	return nil, &errors.NotFoundError{Resource: "batch", ID: runbookName}
}

func sameStartTime(a, c *time.Time) bool {
	if a == nil || c == nil {
		return a == c
	}
	return a.Equal(*c)
}

func (b *Backend) ListActiveByRunbookName(ctx context.Context, runbookName string) ([]*store.Batch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*store.Batch
	for _, batch := range b.batches {
		if batch.RunbookName != runbookName {
			continue
		}
		if batch.Status == store.BatchStatusCompleted || batch.Status == store.BatchStatusFailed {
			continue
		}
		cp := *batch
		out = append(out, &cp)
	}
	return out, nil
}

func (b *Backend) ListBatches(ctx context.Context, filter store.BatchFilter) ([]*store.Batch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*store.Batch
	for _, batch := range b.batches {
		if filter.RunbookName != "" && batch.RunbookName != filter.RunbookName {
			continue
		}
		if filter.Status != "" && batch.Status != filter.Status {
			continue
		}
		cp := *batch
		out = append(out, &cp)
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (b *Backend) CASBatchStatus(ctx context.Context, batchID int64, expectedStatus, newStatus string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch, ok := b.batches[batchID]
	if !ok || batch.Status != expectedStatus {
		return 0, nil
	}
	batch.Status = newStatus
	return 1, nil
}

func (b *Backend) SetBatchRunbookID(ctx context.Context, batchID int64, runbookID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch, ok := b.batches[batchID]
	if !ok {
		return &errors.NotFoundError{Resource: "batch", ID: id(batchID)}
	}
	batch.RunbookID = runbookID
	return nil
}

func (b *Backend) SetInitDispatchedAt(ctx context.Context, batchID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch, ok := b.batches[batchID]
	if !ok {
		return &errors.NotFoundError{Resource: "batch", ID: id(batchID)}
	}
	now := time.Now()
	batch.InitDispatchedAt = &now
	return nil
}

func (b *Backend) SetCurrentPhase(ctx context.Context, batchID int64, phaseName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch, ok := b.batches[batchID]
	if !ok {
		return &errors.NotFoundError{Resource: "batch", ID: id(batchID)}
	}
	batch.CurrentPhase = phaseName
	return nil
}

// --- BatchMemberStore ---

func (b *Backend) AddMember(ctx context.Context, m *store.BatchMember) (*store.BatchMember, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m.ID = b.allocID()
	m.AddedAt = time.Now()
	cp := *m
	b.members[m.ID] = &cp
	out := cp
	return &out, nil
}

func (b *Backend) GetMember(ctx context.Context, memberID int64) (*store.BatchMember, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.members[memberID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "batch_member", ID: id(memberID)}
	}
	out := *m
	return &out, nil
}

func (b *Backend) ListActiveMembers(ctx context.Context, batchID int64) ([]*store.BatchMember, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*store.BatchMember
	for _, m := range b.members {
		if m.BatchID == batchID && m.Status == store.MemberStatusActive {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (b *Backend) ListAllMembers(ctx context.Context, batchID int64) ([]*store.BatchMember, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*store.BatchMember
	for _, m := range b.members {
		if m.BatchID == batchID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (b *Backend) CASMemberStatus(ctx context.Context, memberID int64, expectedStatus, newStatus string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.members[memberID]
	if !ok || m.Status != expectedStatus {
		return 0, nil
	}
	m.Status = newStatus
	if newStatus == store.MemberStatusRemoved {
		now := time.Now()
		m.RemovedAt = &now
	}
	return 1, nil
}

func (b *Backend) SetAddDispatchedAt(ctx context.Context, memberID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.members[memberID]
	if !ok {
		return &errors.NotFoundError{Resource: "batch_member", ID: id(memberID)}
	}
	now := time.Now()
	m.AddDispatchedAt = &now
	return nil
}

func (b *Backend) SetRemoveDispatchedAt(ctx context.Context, memberID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.members[memberID]
	if !ok {
		return &errors.NotFoundError{Resource: "batch_member", ID: id(memberID)}
	}
	now := time.Now()
	m.RemoveDispatchedAt = &now
	return nil
}

func (b *Backend) MergeWorkerData(ctx context.Context, memberID int64, values map[string]interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.members[memberID]
	if !ok {
		return &errors.NotFoundError{Resource: "batch_member", ID: id(memberID)}
	}
	current, err := decodeJSONObject(m.WorkerDataJSON)
	if err != nil {
		return err
	}
	for k, v := range values {
		current[k] = v
	}
	encoded, err := encodeJSONObject(current)
	if err != nil {
		return err
	}
	m.WorkerDataJSON = encoded
	return nil
}

// --- PhaseExecutionStore ---

func (b *Backend) CreatePhase(ctx context.Context, p *store.PhaseExecution) (*store.PhaseExecution, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p.ID = b.allocID()
	cp := *p
	b.phases[p.ID] = &cp
	out := cp
	return &out, nil
}

func (b *Backend) GetPhase(ctx context.Context, phaseID int64) (*store.PhaseExecution, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.phases[phaseID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "phase_execution", ID: id(phaseID)}
	}
	out := *p
	return &out, nil
}

func (b *Backend) ListPhasesByBatch(ctx context.Context, batchID int64) ([]*store.PhaseExecution, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*store.PhaseExecution
	for _, p := range b.phases {
		if p.BatchID == batchID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (b *Backend) ListOverduePending(ctx context.Context, now time.Time) ([]*store.PhaseExecution, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*store.PhaseExecution
	for _, p := range b.phases {
		if p.Status != store.PhaseStatusPending {
			continue
		}
		if p.DueAt != nil && !p.DueAt.After(now) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (b *Backend) CASPhaseStatus(ctx context.Context, phaseID int64, expectedStatus, newStatus string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.phases[phaseID]
	if !ok || p.Status != expectedStatus {
		return 0, nil
	}
	p.Status = newStatus
	now := time.Now()
	switch newStatus {
	case store.PhaseStatusDispatched:
		p.DispatchedAt = &now
	case store.PhaseStatusCompleted, store.PhaseStatusFailed:
		p.CompletedAt = &now
	}
	return 1, nil
}

func (b *Backend) InsertTransitionRows(ctx context.Context, supersedeIDs []int64, newRows []*store.PhaseExecution) ([]*store.PhaseExecution, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sid := range supersedeIDs {
		if p, ok := b.phases[sid]; ok && p.Status == store.PhaseStatusPending {
			p.Status = store.PhaseStatusSuperseded
		}
	}
	out := make([]*store.PhaseExecution, 0, len(newRows))
	for _, row := range newRows {
		row.ID = b.allocID()
		cp := *row
		b.phases[row.ID] = &cp
		o := cp
		out = append(out, &o)
	}
	return out, nil
}

// --- StepExecutionStore ---

func (b *Backend) CreateStep(ctx context.Context, s *store.StepExecution) (*store.StepExecution, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s.ID = b.allocID()
	s.CreatedAt = time.Now()
	cp := *s
	b.steps[s.ID] = &cp
	out := cp
	return &out, nil
}

func (b *Backend) CreateSteps(ctx context.Context, steps []*store.StepExecution) ([]*store.StepExecution, error) {
	out := make([]*store.StepExecution, 0, len(steps))
	for _, s := range steps {
		created, err := b.CreateStep(ctx, s)
		if err != nil {
			return nil, err
		}
		out = append(out, created)
	}
	return out, nil
}

func (b *Backend) GetStep(ctx context.Context, stepID int64) (*store.StepExecution, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.steps[stepID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "step_execution", ID: id(stepID)}
	}
	out := *s
	return &out, nil
}

func (b *Backend) ListStepsByPhase(ctx context.Context, phaseExecutionID int64) ([]*store.StepExecution, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*store.StepExecution
	for _, s := range b.steps {
		if s.PhaseExecutionID == phaseExecutionID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (b *Backend) ListStepsByMember(ctx context.Context, batchMemberID int64) ([]*store.StepExecution, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*store.StepExecution
	for _, s := range b.steps {
		if s.BatchMemberID == batchMemberID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (b *Backend) StepsExistForPhase(ctx context.Context, phaseExecutionID int64) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.steps {
		if s.PhaseExecutionID == phaseExecutionID {
			return true, nil
		}
	}
	return false, nil
}

func (b *Backend) CASStepStatus(ctx context.Context, stepID int64, expectedStatus, newStatus string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.steps[stepID]
	if !ok || s.Status != expectedStatus {
		return 0, nil
	}
	s.Status = newStatus
	now := time.Now()
	switch newStatus {
	case store.StepStatusDispatched:
		s.DispatchedAt = &now
	case store.StepStatusSucceeded, store.StepStatusFailed, store.StepStatusPollTimeout, store.StepStatusCancelled:
		s.CompletedAt = &now
	}
	return 1, nil
}

func (b *Backend) UpdateStep(ctx context.Context, s *store.StepExecution) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.steps[s.ID]; !ok {
		return &errors.NotFoundError{Resource: "step_execution", ID: id(s.ID)}
	}
	cp := *s
	b.steps[s.ID] = &cp
	return nil
}

// --- InitExecutionStore ---

func (b *Backend) CreateInit(ctx context.Context, i *store.InitExecution) (*store.InitExecution, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i.ID = b.allocID()
	i.CreatedAt = time.Now()
	cp := *i
	b.inits[i.ID] = &cp
	out := cp
	return &out, nil
}

func (b *Backend) CreateInits(ctx context.Context, inits []*store.InitExecution) ([]*store.InitExecution, error) {
	out := make([]*store.InitExecution, 0, len(inits))
	for _, i := range inits {
		created, err := b.CreateInit(ctx, i)
		if err != nil {
			return nil, err
		}
		out = append(out, created)
	}
	return out, nil
}

func (b *Backend) GetInit(ctx context.Context, initID int64) (*store.InitExecution, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.inits[initID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "init_execution", ID: id(initID)}
	}
	out := *i
	return &out, nil
}

func (b *Backend) ListInitsByBatch(ctx context.Context, batchID int64) ([]*store.InitExecution, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*store.InitExecution
	for _, i := range b.inits {
		if i.BatchID == batchID {
			cp := *i
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (b *Backend) InitsExistForBatch(ctx context.Context, batchID int64, runbookVersion int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, i := range b.inits {
		if i.BatchID == batchID && i.RunbookVersion == runbookVersion {
			return true, nil
		}
	}
	return false, nil
}

func (b *Backend) CASInitStatus(ctx context.Context, initID int64, expectedStatus, newStatus string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.inits[initID]
	if !ok || i.Status != expectedStatus {
		return 0, nil
	}
	i.Status = newStatus
	now := time.Now()
	switch newStatus {
	case store.StepStatusDispatched:
		i.DispatchedAt = &now
	case store.StepStatusSucceeded, store.StepStatusFailed:
		i.CompletedAt = &now
	}
	return 1, nil
}

func (b *Backend) UpdateInit(ctx context.Context, i *store.InitExecution) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.inits[i.ID]; !ok {
		return &errors.NotFoundError{Resource: "init_execution", ID: id(i.ID)}
	}
	cp := *i
	b.inits[i.ID] = &cp
	return nil
}

func decodeJSONObject(s string) (map[string]interface{}, error) {
	if s == "" {
		return make(map[string]interface{}), nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decoding worker_data_json: %w", err)
	}
	return m, nil
}

func encodeJSONObject(m map[string]interface{}) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding worker_data_json: %w", err)
	}
	return string(b), nil
}
