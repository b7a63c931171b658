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

// Package admin exposes the repository operations spec §6.3 names as the
// seam an external Admin API server calls: runbook publish/list/deactivate,
// automation enablement, and manual batch/member lifecycle. The HTTP
// surface itself is out of scope; this package is the contract an HTTP
// handler (or the migrondctl CLI) is built against.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/migrond/migrond/internal/orchestrator"
	"github.com/migrond/migrond/internal/store"
	"github.com/migrond/migrond/pkg/bus"
	"github.com/migrond/migrond/pkg/phase"
	"github.com/migrond/migrond/pkg/runbook"
)

// Service implements the Admin contract over a store.Backend and bus.Bus.
type Service struct {
	backend store.Backend
	bus     bus.Bus
	log     func(msg string, args ...any)
}

// New constructs a Service. logf may be nil, in which case failures from
// best-effort operations (manual member add/remove publishes) are dropped
// silently rather than logged.
func New(backend store.Backend, b bus.Bus, logf func(msg string, args ...any)) *Service {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Service{backend: backend, bus: b, log: logf}
}

// PublishRunbook validates and stores a new version of a runbook document,
// deactivating all prior versions of the same name atomically. Per §4's
// ValidationError policy, a malformed document returns every problem found
// rather than failing on the first.
func (s *Service) PublishRunbook(ctx context.Context, document []byte, dataTableName string) (*store.Runbook, error) {
	rb, err := runbook.ParseAndValidate(document)
	if err != nil {
		return nil, err
	}
	row := &store.Runbook{
		Name:            rb.Name,
		Document:        string(document),
		DataTableName:   dataTableName,
		IsActive:        true,
		OverdueBehavior: rb.OverdueBehavior,
		RerunInit:       rb.RerunInit,
	}
	return s.backend.Publish(ctx, row)
}

func (s *Service) ListActiveRunbooks(ctx context.Context) ([]*store.Runbook, error) {
	return s.backend.ListActive(ctx)
}

// GetRunbook returns the named runbook at version, or its active version
// when version is 0.
func (s *Service) GetRunbook(ctx context.Context, name string, version int) (*store.Runbook, error) {
	if version == 0 {
		return s.backend.GetActive(ctx, name)
	}
	return s.backend.GetVersion(ctx, name, version)
}

func (s *Service) ListRunbookVersions(ctx context.Context, name string) ([]*store.Runbook, error) {
	return s.backend.ListVersions(ctx, name)
}

func (s *Service) DeactivateRunbook(ctx context.Context, name string, version int) error {
	return s.backend.Deactivate(ctx, name, version)
}

func (s *Service) GetAutomation(ctx context.Context, runbookName string) (*store.AutomationSetting, error) {
	return s.backend.GetEnabled(ctx, runbookName)
}

func (s *Service) SetAutomation(ctx context.Context, runbookName string, enabled bool, actor string) error {
	return s.backend.SetEnabled(ctx, runbookName, enabled, actor)
}

// CreateManualBatch creates a batch outside the Scheduler's detection loop,
// from an operator-supplied tabular payload, against the runbook's active
// version. A manual batch has no batch_start_time-driven offsets: every
// phase is inserted pending with no due_at, left for ManualAdvance to
// dispatch one at a time.
func (s *Service) CreateManualBatch(ctx context.Context, runbookName string, rows []map[string]interface{}, primaryKey string, createdBy string) (*store.Batch, error) {
	row, err := s.backend.GetActive(ctx, runbookName)
	if err != nil {
		return nil, fmt.Errorf("active runbook %q not found: %w", runbookName, err)
	}
	rb, err := runbook.Parse([]byte(row.Document))
	if err != nil {
		return nil, fmt.Errorf("parse runbook: %w", err)
	}

	initialStatus := store.BatchStatusActive
	if len(rb.Init) > 0 {
		initialStatus = store.BatchStatusDetected
	}

	batch := &store.Batch{
		RunbookID:   row.ID,
		RunbookName: row.Name,
		Name:        fmt.Sprintf("%s (manual)", row.Name),
		Status:      initialStatus,
		IsManual:    true,
		CreatedBy:   createdBy,
		DetectedAt:  time.Now().UTC(),
	}
	batch, err = s.backend.CreateBatch(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}

	for _, r := range rows {
		dataJSON, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("marshal member data_json: %w", err)
		}
		member := &store.BatchMember{
			BatchID:   batch.ID,
			MemberKey: fmt.Sprintf("%v", r[primaryKey]),
			Status:    store.MemberStatusActive,
			DataJSON:  string(dataJSON),
			AddedAt:   batch.DetectedAt,
		}
		if _, err := s.backend.AddMember(ctx, member); err != nil {
			return nil, fmt.Errorf("add member: %w", err)
		}
	}

	for _, def := range rb.Phases {
		offsetMinutes, err := phase.ParseOffset(def.Offset)
		if err != nil {
			return nil, fmt.Errorf("phase offset: %w", err)
		}
		ph := &store.PhaseExecution{
			BatchID:        batch.ID,
			PhaseName:      def.Name,
			OffsetMinutes:  offsetMinutes,
			RunbookVersion: row.Version,
			Status:         store.PhaseStatusPending,
		}
		if _, err := s.backend.CreatePhase(ctx, ph); err != nil {
			return nil, fmt.Errorf("create phase: %w", err)
		}
	}

	return batch, nil
}

func (s *Service) ListBatches(ctx context.Context, filter store.BatchFilter) ([]*store.Batch, error) {
	return s.backend.ListBatches(ctx, filter)
}

func (s *Service) GetBatch(ctx context.Context, id int64) (*store.Batch, error) {
	return s.backend.GetBatch(ctx, id)
}

// AdvanceBatch dispatches the next pending phase of a manual batch. It
// refuses a non-manual batch: automated batches advance only via the
// Scheduler's due_at-driven dispatch.
func (s *Service) AdvanceBatch(ctx context.Context, batchID int64) (*store.PhaseExecution, error) {
	batch, err := s.backend.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if !batch.IsManual {
		return nil, fmt.Errorf("batch %d is not manual: advance only applies to manual batches", batchID)
	}

	phases, err := s.backend.ListPhasesByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	var next *store.PhaseExecution
	for _, ph := range phases {
		if ph.Status == store.PhaseStatusPending {
			next = ph
			break
		}
	}
	if next == nil {
		return nil, fmt.Errorf("batch %d has no pending phase to advance", batchID)
	}

	if _, err := s.backend.CASPhaseStatus(ctx, next.ID, store.PhaseStatusPending, store.PhaseStatusDispatched); err != nil {
		return nil, err
	}
	next.Status = store.PhaseStatusDispatched

	members, err := s.backend.ListActiveMembers(ctx, batchID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}

	msg := orchestrator.PhaseDueMessage{
		PhaseExecutionID: next.ID,
		PhaseName:        next.PhaseName,
		BatchID:          batchID,
		RunbookName:      batch.RunbookName,
		RunbookVersion:   next.RunbookVersion,
		OffsetMinutes:    next.OffsetMinutes,
		MemberIDs:        ids,
	}
	if err := s.publishEvent(ctx, orchestrator.MessageTypePhaseDue, msg, fmt.Sprintf("phase-due-%d", next.ID)); err != nil {
		s.log("publish manual phase-due failed", "phase_execution_id", next.ID, "error", err)
	}
	return next, nil
}

// CancelBatch marks an in-flight batch cancelled. It does not touch step
// executions already dispatched; those settle on their own.
func (s *Service) CancelBatch(ctx context.Context, batchID int64) error {
	batch, err := s.backend.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if _, err := s.backend.CASBatchStatus(ctx, batchID, batch.Status, store.BatchStatusCancelled); err != nil {
		return err
	}
	return nil
}

func (s *Service) ListMembers(ctx context.Context, batchID int64) ([]*store.BatchMember, error) {
	return s.backend.ListAllMembers(ctx, batchID)
}

// AddMember adds a member to an in-flight batch outside of the Scheduler's
// own detection diff, announcing it exactly as the Scheduler would.
func (s *Service) AddMember(ctx context.Context, batchID int64, data map[string]interface{}, primaryKey string) (*store.BatchMember, error) {
	batch, err := s.backend.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal member data_json: %w", err)
	}
	member := &store.BatchMember{
		BatchID:   batchID,
		MemberKey: fmt.Sprintf("%v", data[primaryKey]),
		Status:    store.MemberStatusActive,
		DataJSON:  string(dataJSON),
		AddedAt:   time.Now().UTC(),
	}
	member, err = s.backend.AddMember(ctx, member)
	if err != nil {
		return nil, err
	}

	msg := orchestrator.MemberChangeMessage{
		RunbookName:   batch.RunbookName,
		BatchID:       batchID,
		BatchMemberID: member.ID,
		MemberKey:     member.MemberKey,
	}
	if err := s.publishEvent(ctx, orchestrator.MessageTypeMemberAdded, msg, fmt.Sprintf("member-added-%d", member.ID)); err != nil {
		s.log("publish manual member-added failed", "member_id", member.ID, "error", err)
	}
	return member, nil
}

// RemoveMember marks a member removed and fires its rollback/on-removal
// steps, mirroring the Scheduler's own removal path.
func (s *Service) RemoveMember(ctx context.Context, batchID, memberID int64) error {
	batch, err := s.backend.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	member, err := s.backend.GetMember(ctx, memberID)
	if err != nil {
		return err
	}
	if _, err := s.backend.CASMemberStatus(ctx, memberID, store.MemberStatusActive, store.MemberStatusRemoved); err != nil {
		return err
	}

	msg := orchestrator.MemberChangeMessage{
		RunbookName:   batch.RunbookName,
		BatchID:       batchID,
		BatchMemberID: memberID,
		MemberKey:     member.MemberKey,
	}
	if err := s.publishEvent(ctx, orchestrator.MessageTypeMemberRemoved, msg, fmt.Sprintf("member-removed-%d", memberID)); err != nil {
		s.log("publish manual member-removed failed", "member_id", memberID, "error", err)
	}
	return nil
}

func (s *Service) publishEvent(ctx context.Context, messageType string, payload interface{}, msgID string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", messageType, err)
	}
	msg := &bus.Message{
		Body:       body,
		Properties: map[string]string{"MessageType": messageType},
		MessageID:  msgID,
	}
	return s.bus.Publish(ctx, bus.TopicOrchestratorEvents, msg, bus.PublishOptions{DuplicateDetectionWindow: 10 * time.Minute})
}
