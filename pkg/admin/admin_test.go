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

package admin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	busmemory "github.com/migrond/migrond/internal/bus/memory"
	"github.com/migrond/migrond/internal/store"
	storememory "github.com/migrond/migrond/internal/store/memory"
)

const testRunbookDoc = `
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

func newTestService(t *testing.T) *Service {
	t.Helper()
	backend := storememory.New()
	b := busmemory.New()
	return New(backend, b, nil)
}

func TestPublishAndGetRunbook(t *testing.T) {
	svc := newTestService(t)

	published, err := svc.PublishRunbook(context.Background(), []byte(testRunbookDoc), "contracts")
	require.NoError(t, err)
	assert.Equal(t, "contract-migration", published.Name)
	assert.Equal(t, 1, published.Version)
	assert.True(t, published.IsActive)

	active, err := svc.GetRunbook(context.Background(), "contract-migration", 0)
	require.NoError(t, err)
	assert.Equal(t, published.Version, active.Version)

	republished, err := svc.PublishRunbook(context.Background(), []byte(testRunbookDoc), "contracts")
	require.NoError(t, err)
	assert.Equal(t, 2, republished.Version)

	versions, err := svc.ListRunbookVersions(context.Background(), "contract-migration")
	require.NoError(t, err)
	assert.Len(t, versions, 2)

	v1, err := svc.GetRunbook(context.Background(), "contract-migration", 1)
	require.NoError(t, err)
	assert.False(t, v1.IsActive, "publishing v2 must deactivate v1")
}

func TestAutomationToggle(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.PublishRunbook(context.Background(), []byte(testRunbookDoc), "")
	require.NoError(t, err)

	require.NoError(t, svc.SetAutomation(context.Background(), "contract-migration", true, "alice"))
	setting, err := svc.GetAutomation(context.Background(), "contract-migration")
	require.NoError(t, err)
	assert.True(t, setting.Enabled)
	assert.Equal(t, "alice", setting.UpdatedBy)

	require.NoError(t, svc.SetAutomation(context.Background(), "contract-migration", false, "bob"))
	setting, err = svc.GetAutomation(context.Background(), "contract-migration")
	require.NoError(t, err)
	assert.False(t, setting.Enabled)
}

func TestManualBatchLifecycle(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.PublishRunbook(context.Background(), []byte(testRunbookDoc), "")
	require.NoError(t, err)

	rows := []map[string]interface{}{
		{"id": "c-1"},
		{"id": "c-2"},
	}
	batch, err := svc.CreateManualBatch(context.Background(), "contract-migration", rows, "id", "alice")
	require.NoError(t, err)
	assert.True(t, batch.IsManual)
	assert.Equal(t, store.BatchStatusActive, batch.Status)

	members, err := svc.ListMembers(context.Background(), batch.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	phase, err := svc.AdvanceBatch(context.Background(), batch.ID)
	require.NoError(t, err)
	assert.Equal(t, "notify", phase.PhaseName)
	assert.Equal(t, store.PhaseStatusDispatched, phase.Status)

	_, err = svc.AdvanceBatch(context.Background(), batch.ID)
	assert.Error(t, err, "no second pending phase left to advance")

	added, err := svc.AddMember(context.Background(), batch.ID, map[string]interface{}{"id": "c-3"}, "id")
	require.NoError(t, err)
	assert.Equal(t, "c-3", added.MemberKey)

	require.NoError(t, svc.RemoveMember(context.Background(), batch.ID, added.ID))
	members, err = svc.ListMembers(context.Background(), batch.ID)
	require.NoError(t, err)
	var removed *store.BatchMember
	for _, m := range members {
		if m.ID == added.ID {
			removed = m
		}
	}
	require.NotNil(t, removed)
	assert.Equal(t, store.MemberStatusRemoved, removed.Status)

	require.NoError(t, svc.CancelBatch(context.Background(), batch.ID))
	got, err := svc.GetBatch(context.Background(), batch.ID)
	require.NoError(t, err)
	assert.Equal(t, store.BatchStatusCancelled, got.Status)
}

func TestAdvanceBatchRefusesAutomatedBatch(t *testing.T) {
	svc := newTestService(t)
	published, err := svc.PublishRunbook(context.Background(), []byte(testRunbookDoc), "")
	require.NoError(t, err)

	backend := svc.backend
	batch, err := backend.CreateBatch(context.Background(), &store.Batch{
		RunbookID:   published.ID,
		RunbookName: published.Name,
		Name:        "auto-detected",
		Status:      store.BatchStatusActive,
		IsManual:    false,
	})
	require.NoError(t, err)

	_, err = svc.AdvanceBatch(context.Background(), batch.ID)
	assert.Error(t, err)
}
