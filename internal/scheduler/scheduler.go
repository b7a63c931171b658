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

// Package scheduler runs the periodic tick that discovers batches from each
// automation-enabled runbook's data source, syncs batch membership, dispatches
// due phases, and drives in-flight batches across a runbook version
// transition. See spec §4.5.
package scheduler

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/migrond/migrond/internal/datasource"
	"github.com/migrond/migrond/internal/featureflags"
	"github.com/migrond/migrond/internal/lock"
	"github.com/migrond/migrond/internal/metrics"
	"github.com/migrond/migrond/internal/store"
	"github.com/migrond/migrond/internal/tracing"
	"github.com/migrond/migrond/pkg/bus"
	"github.com/migrond/migrond/pkg/errors"
	"github.com/migrond/migrond/pkg/runbook"
)

var tickTracer = otel.Tracer("migrond/scheduler")

// Config carries the tunables named in spec §6.4 that apply to the
// Scheduler side of the process.
type Config struct {
	// TickInterval is how often the scheduler loop fires. Default 5m.
	TickInterval time.Duration

	// LockTTL bounds how long a tick may hold the scheduler-tick lease
	// before another process instance is free to take over. Must exceed
	// the longest expected tick; default 5m per §4.5.
	LockTTL time.Duration

	// QueryTimeout bounds a single runbook's data source query; clamped
	// into the 60-120s window spec §4.5 requires.
	QueryTimeout time.Duration

	DuplicateDetectionWindow time.Duration
}

func (c *Config) setDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Minute
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Minute
	}
	if c.QueryTimeout < 60*time.Second {
		c.QueryTimeout = 60 * time.Second
	}
	if c.QueryTimeout > 120*time.Second {
		c.QueryTimeout = 120 * time.Second
	}
	if c.DuplicateDetectionWindow < 10*time.Minute {
		c.DuplicateDetectionWindow = 10 * time.Minute
	}
}

const tickLockName = "scheduler-tick"

// Scheduler owns batch and batch-member detection; it never writes a step
// or init execution row (those belong exclusively to the Orchestrator, per
// §3's ownership rule).
type Scheduler struct {
	backend  store.Backend
	bus      bus.Bus
	registry *datasource.Registry
	lease    *lock.Lease
	log      *slog.Logger
	cfg      Config
	flags    *featureflags.Flags

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New constructs a Scheduler. lease must already have EnsureSchema called.
// flags may be nil, in which case featureflags.New()'s defaults apply.
func New(backend store.Backend, b bus.Bus, registry *datasource.Registry, lease *lock.Lease, log *slog.Logger, cfg Config, flags *featureflags.Flags) *Scheduler {
	cfg.setDefaults()
	if flags == nil {
		flags = featureflags.New()
	}
	return &Scheduler{backend: backend, bus: b, registry: registry, lease: lease, log: log, cfg: cfg, flags: flags}
}

// Start begins the ticker loop in the background.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop ends the ticker loop and waits for the in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	<-s.doneCh
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick acquires the scheduler-tick lease and, if acquired, runs one pass
// over every automation-enabled runbook. An unacquired lease is a no-op:
// another process instance is already mid-tick.
func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()
	if s.flags.IsAutomationPaused() {
		s.log.Debug("scheduler tick skipped: automation paused globally")
		metrics.RecordSchedulerTick("paused", time.Since(start))
		return
	}

	acquired, err := s.lease.TryAcquire(ctx, tickLockName, s.cfg.LockTTL)
	if err != nil {
		s.log.Error("scheduler lease acquire failed", slog.Any("error", err))
		metrics.RecordSchedulerTick("error", time.Since(start))
		return
	}
	if !acquired {
		s.log.Debug("scheduler tick skipped: lease held elsewhere")
		metrics.RecordSchedulerTick("lock_unavailable", time.Since(start))
		return
	}

	names, err := s.backend.ListEnabled(ctx)
	if err != nil {
		s.log.Error("list automation-enabled runbooks failed", slog.Any("error", err))
		metrics.RecordSchedulerTick("error", time.Since(start))
		return
	}

	now := time.Now().UTC()
	for _, name := range names {
		s.processRunbook(ctx, name, now)
	}

	s.dispatchOverduePhases(ctx, now)
	metrics.RecordSchedulerTick("ok", time.Since(start))
}

// processRunbook runs steps 3a-3f of §4.5 for one runbook.
func (s *Scheduler) processRunbook(ctx context.Context, name string, now time.Time) {
	ctx, span := tracing.StartBatchTick(ctx, tickTracer, name, 0)
	defer span.End()

	row, err := s.backend.GetActive(ctx, name)
	if err != nil {
		span.RecordError(err)
		s.log.Error("active runbook not found", slog.String("runbook", name), slog.Any("error", err))
		return
	}

	rb, err := runbook.Parse([]byte(row.Document))
	if err != nil {
		s.log.Error("CRITICAL: runbook parse failed, skipping without marking failed",
			slog.String("runbook", name), slog.Any("error", err))
		return
	}
	rb.Version = row.Version

	queryCtx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	rows, err := s.registry.Execute(queryCtx, name, s.cfg.QueryTimeout, rb.DataSource)
	cancel()
	if err != nil {
		kind := "query_failure"
		var timeoutErr *errors.QueryTimeoutError
		if stderrors.As(err, &timeoutErr) {
			kind = "timeout"
		}
		metrics.RecordQueryError(name, kind)
		s.log.Error("data source query failed", slog.String("runbook", name), slog.Any("error", err))
		return
	}

	if err := s.detectBatches(ctx, row, rb, rows, now); err != nil {
		s.log.Error("batch detection failed", slog.String("runbook", name), slog.Any("error", err))
	}

	if err := s.syncMembers(ctx, row, rb, rows, now); err != nil {
		s.log.Error("member sync failed", slog.String("runbook", name), slog.Any("error", err))
	}

	if err := s.transitionVersions(ctx, row, rb, now); err != nil {
		s.log.Error("version transition failed", slog.String("runbook", name), slog.Any("error", err))
	}
}

func publishEvent(ctx context.Context, b bus.Bus, messageType string, payload interface{}, msgID string, enqueueAt time.Time, dupWindow time.Duration) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", messageType, err)
	}
	msg := &bus.Message{
		Body:       body,
		Properties: map[string]string{"MessageType": messageType},
		MessageID:  msgID,
		EnqueueAt:  enqueueAt,
	}
	if err := b.Publish(ctx, bus.TopicOrchestratorEvents, msg, bus.PublishOptions{DuplicateDetectionWindow: dupWindow}); err != nil {
		metrics.RecordBusPublishError(bus.TopicOrchestratorEvents)
		return err
	}
	return nil
}
