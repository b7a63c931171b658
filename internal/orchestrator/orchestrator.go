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
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/migrond/migrond/internal/featureflags"
	"github.com/migrond/migrond/internal/jq"
	"github.com/migrond/migrond/internal/metrics"
	"github.com/migrond/migrond/internal/store"
	"github.com/migrond/migrond/pkg/bus"
	pkgerrors "github.com/migrond/migrond/pkg/errors"
	"github.com/migrond/migrond/pkg/runbook"
	"github.com/migrond/migrond/pkg/secrets"
)

// maxConcurrentHandlers bounds in-flight event/result handlers across both
// subscriptions, per spec §5's concurrency guidance.
const maxConcurrentHandlers = 16

// Config carries the tunables named in spec §6.4 that apply to the
// Orchestrator side of the process.
type Config struct {
	EventsSubscriptionName  string
	ResultsSubscriptionName string
	DuplicateDetectionWindow time.Duration
}

// Orchestrator consumes orchestrator-events and worker-results, and is the
// only writer of step_execution/init_execution/phase_execution rows once a
// batch exists (the Scheduler owns batch/member detection).
type Orchestrator struct {
	backend store.Backend
	bus     bus.Bus
	log     *slog.Logger
	cfg     Config

	// rbCache memoizes parsed runbook documents by (name, version): once
	// published, a version's document never changes, so this is not the
	// mutable entity-state caching §5 forbids.
	rbCache sync.Map // key: rbCacheKey, value: *runbook.Runbook

	// jqExec evaluates output_params expressions against a worker result,
	// so a step can pull a nested field rather than only a top-level key.
	jqExec *jq.Executor

	// masker redacts credential-shaped values from step payloads before
	// they're written to the verbose dispatch log.
	masker *secrets.Masker

	// flags gates runtime operator toggles (verbose dispatch logging,
	// rollback-on-failure, strict template resolution). Passed in
	// explicitly rather than read from a package-level singleton.
	flags *featureflags.Flags

	handlersInFlight atomic.Int64
}

type rbCacheKey struct {
	name    string
	version int
}

// New constructs an Orchestrator over the given backend and bus. flags may
// be nil, in which case featureflags.New()'s defaults apply.
func New(backend store.Backend, b bus.Bus, log *slog.Logger, cfg Config, flags *featureflags.Flags) *Orchestrator {
	if cfg.EventsSubscriptionName == "" {
		cfg.EventsSubscriptionName = "orchestrator"
	}
	if cfg.ResultsSubscriptionName == "" {
		cfg.ResultsSubscriptionName = "orchestrator"
	}
	if cfg.DuplicateDetectionWindow < 10*time.Minute {
		cfg.DuplicateDetectionWindow = 10 * time.Minute
	}
	if flags == nil {
		flags = featureflags.New()
	}
	return &Orchestrator{backend: backend, bus: b, log: log, cfg: cfg, jqExec: jq.NewExecutor(0, 0), masker: secrets.NewMasker(), flags: flags}
}

// Run starts the two subscription loops and blocks until ctx is cancelled or
// either loop fails. Each delivery is handed off to a shared, bounded pool
// of handler goroutines rather than processed inline, so a slow step or
// worker-result handler can't stall the receive loop it arrived on.
func (o *Orchestrator) Run(ctx context.Context) error {
	subs, subCtx := errgroup.WithContext(ctx)

	var handlers errgroup.Group
	handlers.SetLimit(maxConcurrentHandlers)

	subs.Go(func() error {
		return o.bus.Subscribe(subCtx, bus.TopicOrchestratorEvents, o.cfg.EventsSubscriptionName, nil, func(d bus.Delivery) {
			handlers.Go(func() error {
				o.trackHandler(func() { o.handleEvent(d) })
				return nil
			})
		})
	})
	subs.Go(func() error {
		return o.bus.Subscribe(subCtx, bus.TopicWorkerResults, o.cfg.ResultsSubscriptionName, nil, func(d bus.Delivery) {
			handlers.Go(func() error {
				o.trackHandler(func() { o.handleWorkerResultDelivery(d) })
				return nil
			})
		})
	})

	err := subs.Wait()
	handlers.Wait()
	return err
}

// trackHandler reports the bounded pool's occupancy around a single
// handler's execution.
func (o *Orchestrator) trackHandler(fn func()) {
	metrics.SetHandlersInFlight(int(o.handlersInFlight.Add(1)))
	defer metrics.SetHandlersInFlight(int(o.handlersInFlight.Add(-1)))
	fn()
}

func (o *Orchestrator) handleEvent(d bus.Delivery) {
	ctx := context.Background()
	msg := d.Message()
	msgType := msg.Properties["MessageType"]

	var err error
	switch msgType {
	case MessageTypeBatchInit:
		err = o.dispatchAndSettle(ctx, d, func() error { return o.handleBatchInit(ctx, msg) })
	case MessageTypePhaseDue:
		err = o.dispatchAndSettle(ctx, d, func() error { return o.handlePhaseDue(ctx, msg) })
	case MessageTypeMemberAdded:
		err = o.dispatchAndSettle(ctx, d, func() error { return o.handleMemberAdded(ctx, msg) })
	case MessageTypeMemberRemoved:
		err = o.dispatchAndSettle(ctx, d, func() error { return o.handleMemberRemoved(ctx, msg) })
	case MessageTypePollCheck:
		err = o.dispatchAndSettle(ctx, d, func() error { return o.handlePollCheck(ctx, msg) })
	case MessageTypeRetryCheck:
		err = o.dispatchAndSettle(ctx, d, func() error { return o.handleRetryCheck(ctx, msg) })
	default:
		_ = d.DeadLetter(ctx, fmt.Sprintf("unknown MessageType %q", msgType))
		return
	}
	if err != nil {
		o.log.Error("orchestrator event handler failed", slog.String("message_type", msgType), slog.Any("error", err))
	}
}

func (o *Orchestrator) handleWorkerResultDelivery(d bus.Delivery) {
	ctx := context.Background()
	msg := d.Message()
	err := o.dispatchAndSettle(ctx, d, func() error { return o.handleWorkerResult(ctx, msg) })
	if err != nil {
		o.log.Error("worker result handler failed", slog.Any("error", err))
	}
}

// dispatchAndSettle runs fn and settles the delivery per §4.6/§7: dead-letter
// on unrecoverable corruption (ValidationError-shaped problems surfaced via
// *deadLetterError), complete on success, abandon on any other error
// (transient fault, redelivery expected).
func (o *Orchestrator) dispatchAndSettle(ctx context.Context, d bus.Delivery, fn func() error) error {
	err := fn()
	if err == nil {
		return d.Complete(ctx)
	}

	var dle *deadLetterError
	if pkgerrors.As(err, &dle) {
		if dlErr := d.DeadLetter(ctx, dle.reason); dlErr != nil {
			return dlErr
		}
		return err
	}

	if abErr := d.Abandon(ctx); abErr != nil {
		return abErr
	}
	return err
}

// deadLetterError marks err as unrecoverable; dispatchAndSettle dead-letters
// instead of abandoning.
type deadLetterError struct {
	reason string
	cause  error
}

func (e *deadLetterError) Error() string { return e.reason }
func (e *deadLetterError) Unwrap() error { return e.cause }

func deadLetter(reason string, cause error) error {
	return &deadLetterError{reason: reason, cause: cause}
}

// loadRunbook fetches and parses the runbook document for (name, version),
// memoizing the parse since published versions are immutable.
func (o *Orchestrator) loadRunbook(ctx context.Context, name string, version int) (*runbook.Runbook, error) {
	key := rbCacheKey{name: name, version: version}
	if v, ok := o.rbCache.Load(key); ok {
		return v.(*runbook.Runbook), nil
	}

	row, err := o.backend.GetVersion(ctx, name, version)
	if err != nil {
		return nil, fmt.Errorf("load runbook %s v%d: %w", name, version, err)
	}
	rb, err := runbook.Parse([]byte(row.Document))
	if err != nil {
		return nil, fmt.Errorf("parse runbook %s v%d: %w", name, version, err)
	}
	rb.Version = version
	o.rbCache.Store(key, rb)
	return rb, nil
}

func publishJSON(ctx context.Context, b bus.Bus, topic bus.Topic, messageType string, payload interface{}, msgID string, enqueueAt time.Time, dupWindow time.Duration) error {
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
	if job, ok := payload.(WorkerJobMessage); ok {
		msg.Properties["WorkerId"] = job.WorkerID
	}
	return b.Publish(ctx, topic, msg, bus.PublishOptions{DuplicateDetectionWindow: dupWindow})
}
