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

// Package metrics holds the process-wide Prometheus collectors the
// Scheduler and Orchestrator record against. Exposed at /metrics by
// cmd/migrond via promhttp.Handler.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	schedulerTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migrond_scheduler_ticks_total",
			Help: "Total Scheduler tick executions, by outcome",
		},
		[]string{"outcome"}, // ok, paused, lock_unavailable, error
	)

	schedulerTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "migrond_scheduler_tick_duration_seconds",
			Help:    "Time taken to process a full Scheduler tick across all runbooks",
			Buckets: prometheus.DefBuckets,
		},
	)

	runbookQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migrond_runbook_query_errors_total",
			Help: "Data source query failures, by runbook and error kind",
		},
		[]string{"runbook", "kind"}, // timeout, query_failure
	)

	batchesDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migrond_batches_detected_total",
			Help: "Batches created by the Scheduler's detection pass, by runbook and kind",
		},
		[]string{"runbook", "kind"}, // scheduled, immediate, manual
	)

	membersSyncedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migrond_batch_members_synced_total",
			Help: "Batch member add/remove events synced, by runbook and change",
		},
		[]string{"runbook", "change"}, // added, removed
	)

	phasesDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migrond_phases_dispatched_total",
			Help: "Phase-due events published, by runbook and reason",
		},
		[]string{"runbook", "reason"}, // due, overdue, immediate, manual, transition
	)

	stepsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migrond_steps_completed_total",
			Help: "Step executions settled by the Orchestrator, by function and status",
		},
		[]string{"function", "status"}, // succeeded, failed, poll_timeout, cancelled
	)

	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "migrond_step_duration_seconds",
			Help:    "Time from step dispatch to terminal status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"function"},
	)

	orchestratorHandlersInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "migrond_orchestrator_handlers_in_flight",
			Help: "Bus delivery handlers currently executing in the Orchestrator's bounded pool",
		},
	)

	busPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migrond_bus_publish_errors_total",
			Help: "Message bus publish failures, by topic",
		},
		[]string{"topic"},
	)
)

// RecordSchedulerTick records one tick's outcome and wall-clock duration.
func RecordSchedulerTick(outcome string, d time.Duration) {
	schedulerTicksTotal.WithLabelValues(outcome).Inc()
	schedulerTickDuration.Observe(d.Seconds())
}

// RecordQueryError records a data source query failure kind: "timeout" or
// "query_failure", matching pkg/errors.QueryTimeoutError/QueryFailure.
func RecordQueryError(runbookName, kind string) {
	runbookQueryErrors.WithLabelValues(runbookName, kind).Inc()
}

// RecordBatchDetected records a batch creation. kind is one of "scheduled",
// "immediate", "manual".
func RecordBatchDetected(runbookName, kind string) {
	batchesDetectedTotal.WithLabelValues(runbookName, kind).Inc()
}

// RecordMemberSynced records a member add or remove. change is "added" or
// "removed".
func RecordMemberSynced(runbookName, change string) {
	membersSyncedTotal.WithLabelValues(runbookName, change).Inc()
}

// RecordPhaseDispatched records a phase-due publish. reason is one of "due",
// "overdue", "immediate", "manual", "transition".
func RecordPhaseDispatched(runbookName, reason string) {
	phasesDispatchedTotal.WithLabelValues(runbookName, reason).Inc()
}

// RecordStepCompleted records a step's terminal outcome and duration since
// dispatch.
func RecordStepCompleted(functionName, status string, d time.Duration) {
	stepsCompletedTotal.WithLabelValues(functionName, status).Inc()
	stepDuration.WithLabelValues(functionName).Observe(d.Seconds())
}

// SetHandlersInFlight reports the current occupancy of the Orchestrator's
// bounded handler pool.
func SetHandlersInFlight(n int) {
	orchestratorHandlersInFlight.Set(float64(n))
}

// RecordBusPublishError records a failed bus.Bus.Publish call.
func RecordBusPublishError(topic string) {
	busPublishErrors.WithLabelValues(topic).Inc()
}
