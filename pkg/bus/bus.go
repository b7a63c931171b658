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

// Package bus abstracts a durable topic-and-subscription message bus:
// typed publish with string application properties, peek-lock receive,
// subscription filtering on application-property equality, scheduled
// enqueue, and dead-lettering. Concrete adapters (memory, NATS JetStream)
// live in internal/bus.
package bus

import (
	"context"
	"encoding/json"
	"time"
)

// Topic names the three logical topics the engine wires handlers to.
type Topic string

const (
	TopicOrchestratorEvents Topic = "orchestrator-events"
	TopicWorkerJobs         Topic = "worker-jobs"
	TopicWorkerResults      Topic = "worker-results"
)

// Message is an envelope carrying a JSON body and string-typed application
// properties used for subscription filtering (e.g. WorkerId).
type Message struct {
	Body       json.RawMessage
	Properties map[string]string

	// MessageID, when set, is used by adapters that support publish-side
	// duplicate detection. The Orchestrator always sets this to the
	// deterministic job/event id so redelivery during the dedup window is
	// suppressed.
	MessageID string

	// EnqueueAt schedules delivery for a future time (poll-check,
	// retry-check). Zero means immediate delivery.
	EnqueueAt time.Time
}

// Delivery is a received message under peek-lock: the handler must call
// exactly one of Complete, Abandon, or DeadLetter before returning.
type Delivery interface {
	Message() *Message

	// Complete acknowledges successful processing.
	Complete(ctx context.Context) error

	// Abandon releases the peek-lock for redelivery, used on transient
	// faults (TransientBusFault, §7).
	Abandon(ctx context.Context) error

	// DeadLetter marks the message as unrecoverable with a reason string,
	// used for malformed/uncorrelated worker-results and parse failures.
	DeadLetter(ctx context.Context, reason string) error
}

// PublishOptions carries the per-topic duplicate-detection window. The jobs
// topic requires a window of at least 10 minutes per §4.4 so deterministic
// job ids suppress double-dispatch across handler crashes.
type PublishOptions struct {
	DuplicateDetectionWindow time.Duration
}

// Publisher sends messages to a named topic.
type Publisher interface {
	Publish(ctx context.Context, topic Topic, msg *Message, opts PublishOptions) error
}

// SubscriptionFilter restricts delivery to messages whose application
// properties match exactly, used to route worker-jobs to one worker_id.
type SubscriptionFilter struct {
	Property string
	Value    string
}

// Subscriber receives messages from a named topic subscription, optionally
// narrowed by an application-property filter.
type Subscriber interface {
	// Subscribe starts a single-consumer receive loop. handler is invoked
	// for each delivery; Subscribe blocks until ctx is cancelled or the
	// underlying connection fails.
	Subscribe(ctx context.Context, topic Topic, subscriptionName string, filter *SubscriptionFilter, handler func(Delivery)) error
}

// Bus composes publish and subscribe, the full surface the Scheduler and
// Orchestrator depend on.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}
