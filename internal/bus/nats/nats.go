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

// Package nats implements bus.Bus on NATS JetStream. Durable pull consumers
// give peek-lock semantics (Fetch takes the message under an ack-wait lease;
// Ack/Nak/Term settle it); headers carry application properties; JetStream's
// own duplicate-window (Nats-Msg-Id header + stream DuplicateWindow) gives
// publish-side dedup. This is grounded directly on the public nats.go
// JetStream API rather than on any pack repo's wrapping of it: the one other
// example using JetStream (C360Studio-semspec) buries every call behind its
// own component/stream composition framework, which belongs to that
// project's shape, not this one's.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/migrond/migrond/pkg/bus"
)

const headerMessageID = "Nats-Msg-Id"

// Config configures the connection and the JetStream stream backing every
// topic this adapter serves.
type Config struct {
	URL string

	// StreamName is the single JetStream stream all three topics are
	// stored under, each as its own subject.
	StreamName string

	// AckWait bounds how long a Fetch'd message stays invisible before
	// JetStream redelivers it, analogous to a peek-lock duration.
	AckWait time.Duration

	// DuplicateWindow is the stream-level minimum dedup window; per §4.4
	// the worker-jobs topic requires at least 10 minutes.
	DuplicateWindow time.Duration
}

// Bus adapts a JetStream stream + durable consumers to bus.Bus.
type Bus struct {
	conn *nats.Conn
	js    jetstream.JetStream
	cfg   Config
}

// Connect dials NATS, ensures the backing stream exists, and returns a ready
// Bus.
func Connect(ctx context.Context, cfg Config) (*Bus, error) {
	if cfg.AckWait <= 0 {
		cfg.AckWait = 60 * time.Second
	}
	if cfg.DuplicateWindow < 10*time.Minute {
		cfg.DuplicateWindow = 10 * time.Minute
	}

	conn, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("init jetstream: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name: cfg.StreamName,
		Subjects: []string{
			subject(cfg.StreamName, bus.TopicOrchestratorEvents) + ".>",
			subject(cfg.StreamName, bus.TopicWorkerJobs) + ".>",
			subject(cfg.StreamName, bus.TopicWorkerResults) + ".>",
		},
		Duplicates: cfg.DuplicateWindow,
		Storage:    jetstream.FileStorage,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	return &Bus{conn: conn, js: js, cfg: cfg}, nil
}

func (b *Bus) Close() error {
	b.conn.Close()
	return nil
}

func subject(stream string, topic bus.Topic) string {
	return fmt.Sprintf("%s.%s", stream, string(topic))
}

// Publish sends to the topic's subject. Application properties are carried
// as NATS headers; a WorkerId property becomes a routing token appended to
// the subject so a filtered consumer can bind with a subject wildcard
// instead of server-side header filtering (JetStream has no native
// SQL-style filter expression, unlike the Service Bus model spec.md §4.4
// describes, so the subject-suffix convention stands in for it).
func (b *Bus) Publish(ctx context.Context, topic bus.Topic, msg *bus.Message, opts bus.PublishOptions) error {
	subj := subject(b.cfg.StreamName, topic)
	if workerID, ok := msg.Properties["WorkerId"]; ok && workerID != "" {
		subj = subj + "." + workerID
	} else {
		subj = subj + ".-"
	}

	hdr := nats.Header{}
	for k, v := range msg.Properties {
		hdr.Set(k, v)
	}
	if msg.MessageID != "" {
		hdr.Set(headerMessageID, msg.MessageID)
	}

	m := &nats.Msg{Subject: subj, Header: hdr, Data: msg.Body}

	if !msg.EnqueueAt.IsZero() && msg.EnqueueAt.After(time.Now()) {
		delay := time.Until(msg.EnqueueAt)
		timer := time.NewTimer(delay)
		go func() {
			defer timer.Stop()
			select {
			case <-timer.C:
				_, _ = b.js.PublishMsg(context.Background(), m)
			case <-ctx.Done():
			}
		}()
		return nil
	}

	_, err := b.js.PublishMsg(ctx, m)
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe binds a durable pull consumer, filtered by subject suffix when
// filter names "WorkerId", and runs a fetch loop delivering one message at
// a time until ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, topic bus.Topic, subscriptionName string, filter *bus.SubscriptionFilter, handler func(bus.Delivery)) error {
	filterSubject := subject(b.cfg.StreamName, topic) + ".>"
	if filter != nil && filter.Property == "WorkerId" {
		filterSubject = subject(b.cfg.StreamName, topic) + "." + filter.Value
	}

	consumer, err := b.js.CreateOrUpdateConsumer(ctx, b.cfg.StreamName, jetstream.ConsumerConfig{
		Durable:       subscriptionName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.cfg.AckWait,
		FilterSubject: filterSubject,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("bind consumer %s: %w", subscriptionName, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue // timeout waiting for messages, poll again
		}
		for msg := range batch.Messages() {
			handler(newDelivery(msg))
		}
		if err := batch.Error(); err != nil && ctx.Err() == nil {
			continue
		}
	}
}

type delivery struct {
	msg jetstream.Msg
}

func newDelivery(msg jetstream.Msg) *delivery {
	return &delivery{msg: msg}
}

func (d *delivery) Message() *bus.Message {
	props := map[string]string{}
	for k, v := range d.msg.Headers() {
		if len(v) > 0 {
			props[k] = v[0]
		}
	}
	return &bus.Message{Body: d.msg.Data(), Properties: props}
}

func (d *delivery) Complete(ctx context.Context) error {
	return d.msg.Ack()
}

func (d *delivery) Abandon(ctx context.Context) error {
	return d.msg.Nak()
}

func (d *delivery) DeadLetter(ctx context.Context, reason string) error {
	return d.msg.Term()
}

var _ bus.Bus = (*Bus)(nil)
