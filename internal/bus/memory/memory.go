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

// Package memory is an in-process bus.Bus used for tests and single-process
// development. It implements peek-lock semantics, application-property
// subscription filtering, scheduled enqueue, and a duplicate-detection
// window, without any external broker.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/migrond/migrond/pkg/bus"
)

type subscription struct {
	topic   bus.Topic
	name    string
	filter  *bus.SubscriptionFilter
	handler func(bus.Delivery)
}

// Bus is a single-process, goroutine-safe bus.Bus.
type Bus struct {
	mu   sync.Mutex
	subs map[bus.Topic][]*subscription
	seen map[string]time.Time // messageID -> expiry, for dup detection
	done chan struct{}
}

// New constructs an in-memory bus.
func New() *Bus {
	b := &Bus{
		subs: make(map[bus.Topic][]*subscription),
		seen: make(map[string]time.Time),
		done: make(chan struct{}),
	}
	return b
}

// Close stops all delivery goroutines spawned by Publish's delayed sends.
func (b *Bus) Close() error {
	close(b.done)
	return nil
}

func (b *Bus) Publish(ctx context.Context, topic bus.Topic, msg *bus.Message, opts bus.PublishOptions) error {
	b.mu.Lock()
	if msg.MessageID != "" {
		window := opts.DuplicateDetectionWindow
		if window <= 0 {
			window = 10 * time.Minute
		}
		now := time.Now()
		if expiry, ok := b.seen[msg.MessageID]; ok && expiry.After(now) {
			b.mu.Unlock()
			return nil // duplicate within window, silently absorbed
		}
		b.seen[msg.MessageID] = now.Add(window)
	}
	b.mu.Unlock()

	deliver := func() {
		b.mu.Lock()
		targets := make([]*subscription, 0, len(b.subs[topic]))
		for _, s := range b.subs[topic] {
			if matches(s.filter, msg.Properties) {
				targets = append(targets, s)
			}
		}
		b.mu.Unlock()
		for _, s := range targets {
			s.handler(newDelivery(msg))
		}
	}

	if msg.EnqueueAt.IsZero() || !msg.EnqueueAt.After(time.Now()) {
		deliver()
		return nil
	}

	delay := time.Until(msg.EnqueueAt)
	go func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
			deliver()
		case <-b.done:
		case <-ctx.Done():
		}
	}()
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, topic bus.Topic, name string, filter *bus.SubscriptionFilter, handler func(bus.Delivery)) error {
	sub := &subscription{topic: topic, name: name, filter: filter, handler: handler}
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	<-ctx.Done()

	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[topic]
	for i, s := range list {
		if s == sub {
			b.subs[topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return ctx.Err()
}

func matches(filter *bus.SubscriptionFilter, props map[string]string) bool {
	if filter == nil {
		return true
	}
	return props[filter.Property] == filter.Value
}

type delivery struct {
	msg *bus.Message
}

func newDelivery(msg *bus.Message) *delivery {
	return &delivery{msg: msg}
}

func (d *delivery) Message() *bus.Message { return d.msg }

// Complete, Abandon, and DeadLetter are no-ops: the in-memory bus does not
// retain messages after the handler callback returns, so there is nothing
// left to acknowledge or redeliver. Tests that need redelivery behaviour
// should re-Publish from within Abandon/DeadLetter assertions instead.
func (d *delivery) Complete(ctx context.Context) error           { return nil }
func (d *delivery) Abandon(ctx context.Context) error            { return nil }
func (d *delivery) DeadLetter(ctx context.Context, reason string) error { return nil }

var _ bus.Bus = (*Bus)(nil)
