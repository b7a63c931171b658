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

package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migrond/migrond/pkg/bus"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	received := make(chan *bus.Message, 1)
	go func() {
		_ = b.Subscribe(ctx, bus.TopicOrchestratorEvents, "orchestrator", nil, func(d bus.Delivery) {
			received <- d.Message()
			require.NoError(t, d.Complete(context.Background()))
		})
	}()
	waitForSubscriber(t, b, bus.TopicOrchestratorEvents)

	err := b.Publish(context.Background(), bus.TopicOrchestratorEvents, &bus.Message{Body: []byte(`{"a":1}`)}, bus.PublishOptions{})
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, `{"a":1}`, string(msg.Body))
	case <-time.After(time.Second):
		t.Fatal("message was never delivered")
	}
	cancel()
}

func TestSubscriptionFilterExcludesNonMatching(t *testing.T) {
	b := New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	received := make(chan *bus.Message, 2)
	go func() {
		filter := &bus.SubscriptionFilter{Property: "WorkerId", Value: "email-worker"}
		_ = b.Subscribe(ctx, bus.TopicWorkerJobs, "email-worker", filter, func(d bus.Delivery) {
			received <- d.Message()
		})
	}()
	waitForSubscriber(t, b, bus.TopicWorkerJobs)

	require.NoError(t, b.Publish(context.Background(), bus.TopicWorkerJobs, &bus.Message{
		Body:       []byte(`{"job":"for-sms"}`),
		Properties: map[string]string{"WorkerId": "sms-worker"},
	}, bus.PublishOptions{}))
	require.NoError(t, b.Publish(context.Background(), bus.TopicWorkerJobs, &bus.Message{
		Body:       []byte(`{"job":"for-email"}`),
		Properties: map[string]string{"WorkerId": "email-worker"},
	}, bus.PublishOptions{}))

	select {
	case msg := <-received:
		assert.Equal(t, `{"job":"for-email"}`, string(msg.Body))
	case <-time.After(time.Second):
		t.Fatal("matching message was never delivered")
	}

	select {
	case msg := <-received:
		t.Fatalf("unexpected second delivery: %s", msg.Body)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSuppressesDuplicateWithinWindow(t *testing.T) {
	b := New()
	defer b.Close()

	var count int
	var mu sync.Mutex
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = b.Subscribe(ctx, bus.TopicWorkerJobs, "sub", nil, func(d bus.Delivery) {
			mu.Lock()
			count++
			mu.Unlock()
		})
	}()
	waitForSubscriber(t, b, bus.TopicWorkerJobs)

	opts := bus.PublishOptions{DuplicateDetectionWindow: time.Minute}
	msg := &bus.Message{Body: []byte("x"), MessageID: "job-1"}
	require.NoError(t, b.Publish(context.Background(), bus.TopicWorkerJobs, msg, opts))
	require.NoError(t, b.Publish(context.Background(), bus.TopicWorkerJobs, msg, opts))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count, "the second publish with the same MessageID must be absorbed")
}

func TestPublishDelaysUntilEnqueueAt(t *testing.T) {
	b := New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	received := make(chan time.Time, 1)
	go func() {
		_ = b.Subscribe(ctx, bus.TopicOrchestratorEvents, "sub", nil, func(d bus.Delivery) {
			received <- time.Now()
		})
	}()
	waitForSubscriber(t, b, bus.TopicOrchestratorEvents)

	enqueueAt := time.Now().Add(100 * time.Millisecond)
	published := time.Now()
	require.NoError(t, b.Publish(context.Background(), bus.TopicOrchestratorEvents, &bus.Message{
		Body:      []byte("x"),
		EnqueueAt: enqueueAt,
	}, bus.PublishOptions{}))

	select {
	case got := <-received:
		assert.GreaterOrEqual(t, got.Sub(published), 90*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("delayed message was never delivered")
	}
}

// waitForSubscriber polls until a subscription is registered, avoiding a
// fixed sleep racing the Subscribe goroutine's startup.
func waitForSubscriber(t *testing.T, b *Bus, topic bus.Topic) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		n := len(b.subs[topic])
		b.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("subscriber never registered")
}
