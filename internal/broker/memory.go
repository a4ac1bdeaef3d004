// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

package broker

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/earthdata-cube/cubebuilder/internal/cube"
)

// MemoryBroker is the in-process pub/sub used by tests and single-process
// dry runs. It records everything it publishes so tests can assert on the
// enqueued activities without consuming them.
type MemoryBroker struct {
	pubsub *gochannel.GoChannel

	mu        sync.Mutex
	published map[string][]*cube.Activity
}

// NewMemoryBroker creates an in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 1024,
		}, watermill.NopLogger{}),
		published: map[string][]*cube.Activity{},
	}
}

// PublishActivity enqueues a work unit.
func (b *MemoryBroker) PublishActivity(_ context.Context, a *cube.Activity) error {
	b.record(TopicFor(a.Action), a)
	return publishActivity(b.pubsub, a)
}

// PublishEvent mirrors a state change on the event topic.
func (b *MemoryBroker) PublishEvent(_ context.Context, a *cube.Activity) error {
	b.record(TopicActivity, a)
	return publishEvent(b.pubsub, a)
}

func (b *MemoryBroker) record(topic string, a *cube.Activity) {
	data, err := a.Encode()
	if err != nil {
		return
	}
	clone, err := cube.DecodeActivity(data)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.published[topic] = append(b.published[topic], clone)
	b.mu.Unlock()
}

// Subscribe opens the message channel for one topic.
func (b *MemoryBroker) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, topic)
}

// Close shuts the pub/sub down.
func (b *MemoryBroker) Close() error { return b.pubsub.Close() }

// Published returns copies of the activities published on a topic, in
// order.
func (b *MemoryBroker) Published(topic string) []*cube.Activity {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*cube.Activity, len(b.published[topic]))
	copy(out, b.published[topic])
	return out
}

// Reset clears the published record between test phases.
func (b *MemoryBroker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = map[string][]*cube.Activity{}
}
