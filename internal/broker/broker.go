// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

// Package broker moves activities between the orchestrator and the stage
// workers over Watermill. Production runs use NATS JetStream (external or
// embedded); tests use the in-process gochannel pub/sub.
//
// Every stage has its own topic so workers can scale per stage, plus one
// activity-event topic that mirrors each state change for observers.
package broker

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	"github.com/earthdata-cube/cubebuilder/internal/cube"
	"github.com/earthdata-cube/cubebuilder/internal/metrics"
)

// Stage and event topics.
const (
	TopicMerge    = "cube.merge"
	TopicBlend    = "cube.blend"
	TopicPosblend = "cube.posblend"
	TopicPublish  = "cube.publish"
	// TopicActivity receives a copy of every activity state change (the
	// activity event stream).
	TopicActivity = "cube.activity"
	// TopicPoison receives activities that exhausted their deliveries.
	TopicPoison = "cube.poison"

	// StreamSubjects matches every pipeline topic for JetStream
	// provisioning.
	StreamSubjects = "cube.>"
)

// TopicFor maps an action onto its work topic.
func TopicFor(action cube.Action) string {
	switch action {
	case cube.ActionMerge:
		return TopicMerge
	case cube.ActionBlend:
		return TopicBlend
	case cube.ActionPosblend:
		return TopicPosblend
	default:
		return TopicPublish
	}
}

// Publisher enqueues activities for the stage workers and emits activity
// events.
type Publisher interface {
	// PublishActivity enqueues a work unit on its stage topic.
	PublishActivity(ctx context.Context, a *cube.Activity) error
	// PublishEvent mirrors an activity state change on the event topic.
	PublishEvent(ctx context.Context, a *cube.Activity) error
	Close() error
}

// Subscriber delivers activities to a worker.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error)
	Close() error
}

// NewMessage wraps an activity as a Watermill message. The UUID doubles as
// the broker-side deduplication id.
func NewMessage(a *cube.Activity) (*message.Message, error) {
	payload, err := a.Encode()
	if err != nil {
		return nil, err
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set("action", string(a.Action))
	msg.Metadata.Set("key", a.Key)
	msg.Metadata.Set("sk", a.SK)
	return msg, nil
}

// DecodeMessage parses the activity carried by a message.
func DecodeMessage(msg *message.Message) (*cube.Activity, error) {
	return cube.DecodeActivity(msg.Payload)
}

// publishActivity is the shared implementation over a raw watermill
// publisher.
func publishActivity(pub message.Publisher, a *cube.Activity) error {
	msg, err := NewMessage(a)
	if err != nil {
		return err
	}
	if err := pub.Publish(TopicFor(a.Action), msg); err != nil {
		return err
	}
	metrics.ActivitiesEnqueued.WithLabelValues(string(a.Action)).Inc()
	return nil
}

func publishEvent(pub message.Publisher, a *cube.Activity) error {
	msg, err := NewMessage(a)
	if err != nil {
		return err
	}
	return pub.Publish(TopicActivity, msg)
}
