// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

package broker

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/earthdata-cube/cubebuilder/internal/cube"
	"github.com/earthdata-cube/cubebuilder/internal/logging"
	"github.com/earthdata-cube/cubebuilder/internal/metrics"
)

// Handler processes one decoded activity. A nil return acks the message; a
// non-nil return nacks it for redelivery (transient failures). Stage errors
// are written onto the activity row by the dispatcher and return nil here.
type Handler func(ctx context.Context, a *cube.Activity) error

// WorkerConfig tunes the worker router.
type WorkerConfig struct {
	// RetryCount bounds in-router redeliveries before the poison queue.
	RetryCount int
	// RetryInterval is the initial backoff between redeliveries.
	RetryInterval time.Duration
	// CloseTimeout bounds the graceful shutdown.
	CloseTimeout time.Duration
}

// Worker consumes the four stage topics and hands activities to the
// dispatcher.
type Worker struct {
	router *message.Router
}

// NewWorker wires the router: recoverer, bounded retry, poison queue, then
// the dispatcher, one handler per stage topic.
func NewWorker(sub message.Subscriber, poisonPub message.Publisher, handler Handler, cfg WorkerConfig) (*Worker, error) {
	if cfg.RetryCount == 0 {
		cfg.RetryCount = 3
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 100 * time.Millisecond
	}
	if cfg.CloseTimeout == 0 {
		cfg.CloseTimeout = 30 * time.Second
	}

	logger := watermill.NewSlogLogger(logging.NewSlogLogger())
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: cfg.CloseTimeout}, logger)
	if err != nil {
		return nil, err
	}

	router.AddMiddleware(middleware.Recoverer)
	if poisonPub != nil {
		poison, err := middleware.PoisonQueue(poisonPub, TopicPoison)
		if err != nil {
			return nil, err
		}
		router.AddMiddleware(poison)
	}
	router.AddMiddleware(middleware.Retry{
		MaxRetries:      cfg.RetryCount,
		InitialInterval: cfg.RetryInterval,
		Logger:          logger,
	}.Middleware)

	wrap := func(msg *message.Message) error {
		a, err := DecodeMessage(msg)
		if err != nil {
			// Malformed payloads cannot succeed on redelivery; drop them
			// with a log instead of poisoning the worker.
			logging.Err(err).Str("uuid", msg.UUID).Msg("dropping undecodable activity message")
			return nil
		}
		if err := handler(msg.Context(), a); err != nil {
			metrics.QueueRedeliveries.Inc()
			return err
		}
		return nil
	}

	for _, topic := range []string{TopicMerge, TopicBlend, TopicPosblend, TopicPublish} {
		router.AddNoPublisherHandler("worker:"+topic, topic, sub, wrap)
	}
	return &Worker{router: router}, nil
}

// Run blocks consuming messages until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	return w.router.Run(ctx)
}

// Running closes when the router has started all handlers.
func (w *Worker) Running() <-chan struct{} { return w.router.Running() }

// Close shuts the router down.
func (w *Worker) Close() error { return w.router.Close() }
