// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natssrv "github.com/nats-io/nats-server/v2/server"
	natsgo "github.com/nats-io/nats.go"

	"github.com/earthdata-cube/cubebuilder/internal/cube"
	"github.com/earthdata-cube/cubebuilder/internal/logging"
)

// NATSConfig wires the pipeline onto a JetStream deployment.
type NATSConfig struct {
	URL            string        `koanf:"url"`
	EmbeddedServer bool          `koanf:"embedded_server"`
	StoreDir       string        `koanf:"store_dir"`
	MaxMemory      int64         `koanf:"max_memory"`
	MaxStore       int64         `koanf:"max_store"`
	StreamName     string        `koanf:"stream_name"`
	DurableName    string        `koanf:"durable_name"`
	QueueGroup     string        `koanf:"queue_group"`
	MaxDeliver     int           `koanf:"max_deliver"`
	AckWait        time.Duration `koanf:"ack_wait"`
	MaxReconnects  int           `koanf:"max_reconnects"`
	ReconnectWait  time.Duration `koanf:"reconnect_wait"`
	CloseTimeout   time.Duration `koanf:"close_timeout"`
}

// Defaults fills zero values with production settings.
func (c *NATSConfig) Defaults() {
	if c.URL == "" {
		c.URL = "nats://127.0.0.1:4222"
	}
	if c.StreamName == "" {
		c.StreamName = "CUBE"
	}
	if c.DurableName == "" {
		c.DurableName = "cube-worker"
	}
	if c.QueueGroup == "" {
		c.QueueGroup = "cube-workers"
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = 5
	}
	if c.AckWait == 0 {
		// Stage invocations may run for minutes on large tiles.
		c.AckWait = 15 * time.Minute
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 60
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.CloseTimeout == 0 {
		c.CloseTimeout = 30 * time.Second
	}
}

// EmbeddedServer is a self-contained JetStream instance for standalone
// deployments without an external NATS cluster.
type EmbeddedServer struct {
	server    *natssrv.Server
	clientURL string
}

// StartEmbeddedServer boots a JetStream-enabled server and waits for it to
// accept connections.
func StartEmbeddedServer(cfg NATSConfig) (*EmbeddedServer, error) {
	opts := &natssrv.Options{
		ServerName:         "cubebuilder",
		JetStream:          true,
		StoreDir:           cfg.StoreDir,
		JetStreamMaxMemory: cfg.MaxMemory,
		JetStreamMaxStore:  cfg.MaxStore,
		Port:               -1, // pick a free port
		NoLog:              true,
		MaxPayload:         8 * 1024 * 1024,
	}
	ns, err := natssrv.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("broker: create embedded server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(30 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("broker: embedded server not ready within timeout")
	}
	logging.Info().Str("url", ns.ClientURL()).Msg("embedded NATS server ready")
	return &EmbeddedServer{server: ns, clientURL: ns.ClientURL()}, nil
}

// ClientURL returns the connection URL.
func (s *EmbeddedServer) ClientURL() string { return s.clientURL }

// Shutdown stops the server and waits for it to drain.
func (s *EmbeddedServer) Shutdown() {
	s.server.Shutdown()
	s.server.WaitForShutdown()
}

func natsOptions(cfg NATSConfig, logger watermill.LoggerAdapter) []natsgo.Option {
	return []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}
}

// NATSPublisher publishes activities to JetStream.
type NATSPublisher struct {
	publisher message.Publisher
	mu        sync.RWMutex
	closed    bool
}

// NewNATSPublisher connects a publisher with message-id deduplication
// enabled.
func NewNATSPublisher(cfg NATSConfig, logger watermill.LoggerAdapter) (*NATSPublisher, error) {
	cfg.Defaults()
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}
	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOptions(cfg, logger),
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: true,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("broker: create publisher: %w", err)
	}
	return &NATSPublisher{publisher: pub}, nil
}

// PublishActivity enqueues a work unit.
func (p *NATSPublisher) PublishActivity(_ context.Context, a *cube.Activity) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("broker: publisher is closed")
	}
	return publishActivity(p.publisher, a)
}

// PublishEvent mirrors a state change on the event topic.
func (p *NATSPublisher) PublishEvent(_ context.Context, a *cube.Activity) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("broker: publisher is closed")
	}
	return publishEvent(p.publisher, a)
}

// Publish implements message.Publisher by delegating to the underlying
// watermill publisher, so NATSPublisher can be used as a poison queue
// publisher.
func (p *NATSPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("broker: publisher is closed")
	}
	return p.publisher.Publish(topic, messages...)
}

// Close shuts the publisher down.
func (p *NATSPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.publisher.Close()
}

// NATSSubscriber consumes stage topics as a durable queue group, so adding
// workers divides the activity stream.
type NATSSubscriber struct {
	subscriber message.Subscriber
}

// NewNATSSubscriber connects a durable JetStream subscriber.
func NewNATSSubscriber(cfg NATSConfig, logger watermill.LoggerAdapter) (*NATSSubscriber, error) {
	cfg.Defaults()
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}
	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: cfg.QueueGroup,
		SubscribersCount: 1,
		AckWaitTimeout:   cfg.AckWait,
		CloseTimeout:     cfg.CloseTimeout,
		NatsOptions:      natsOptions(cfg, logger),
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: true,
			AckAsync:      false,
			DurablePrefix: cfg.DurableName,
			SubscribeOptions: []natsgo.SubOpt{
				natsgo.MaxDeliver(cfg.MaxDeliver),
				natsgo.AckWait(cfg.AckWait),
				natsgo.DeliverNew(),
			},
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("broker: create subscriber: %w", err)
	}
	return &NATSSubscriber{subscriber: sub}, nil
}

// Subscribe opens the message channel for one topic.
func (s *NATSSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return s.subscriber.Subscribe(ctx, topic)
}

// Close shuts the subscriber down.
func (s *NATSSubscriber) Close() error { return s.subscriber.Close() }
