// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt mirrors band updates accepted by the gateway onto an MQTT
// broker. Each update is published as JSON to {prefix}/{thing-id}/{band}.
//
// Publish only queues the update; Run delivers queued updates, so a slow
// broker never holds up the request that produced them.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/absmach/thingsgate/pkg/backend"
	"github.com/absmach/thingsgate/pkg/breaker"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultTopicPrefix is the first topic level of mirrored updates.
	DefaultTopicPrefix = "thingsgate"

	// DefaultTimeout bounds connecting and every publish.
	DefaultTimeout = 5 * time.Second

	// DefaultQueueSize is the number of updates waiting for delivery.
	DefaultQueueSize = 256
)

// Client is the part of the paho client the publisher needs.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Config holds the mirror configuration.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string

	TopicPrefix string
	QoS         byte
	Retain      bool
	Timeout     time.Duration

	// QueueSize bounds updates waiting for delivery. Updates published
	// while the queue is full are dropped.
	QueueSize int

	// Publishes, when set, counts publishes by status ("ok", "error",
	// "timeout", "skipped", "dropped").
	Publishes *prometheus.CounterVec

	// Breaker, when set, skips publishing while the broker keeps failing.
	Breaker *breaker.Breaker

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.TopicPrefix == "" {
		c.TopicPrefix = DefaultTopicPrefix
	}
	c.TopicPrefix = strings.TrimRight(c.TopicPrefix, "/")
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Message is the mirrored payload.
type Message struct {
	ID    string        `json:"id"`
	Band  string        `json:"band"`
	Value backend.Value `json:"value"`
}

// Publisher publishes updates through an MQTT client.
type Publisher struct {
	client Client
	config Config
	queue  chan backend.Update
}

// New creates a publisher on an already connected client.
func New(client Client, cfg Config) *Publisher {
	cfg.defaults()
	return &Publisher{
		client: client,
		config: cfg,
		queue:  make(chan backend.Update, cfg.QueueSize),
	}
}

// Connect dials the broker described by cfg and returns a publisher on the
// new client.
func Connect(cfg Config) (*Publisher, mqtt.Client, error) {
	cfg.defaults()
	client := mqtt.NewClient(clientOptions(cfg))

	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, nil, fmt.Errorf("failed to connect to MQTT broker %s: timeout after %s", cfg.Broker, cfg.Timeout)
	}
	if err := token.Error(); err != nil {
		return nil, nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Broker, err)
	}

	cfg.Logger.Info("connected to MQTT broker", slog.String("broker", cfg.Broker))
	return New(client, cfg), client, nil
}

func clientOptions(cfg Config) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cfg.Timeout)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		cfg.Logger.Warn("MQTT connection lost", slog.String("error", err.Error()))
	})
	return opts
}

// Topic returns the topic for a thing band.
func (p *Publisher) Topic(id, band string) string {
	return p.config.TopicPrefix + "/" + topicLevel(id) + "/" + topicLevel(band)
}

// Publish queues u for mirroring and returns at once. Failures are logged
// and counted but never returned; the update has already been stored.
func (p *Publisher) Publish(_ context.Context, u backend.Update) {
	select {
	case p.queue <- u:
	default:
		p.count("dropped")
		p.config.Logger.Warn("mirror queue full, update dropped",
			slog.String("topic", p.Topic(u.ID, u.Band)),
			slog.Int("queue_size", p.config.QueueSize))
	}
}

// Run delivers queued updates until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if n := len(p.queue); n > 0 {
				p.config.Logger.Info("mirror stopped with updates pending", slog.Int("pending", n))
			}
			return nil
		case u := <-p.queue:
			p.deliver(ctx, u)
		}
	}
}

// Pending returns the number of queued updates.
func (p *Publisher) Pending() int {
	return len(p.queue)
}

func (p *Publisher) deliver(ctx context.Context, u backend.Update) {
	topic := p.Topic(u.ID, u.Band)

	if b := p.config.Breaker; b != nil {
		if err := b.Allow(); err != nil {
			p.count("skipped")
			p.config.Logger.Debug("update not mirrored",
				slog.String("topic", topic),
				slog.String("error", err.Error()))
			return
		}
	}

	status, err := p.send(ctx, topic, u)
	if b := p.config.Breaker; b != nil {
		b.Record(err)
	}
	if err != nil {
		p.failed(topic, status, err)
		return
	}
	p.count(status)
}

func (p *Publisher) send(ctx context.Context, topic string, u backend.Update) (string, error) {
	payload, err := json.Marshal(Message{ID: u.ID, Band: u.Band, Value: u.Value})
	if err != nil {
		return "error", err
	}

	token := p.client.Publish(topic, p.config.QoS, p.config.Retain, payload)

	timer := time.NewTimer(p.config.Timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-timer.C:
		return "timeout", fmt.Errorf("no acknowledgement after %s", p.config.Timeout)
	case <-ctx.Done():
		return "timeout", ctx.Err()
	}

	if err := token.Error(); err != nil {
		return "error", err
	}
	return "ok", nil
}

func (p *Publisher) failed(topic, status string, err error) {
	p.count(status)
	p.config.Logger.Warn("failed to mirror update",
		slog.String("topic", topic),
		slog.String("status", status),
		slog.String("error", err.Error()))
}

func (p *Publisher) count(status string) {
	if p.config.Publishes != nil {
		p.config.Publishes.WithLabelValues(status).Inc()
	}
}

// topicLevel escapes a value so it forms exactly one topic level without
// wildcards.
func topicLevel(s string) string {
	s = url.PathEscape(s)
	return strings.NewReplacer("+", "%2B", "#", "%23").Replace(s)
}
