// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package thingsgate holds the process-level configuration of the gateway.
package thingsgate

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Backend kinds.
const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
)

// Config holds the gateway configuration.
type Config struct {
	// CoAP
	CoAPAddress           string        `env:"COAP_ADDRESS"            envDefault:":5683"`
	CoAPInactivityTimeout time.Duration `env:"COAP_INACTIVITY_TIMEOUT" envDefault:"16s"`
	Prefix                string        `env:"PREFIX"                  envDefault:"/ts"`
	SequentialAliases     bool          `env:"SEQUENTIAL_ALIASES"      envDefault:"false"`
	PageBudget            int           `env:"PAGE_BUDGET"             envDefault:"800"`
	Envelope              bool          `env:"ENVELOPE"                envDefault:"false"`
	MaxBodySize           int64         `env:"MAX_BODY_SIZE"           envDefault:"65536"`

	// Backend
	Backend     string        `env:"BACKEND"      envDefault:"memory"`
	BoltPath    string        `env:"BOLT_PATH"    envDefault:"thingsgate.db"`
	BoltTimeout time.Duration `env:"BOLT_TIMEOUT" envDefault:"1s"`
	SeedFile    string        `env:"SEED_FILE"`

	// Observability
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`

	// Rate limiting. A zero per-client rate disables limiting.
	RateLimitPerClient      float64       `env:"RATE_LIMIT_PER_CLIENT"       envDefault:"0"`
	RateLimitPerClientBurst int           `env:"RATE_LIMIT_PER_CLIENT_BURST" envDefault:"10"`
	RateLimitGlobal         float64       `env:"RATE_LIMIT_GLOBAL"           envDefault:"0"`
	RateLimitGlobalBurst    int           `env:"RATE_LIMIT_GLOBAL_BURST"     envDefault:"100"`
	RateLimitMaxClients     int           `env:"RATE_LIMIT_MAX_CLIENTS"      envDefault:"10000"`
	RateLimitClientIdle     time.Duration `env:"RATE_LIMIT_CLIENT_IDLE"      envDefault:"10m"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	MQTT MQTTConfig `envPrefix:"MQTT_"`
}

// MQTTConfig configures the update mirror. An empty Broker disables it.
type MQTTConfig struct {
	Broker      string        `env:"BROKER"`
	ClientID    string        `env:"CLIENT_ID"    envDefault:"thingsgate"`
	Username    string        `env:"USERNAME"`
	Password    string        `env:"PASSWORD"`
	TopicPrefix string        `env:"TOPIC_PREFIX" envDefault:"thingsgate"`
	QoS         uint8         `env:"QOS"          envDefault:"0"`
	Retain      bool          `env:"RETAIN"       envDefault:"false"`
	Timeout     time.Duration `env:"TIMEOUT"      envDefault:"5s"`
	QueueSize   int           `env:"QUEUE_SIZE"   envDefault:"256"`

	BreakerFailures int           `env:"BREAKER_FAILURES" envDefault:"5"`
	BreakerCooldown time.Duration `env:"BREAKER_COOLDOWN" envDefault:"30s"`
}

// NewConfig parses the configuration from the environment.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}

	switch c.Backend {
	case BackendMemory, BackendBolt:
	default:
		return Config{}, fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.MQTT.QoS > 2 {
		return Config{}, fmt.Errorf("invalid MQTT QoS %d", c.MQTT.QoS)
	}
	if c.PageBudget <= 0 {
		return Config{}, fmt.Errorf("page budget must be positive, got %d", c.PageBudget)
	}

	return c, nil
}
