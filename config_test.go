// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package thingsgate

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const prefix = "THINGSGATE_"

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := NewConfig(env.Options{Prefix: prefix, Environment: map[string]string{}})
	require.NoError(t, err)

	assert.Equal(t, ":5683", cfg.CoAPAddress)
	assert.Equal(t, 16*time.Second, cfg.CoAPInactivityTimeout)
	assert.Equal(t, 10*time.Minute, cfg.RateLimitClientIdle)
	assert.Equal(t, "/ts", cfg.Prefix)
	assert.Equal(t, 800, cfg.PageBudget)
	assert.Equal(t, int64(65536), cfg.MaxBodySize)
	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.Equal(t, time.Second, cfg.BoltTimeout)
	assert.Equal(t, 9090, cfg.MetricsPort)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Empty(t, cfg.MQTT.Broker)
	assert.Equal(t, "thingsgate", cfg.MQTT.TopicPrefix)
	assert.Equal(t, 5*time.Second, cfg.MQTT.Timeout)
	assert.Equal(t, 256, cfg.MQTT.QueueSize)
	assert.Equal(t, 5, cfg.MQTT.BreakerFailures)
	assert.Equal(t, 30*time.Second, cfg.MQTT.BreakerCooldown)
}

func TestNewConfig(t *testing.T) {
	cases := []struct {
		name    string
		env     map[string]string
		check   func(t *testing.T, cfg Config)
		wantErr bool
	}{
		{
			name: "overrides",
			env: map[string]string{
				"THINGSGATE_COAP_ADDRESS":          "127.0.0.1:5684",
				"THINGSGATE_SEQUENTIAL_ALIASES":    "true",
				"THINGSGATE_BACKEND":               "bolt",
				"THINGSGATE_BOLT_PATH":             "/var/lib/thingsgate/data.db",
				"THINGSGATE_RATE_LIMIT_PER_CLIENT": "2.5",
			},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, "127.0.0.1:5684", cfg.CoAPAddress)
				assert.True(t, cfg.SequentialAliases)
				assert.Equal(t, BackendBolt, cfg.Backend)
				assert.Equal(t, "/var/lib/thingsgate/data.db", cfg.BoltPath)
				assert.Equal(t, 2.5, cfg.RateLimitPerClient)
			},
		},
		{
			name: "mqtt",
			env: map[string]string{
				"THINGSGATE_MQTT_BROKER": "tcp://broker:1883",
				"THINGSGATE_MQTT_QOS":    "1",
				"THINGSGATE_MQTT_RETAIN": "true",
			},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
				assert.Equal(t, uint8(1), cfg.MQTT.QoS)
				assert.True(t, cfg.MQTT.Retain)
			},
		},
		{
			name:    "unknown backend",
			env:     map[string]string{"THINGSGATE_BACKEND": "redis"},
			wantErr: true,
		},
		{
			name:    "invalid qos",
			env:     map[string]string{"THINGSGATE_MQTT_QOS": "3"},
			wantErr: true,
		},
		{
			name:    "zero page budget",
			env:     map[string]string{"THINGSGATE_PAGE_BUDGET": "0"},
			wantErr: true,
		},
		{
			name:    "malformed duration",
			env:     map[string]string{"THINGSGATE_SHUTDOWN_TIMEOUT": "soon"},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := NewConfig(env.Options{Prefix: prefix, Environment: tc.env})
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tc.check(t, cfg)
		})
	}
}
