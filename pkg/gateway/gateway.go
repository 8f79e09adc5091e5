// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package gateway wires the path codec, subscription registry, router and
// CoAP server into one runnable gateway.
package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/thingsgate/pkg/backend"
	"github.com/absmach/thingsgate/pkg/handler"
	"github.com/absmach/thingsgate/pkg/metrics"
	"github.com/absmach/thingsgate/pkg/paths"
	"github.com/absmach/thingsgate/pkg/registry"
	"github.com/absmach/thingsgate/pkg/router"
	"github.com/absmach/thingsgate/pkg/server/coap"
	"golang.org/x/sync/errgroup"
)

// Config holds gateway configuration.
type Config struct {
	// Address is the CoAP listen address.
	Address string

	// InactivityTimeout closes idle CoAP sessions that hold no observation.
	InactivityTimeout time.Duration

	// Prefix is the root path of the thing tree; paths.DefaultRoot when empty.
	Prefix string

	// SequentialAliases replaces thing ids in paths with short aliases.
	SequentialAliases bool

	// PageBudget bounds the serialized thing listing, in bytes.
	PageBudget int

	// Envelope wraps band values in @id/@context.
	Envelope bool

	// MaxBodySize bounds PUT bodies, in bytes.
	MaxBodySize int64

	Logger *slog.Logger
}

// Option configures optional gateway collaborators.
type Option func(*Gateway)

// WithHandler sets the authorization handler.
func WithHandler(h handler.Handler) Option {
	return func(g *Gateway) {
		g.handler = h
	}
}

// WithMetrics enables request, observation and backend metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithListener adds a listener for updates accepted through PUT.
func WithListener(fn router.UpdateFunc) Option {
	return func(g *Gateway) {
		g.listeners = append(g.listeners, fn)
	}
}

// Gateway serves a backend over CoAP.
type Gateway struct {
	config    Config
	backend   backend.Backend
	handler   handler.Handler
	metrics   *metrics.Metrics
	listeners []router.UpdateFunc

	codec    *paths.Codec
	registry *registry.Registry
	router   *router.Router
	server   *coap.Server
}

// New creates a gateway for b.
func New(cfg Config, b backend.Backend, opts ...Option) *Gateway {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	g := &Gateway{
		config:  cfg,
		backend: b,
	}
	for _, opt := range opts {
		opt(g)
	}

	var aliases paths.Aliases
	if cfg.SequentialAliases {
		aliases = paths.NewSequentialAliases()
	}
	g.codec = paths.NewCodec(cfg.Prefix, aliases)

	var ropts registry.Options
	if g.metrics != nil {
		ropts.Gauge = g.metrics.Observations
		ropts.Pushes = g.metrics.Pushes
	}
	g.registry = registry.New(cfg.Logger, ropts)

	g.router = router.New(router.Config{
		Codec:       g.codec,
		Backend:     b,
		Registry:    g.registry,
		FeedDriven:  true,
		Handler:     g.handler,
		PageBudget:  cfg.PageBudget,
		Envelope:    cfg.Envelope,
		MaxBodySize: cfg.MaxBodySize,
		Metrics:     g.metrics,
		Logger:      cfg.Logger,
	}, g.listeners...)

	g.server = coap.New(coap.Config{
		Address:           cfg.Address,
		InactivityTimeout: cfg.InactivityTimeout,
		Logger:            cfg.Logger,
	}, g.router)

	return g
}

// Router returns the gateway's router.
func (g *Gateway) Router() *router.Router {
	return g.router
}

// Server returns the gateway's CoAP server.
func (g *Gateway) Server() *coap.Server {
	return g.server
}

// Listen serves until ctx is cancelled or the server fails. Backend
// changes are fed into the registry for as long as the server runs.
func (g *Gateway) Listen(ctx context.Context) error {
	defer g.registry.Close()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return g.registry.Run(ctx, g.backend.Updated(ctx, backend.Filter{}))
	})
	eg.Go(func() error {
		return g.server.Listen(ctx)
	})

	g.config.Logger.Info("gateway started",
		slog.String("address", g.config.Address),
		slog.String("prefix", g.codec.Root()))

	return eg.Wait()
}
