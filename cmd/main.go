// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/thingsgate"
	"github.com/absmach/thingsgate/pkg/backend"
	"github.com/absmach/thingsgate/pkg/backend/bolt"
	"github.com/absmach/thingsgate/pkg/backend/memory"
	"github.com/absmach/thingsgate/pkg/breaker"
	"github.com/absmach/thingsgate/pkg/gateway"
	"github.com/absmach/thingsgate/pkg/handler"
	"github.com/absmach/thingsgate/pkg/health"
	"github.com/absmach/thingsgate/pkg/metrics"
	mirror "github.com/absmach/thingsgate/pkg/mirror/mqtt"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const envPrefix = "THINGSGATE_"

func main() {
	envErr := godotenv.Load()

	cfg, err := thingsgate.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	if envErr != nil {
		logger.Debug("no .env file found, using environment variables")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	m := metrics.New("thingsgate", prometheus.DefaultRegisterer)

	store, closeStore, err := newBackend(cfg, logger)
	if err != nil {
		logger.Error("failed to create backend", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeStore()

	if cfg.SeedFile != "" {
		seed, err := backend.LoadSeedFile(cfg.SeedFile)
		if err != nil {
			logger.Error("failed to load seed file", slog.String("path", cfg.SeedFile), slog.String("error", err.Error()))
			os.Exit(1)
		}
		if err := seed.Apply(ctx, store, ""); err != nil {
			logger.Error("failed to apply seed file", slog.String("path", cfg.SeedFile), slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("seed file applied", slog.String("path", cfg.SeedFile), slog.Int("things", len(seed.Things)))
	}

	checker := health.NewChecker(10 * time.Second)
	checker.Register("backend", health.BackendCheck(store))

	var h handler.Handler = handler.NewLogging(&handler.NoopHandler{}, logger)
	if cfg.RateLimitPerClient > 0 {
		h = handler.NewRateLimited(h, handler.RateLimitConfig{
			PerClientRate:  cfg.RateLimitPerClient,
			PerClientBurst: cfg.RateLimitPerClientBurst,
			GlobalRate:     cfg.RateLimitGlobal,
			GlobalBurst:    cfg.RateLimitGlobalBurst,
			MaxClients:     cfg.RateLimitMaxClients,
			IdleTimeout:    cfg.RateLimitClientIdle,
			Denied:         m.RateLimitedRequests,
			Logger:         logger,
		})
	}

	opts := []gateway.Option{
		gateway.WithHandler(h),
		gateway.WithMetrics(m),
	}

	if cfg.MQTT.Broker != "" {
		cb := breaker.New(breaker.Config{
			Failures: cfg.MQTT.BreakerFailures,
			Cooldown: cfg.MQTT.BreakerCooldown,
			OnStateChange: func(from, to breaker.State) {
				logger.Warn("MQTT mirror circuit breaker state changed",
					slog.String("from", from.String()),
					slog.String("to", to.String()))
				m.MirrorBreakerState.Set(float64(to))
			},
		})
		pub, client, err := mirror.Connect(mirror.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
			Retain:      cfg.MQTT.Retain,
			Timeout:     cfg.MQTT.Timeout,
			QueueSize:   cfg.MQTT.QueueSize,
			Publishes:   m.MirrorPublishes,
			Breaker:     cb,
			Logger:      logger,
		})
		if err != nil {
			logger.Warn("MQTT mirror not started", slog.String("error", err.Error()))
		} else {
			defer client.Disconnect(250)
			opts = append(opts, gateway.WithListener(pub.Publish))
			g.Go(func() error {
				return pub.Run(ctx)
			})
			checker.Register("mqtt", func(context.Context) error {
				if !client.IsConnectionOpen() {
					return errors.New("MQTT connection is not open")
				}
				if cb.State() == breaker.Open {
					return breaker.ErrOpen
				}
				return nil
			})
		}
	}

	gw := gateway.New(gateway.Config{
		Address:           cfg.CoAPAddress,
		InactivityTimeout: cfg.CoAPInactivityTimeout,
		Prefix:            cfg.Prefix,
		SequentialAliases: cfg.SequentialAliases,
		PageBudget:        cfg.PageBudget,
		Envelope:          cfg.Envelope,
		MaxBodySize:       cfg.MaxBodySize,
		Logger:            logger,
	}, store, opts...)

	g.Go(func() error {
		return gw.Listen(ctx)
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	g.Go(func() error {
		return serveHTTP(ctx, "metrics", cfg.MetricsPort, metricsMux, cfg.ShutdownTimeout, logger)
	})
	g.Go(func() error {
		return serveHTTP(ctx, "health", cfg.HealthPort, checker.Mux(), cfg.ShutdownTimeout, logger)
	})

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("thingsgate terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("thingsgate stopped")
}

func newBackend(cfg thingsgate.Config, logger *slog.Logger) (backend.Backend, func(), error) {
	switch cfg.Backend {
	case thingsgate.BackendBolt:
		store, err := bolt.Open(bolt.Config{Path: cfg.BoltPath, Timeout: cfg.BoltTimeout, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using bolt backend", slog.String("path", cfg.BoltPath))
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("failed to close bolt backend", slog.String("error", err.Error()))
			}
		}, nil
	default:
		logger.Info("using memory backend")
		return memory.New(logger), func() {}, nil
	}
}

// serveHTTP serves an operational HTTP endpoint until ctx is done.
func serveHTTP(ctx context.Context, name string, port int, h http.Handler, shutdownTimeout time.Duration, logger *slog.Logger) error {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting "+name+" server", slog.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s server: %w", name, err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s server shutdown: %w", name, err)
		}
		return <-errCh
	}
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// StopSignalHandler cancels ctx on SIGINT or SIGTERM.
func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
