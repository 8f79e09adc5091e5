// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/thingsgate/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

const (
	defaultMaxClients  = 10000
	defaultIdleTimeout = 10 * time.Minute
)

// RateLimitConfig configures RateLimited.
type RateLimitConfig struct {
	// PerClientRate and PerClientBurst bound each caller, keyed by Username
	// or, for anonymous callers, the host part of RemoteAddr.
	PerClientRate  float64
	PerClientBurst int

	// GlobalRate and GlobalBurst bound all callers together. Zero disables
	// the global limit.
	GlobalRate  float64
	GlobalBurst int

	// MaxClients caps tracked callers. When the table is full, callers idle
	// for IdleTimeout are evicted; if none are, the new caller is rejected.
	MaxClients int

	// IdleTimeout is how long a caller stays tracked without requests.
	// Defaults to 10m.
	IdleTimeout time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Denied, when set, counts rejections by scope ("global", "per_client").
	Denied *prometheus.CounterVec

	Logger *slog.Logger
}

var _ Handler = (*RateLimited)(nil)

// RateLimited wraps a handler with token-bucket rate limiting on every
// authorization hook.
type RateLimited struct {
	next   Handler
	cfg    RateLimitConfig
	global *rate.Limiter
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewRateLimited wraps next. A nil next allows everything that passes the
// limiter.
func NewRateLimited(next Handler, cfg RateLimitConfig) *RateLimited {
	if next == nil {
		next = &NoopHandler{}
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = defaultMaxClients
	}
	if cfg.PerClientBurst <= 0 {
		cfg.PerClientBurst = 1
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &RateLimited{
		next:    next,
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]*client),
	}
	if cfg.GlobalRate > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = 1
		}
		h.global = rate.NewLimiter(rate.Limit(cfg.GlobalRate), burst)
	}
	return h
}

func (h *RateLimited) allow(hctx *Context) error {
	if h.global != nil && !h.global.Allow() {
		h.deny("global")
		h.logger.Warn("Global rate limit exceeded",
			slog.String("remote", hctx.RemoteAddr),
			slog.String("protocol", hctx.Protocol))
		return errors.ErrRateLimited
	}

	key := clientKey(hctx)
	now := h.cfg.Now()

	h.mu.Lock()
	c, ok := h.clients[key]
	if !ok {
		if len(h.clients) >= h.cfg.MaxClients && h.evictIdle(now) == 0 {
			h.mu.Unlock()
			h.deny("per_client")
			h.logger.Warn("Rate limiter client table full",
				slog.String("client", key),
				slog.Int("max_clients", h.cfg.MaxClients))
			return errors.ErrRateLimited
		}
		c = &client{lim: rate.NewLimiter(rate.Limit(h.cfg.PerClientRate), h.cfg.PerClientBurst)}
		h.clients[key] = c
	}
	c.seen = now
	lim := c.lim
	h.mu.Unlock()

	if !lim.Allow() {
		h.deny("per_client")
		h.logger.Warn("Per-client rate limit exceeded",
			slog.String("client", key),
			slog.String("protocol", hctx.Protocol))
		return errors.ErrRateLimited
	}
	return nil
}

// evictIdle drops callers not seen within IdleTimeout and returns how many
// were dropped. h.mu must be held.
func (h *RateLimited) evictIdle(now time.Time) int {
	var n int
	for key, c := range h.clients {
		if now.Sub(c.seen) >= h.cfg.IdleTimeout {
			delete(h.clients, key)
			n++
		}
	}
	if n > 0 {
		h.logger.Debug("Evicted idle rate limiter clients", slog.Int("count", n))
	}
	return n
}

// clientKey identifies a caller by Username, or by host so that one device
// changing source ports keeps a single budget.
func clientKey(hctx *Context) string {
	if hctx.Username != "" {
		return hctx.Username
	}
	if host, _, err := net.SplitHostPort(hctx.RemoteAddr); err == nil {
		return host
	}
	return hctx.RemoteAddr
}

func (h *RateLimited) deny(scope string) {
	if h.cfg.Denied != nil {
		h.cfg.Denied.WithLabelValues(scope).Inc()
	}
}

// Clients returns the number of tracked callers.
func (h *RateLimited) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Forget drops the limiter for a caller.
func (h *RateLimited) Forget(client string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, client)
}

// AuthRead implements Handler with rate limiting.
func (h *RateLimited) AuthRead(ctx context.Context, hctx *Context, path string) error {
	if err := h.allow(hctx); err != nil {
		return err
	}
	return h.next.AuthRead(ctx, hctx, path)
}

// AuthWrite implements Handler with rate limiting.
func (h *RateLimited) AuthWrite(ctx context.Context, hctx *Context, path string, payload *[]byte) error {
	if err := h.allow(hctx); err != nil {
		return err
	}
	return h.next.AuthWrite(ctx, hctx, path, payload)
}

// AuthObserve implements Handler with rate limiting.
func (h *RateLimited) AuthObserve(ctx context.Context, hctx *Context, path string) error {
	if err := h.allow(hctx); err != nil {
		return err
	}
	return h.next.AuthObserve(ctx, hctx, path)
}

// OnWrite implements Handler.
func (h *RateLimited) OnWrite(ctx context.Context, hctx *Context, path string, payload []byte) error {
	return h.next.OnWrite(ctx, hctx, path, payload)
}

// OnObserve implements Handler.
func (h *RateLimited) OnObserve(ctx context.Context, hctx *Context, path string) error {
	return h.next.OnObserve(ctx, hctx, path)
}

// OnCancel implements Handler.
func (h *RateLimited) OnCancel(ctx context.Context, hctx *Context, path string) error {
	return h.next.OnCancel(ctx, hctx, path)
}
