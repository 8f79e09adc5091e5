// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"log/slog"
)

var _ Handler = (*Logging)(nil)

// Logging logs every hook call and delegates to the wrapped handler.
type Logging struct {
	next   Handler
	logger *slog.Logger
}

// NewLogging wraps next. A nil next allows everything.
func NewLogging(next Handler, logger *slog.Logger) *Logging {
	if next == nil {
		next = &NoopHandler{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Logging{
		next:   next,
		logger: logger,
	}
}

// AuthRead logs and authorizes a read.
func (h *Logging) AuthRead(ctx context.Context, hctx *Context, path string) error {
	h.logger.Debug("AuthRead",
		slog.String("session", hctx.SessionID),
		slog.String("username", hctx.Username),
		slog.String("remote", hctx.RemoteAddr),
		slog.String("path", path))
	return h.next.AuthRead(ctx, hctx, path)
}

// AuthWrite logs and authorizes a write.
func (h *Logging) AuthWrite(ctx context.Context, hctx *Context, path string, payload *[]byte) error {
	h.logger.Debug("AuthWrite",
		slog.String("session", hctx.SessionID),
		slog.String("username", hctx.Username),
		slog.String("remote", hctx.RemoteAddr),
		slog.String("path", path),
		slog.Int("payload_size", len(*payload)))
	return h.next.AuthWrite(ctx, hctx, path, payload)
}

// AuthObserve logs and authorizes an observation.
func (h *Logging) AuthObserve(ctx context.Context, hctx *Context, path string) error {
	h.logger.Debug("AuthObserve",
		slog.String("session", hctx.SessionID),
		slog.String("username", hctx.Username),
		slog.String("remote", hctx.RemoteAddr),
		slog.String("path", path))
	return h.next.AuthObserve(ctx, hctx, path)
}

// OnWrite is called after a successful write.
func (h *Logging) OnWrite(ctx context.Context, hctx *Context, path string, payload []byte) error {
	h.logger.Info("OnWrite",
		slog.String("session", hctx.SessionID),
		slog.String("username", hctx.Username),
		slog.String("path", path),
		slog.Int("payload_size", len(payload)))
	return h.next.OnWrite(ctx, hctx, path, payload)
}

// OnObserve is called after an observation is registered.
func (h *Logging) OnObserve(ctx context.Context, hctx *Context, path string) error {
	h.logger.Info("OnObserve",
		slog.String("session", hctx.SessionID),
		slog.String("username", hctx.Username),
		slog.String("path", path))
	return h.next.OnObserve(ctx, hctx, path)
}

// OnCancel is called when an observation ends.
func (h *Logging) OnCancel(ctx context.Context, hctx *Context, path string) error {
	h.logger.Info("OnCancel",
		slog.String("session", hctx.SessionID),
		slog.String("username", hctx.Username),
		slog.String("path", path))
	return h.next.OnCancel(ctx, hctx, path)
}
