// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
)

// Context contains caller metadata extracted from the request by the
// transport. It is passed to Handler methods to provide auth context.
type Context struct {
	// SessionID is a unique identifier for this exchange
	SessionID string

	// Username is the caller identity; it is forwarded to the backend
	Username string

	// Password extracted from the auth query (raw bytes, not hashed)
	Password []byte

	// RemoteAddr is the client's network address
	RemoteAddr string

	// Protocol indicates the transport being used (coap)
	Protocol string
}

// Handler defines authorization and notification callbacks for resource
// operations. The router calls these methods around every backend call.
//
// Authorization methods (AuthRead, AuthWrite, AuthObserve) are called
// BEFORE the backend is touched. They can:
// - Return an error to reject the request
// - Modify the PUT payload via its pointer
// - Update the handler context (e.g. resolve Username from Password)
//
// Notification methods (OnWrite, OnObserve, OnCancel) are called AFTER
// successful actions for audit logging, metrics, or post-processing.
// Errors from these methods are logged but don't affect the response.
type Handler interface {
	// AuthRead authorizes discovery, listings and band reads.
	AuthRead(ctx context.Context, hctx *Context, path string) error

	// AuthWrite authorizes a band PUT. The raw payload can be modified
	// via its pointer before it is decoded.
	AuthWrite(ctx context.Context, hctx *Context, path string, payload *[]byte) error

	// AuthObserve authorizes a GET with Observe=0 on a band.
	AuthObserve(ctx context.Context, hctx *Context, path string) error

	// OnWrite is called after a successful PUT.
	// Note: payload is the raw body as received.
	OnWrite(ctx context.Context, hctx *Context, path string, payload []byte) error

	// OnObserve is called after an observation is registered.
	OnObserve(ctx context.Context, hctx *Context, path string) error

	// OnCancel is called when an observation ends, whether the client went
	// away or a push failed.
	OnCancel(ctx context.Context, hctx *Context, path string) error
}

// NoopHandler is a Handler implementation that allows all operations.
// Useful for testing or when no authorization is needed.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) AuthRead(ctx context.Context, hctx *Context, path string) error {
	return nil
}

func (h *NoopHandler) AuthWrite(ctx context.Context, hctx *Context, path string, payload *[]byte) error {
	return nil
}

func (h *NoopHandler) AuthObserve(ctx context.Context, hctx *Context, path string) error {
	return nil
}

func (h *NoopHandler) OnWrite(ctx context.Context, hctx *Context, path string, payload []byte) error {
	return nil
}

func (h *NoopHandler) OnObserve(ctx context.Context, hctx *Context, path string) error {
	return nil
}

func (h *NoopHandler) OnCancel(ctx context.Context, hctx *Context, path string) error {
	return nil
}
