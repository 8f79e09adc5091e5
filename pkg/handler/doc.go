// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the hooks that link the request router to
// application-level authorization and auditing.
//
// # Data Flow
//
//	Client → Server (extracts caller) → Router → Handler (authorizes) → Backend
//	Backend → Router → Handler (notifies) → Server → Client
//
// # Handler Methods
//
// Authorization methods (Auth*) are called before the backend is touched:
//   - AuthRead: discovery, thing listings, band directories and band reads
//   - AuthWrite: band PUTs, with access to the raw payload
//   - AuthObserve: Observe registrations
//
// Notification methods (On*) are called after successful operations:
//   - OnWrite: a band was written
//   - OnObserve: an observation was registered
//   - OnCancel: an observation ended
//
// # Context
//
// The Context struct carries caller metadata built by the transport:
//   - SessionID: Unique identifier for this exchange
//   - Username, Password: Caller credentials
//   - RemoteAddr: Client's network address
//   - Protocol: Transport name (coap)
//
// Username is passed to the backend as the caller identity. Nothing else
// is inferred from the Context.
//
// # Implementations
//
// NoopHandler allows everything. Logging logs every call and delegates.
// RateLimited rejects callers that exceed a token-bucket budget.
//
// # Example
//
//	type MyHandler struct {
//		handler.NoopHandler
//		tokens TokenService
//	}
//
//	func (h *MyHandler) AuthWrite(ctx context.Context, hctx *handler.Context, path string, payload *[]byte) error {
//		user, err := h.tokens.Verify(hctx.Password)
//		if err != nil {
//			return errors.ErrUnauthorized
//		}
//		hctx.Username = user
//		return nil
//	}
package handler
