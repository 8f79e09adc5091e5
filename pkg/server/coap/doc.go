// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package coap serves the gateway router over CoAP/UDP using go-coap.
//
// # Request Mapping
//
// Each incoming message becomes a router.Request:
//
//	Uri-Path      → Path (each segment escaped, joined with "/")
//	Uri-Query     → next=<cursor> sets Next, auth=<secret> sets Caller.Password
//	Observe: 0    → Observe registration
//	Observe: 1    → ends the observation opened with the same token
//	Accept        → Accept / HasAccept
//	Content-Format→ ContentFormat
//	Payload       → Body
//
// Every request gets a fresh session ID and the client's address in its
// handler.Context.
//
// # Responses
//
// The first response of an exchange is piggybacked on the request. When it
// carries an Observe sequence number the exchange stays open and later
// notifications are sent as non-confirmable messages with the request's
// token and an increasing 24-bit sequence number. The observation ends when
// the client deregisters, when its session closes, when a notification
// cannot be written or when the server shuts down.
//
// # Example
//
//	r := router.New(router.Config{Codec: codec, Backend: store})
//	srv := coap.New(coap.Config{Address: ":5683"}, r)
//	if err := srv.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package coap
