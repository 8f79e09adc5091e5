// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package router dispatches CoAP requests onto the thing/band backend.
//
// # Resource tree
//
//	/.well-known/core          GET         link-format discovery
//	{root}                     GET         paginated thing listing (?next=)
//	{root}/{alias}             GET         band directory
//	{root}/{alias}/{band}      GET         band value
//	{root}/{alias}/{band}      GET+Obs=0   band value, then one push per update
//	{root}/{alias}/{band}      PUT         band write (JSON or CBOR object)
//
// Classify maps a Request onto one of these routes without touching the
// backend. Serve then runs the route's handler on the caller's goroutine,
// writes exactly one response (or, for Observe, one response followed by
// notifications) through the Exchange, and recovers any panic.
//
// # Observe
//
// An observation is registered with the subscription registry after its
// first response is written. Every matching update, whether from a PUT
// through this router or from the backend's update feed, makes the
// registry re-fetch the band and push it. The observation ends when the
// exchange's Done channel closes or a push fails.
package router
