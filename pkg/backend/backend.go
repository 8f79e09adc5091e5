// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package backend defines the asynchronous data-access interface the gateway
// is served from, together with helpers shared by concrete stores.
package backend

import (
	"context"
	"maps"

	"github.com/absmach/thingsgate/pkg/stream"
)

// Value is the JSON-compatible object stored under one band of a thing.
type Value map[string]any

// Clone returns a shallow copy of v.
func (v Value) Clone() Value {
	if v == nil {
		return nil
	}
	return maps.Clone(v)
}

// Query addresses a backend call. ID and Band are ignored by operations
// that do not need them. User is the caller identity, passed through
// untouched from the transport.
type Query struct {
	ID   string
	Band string
	User string
}

// Band describes one band of a thing. URL overrides the default relative
// reference ("./<name>") in band directories when set.
type Band struct {
	Name string
	URL  string
}

// Update reports that a band changed.
type Update struct {
	ID    string
	Band  string
	Value Value
	User  string
}

// Filter selects updates. Empty fields match anything.
type Filter struct {
	ID   string
	Band string
}

// Match reports whether u passes the filter.
func (f Filter) Match(u Update) bool {
	if f.ID != "" && f.ID != u.ID {
		return false
	}
	if f.Band != "" && f.Band != u.Band {
		return false
	}
	return true
}

// Backend is the data store behind the gateway. Every operation returns a
// stream that ends with completion or with exactly one error.
type Backend interface {
	// List yields the ids of all things visible to q.User.
	List(ctx context.Context, q Query) stream.Stream[string]

	// Bands yields the bands of thing q.ID.
	Bands(ctx context.Context, q Query) stream.Stream[Band]

	// Get yields exactly one value for q.ID / q.Band.
	Get(ctx context.Context, q Query) stream.Stream[Value]

	// Put stores v under q.ID / q.Band and yields exactly one acknowledgement.
	Put(ctx context.Context, q Query, v Value) stream.Stream[Value]

	// Updated delivers changes matching f until ctx is done, then closes.
	Updated(ctx context.Context, f Filter) <-chan Update
}
