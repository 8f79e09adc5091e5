// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-process Backend. It is used for tests,
// demos and as the default store.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/absmach/thingsgate/pkg/backend"
	"github.com/absmach/thingsgate/pkg/errors"
	"github.com/absmach/thingsgate/pkg/stream"
)

// Store keeps things in memory. Values are copied on the way in and out.
type Store struct {
	mu     sync.RWMutex
	things map[string]map[string]backend.Value
	feed   *backend.Feed
}

var _ backend.Backend = (*Store)(nil)

// New creates an empty store.
func New(logger *slog.Logger) *Store {
	return &Store{
		things: make(map[string]map[string]backend.Value),
		feed:   backend.NewFeed(0, logger),
	}
}

// List implements backend.Backend. Ids are yielded in sorted order.
func (s *Store) List(ctx context.Context, q backend.Query) stream.Stream[string] {
	s.mu.RLock()
	ids := make([]string, 0, len(s.things))
	for id := range s.things {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	return stream.New(ctx, func(e *stream.Emitter[string]) error {
		for _, id := range ids {
			if err := e.Emit(id); err != nil {
				return err
			}
		}
		return nil
	})
}

// Bands implements backend.Backend.
func (s *Store) Bands(ctx context.Context, q backend.Query) stream.Stream[backend.Band] {
	s.mu.RLock()
	bands, ok := s.things[q.ID]
	names := make([]string, 0, len(bands))
	for name := range bands {
		names = append(names, name)
	}
	s.mu.RUnlock()

	if !ok {
		return stream.Fail[backend.Band](errors.ErrNotFound)
	}
	sort.Strings(names)

	out := make([]backend.Band, len(names))
	for i, n := range names {
		out[i] = backend.Band{Name: n}
	}
	return stream.Of(out...)
}

// Get implements backend.Backend.
func (s *Store) Get(ctx context.Context, q backend.Query) stream.Stream[backend.Value] {
	s.mu.RLock()
	v, ok := s.things[q.ID][q.Band]
	s.mu.RUnlock()

	if !ok {
		return stream.Fail[backend.Value](errors.ErrNotFound)
	}
	return stream.Of(v.Clone())
}

// Put implements backend.Backend. The stored value is published on the
// update feed.
func (s *Store) Put(ctx context.Context, q backend.Query, v backend.Value) stream.Stream[backend.Value] {
	if q.ID == "" || q.Band == "" {
		return stream.Fail[backend.Value](errors.ErrNotFound)
	}
	s.set(q.ID, q.Band, v, q.User)
	return stream.Of(v.Clone())
}

// Set stores a value outside of any request, as a device driver would,
// and publishes the change.
func (s *Store) Set(id, band string, v backend.Value) {
	s.set(id, band, v, "")
}

func (s *Store) set(id, band string, v backend.Value, user string) {
	s.mu.Lock()
	bands, ok := s.things[id]
	if !ok {
		bands = make(map[string]backend.Value)
		s.things[id] = bands
	}
	bands[band] = v.Clone()
	s.mu.Unlock()

	s.feed.Publish(backend.Update{ID: id, Band: band, Value: v.Clone(), User: user})
}

// Remove deletes a thing and all of its bands.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	delete(s.things, id)
	s.mu.Unlock()
}

// Updated implements backend.Backend.
func (s *Store) Updated(ctx context.Context, f backend.Filter) <-chan backend.Update {
	return s.feed.Subscribe(ctx, f)
}
