// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bolt provides a persistent Backend on top of bbolt. Each thing is
// a top-level bucket; each band is a key holding the JSON-encoded value.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/thingsgate/pkg/backend"
	"github.com/absmach/thingsgate/pkg/errors"
	"github.com/absmach/thingsgate/pkg/stream"
	bolt "go.etcd.io/bbolt"
)

// Config holds bbolt store configuration.
type Config struct {
	// Path is the database file.
	Path string

	// Timeout bounds waiting for the file lock on open.
	Timeout time.Duration

	// Logger for feed diagnostics.
	Logger *slog.Logger
}

// Store is a bbolt-backed Backend.
type Store struct {
	db   *bolt.DB
	feed *backend.Feed
}

var _ backend.Backend = (*Store)(nil)

// Open opens (creating if needed) the database at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.Timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database %s: %w", cfg.Path, err)
	}
	return &Store{
		db:   db,
		feed: backend.NewFeed(0, cfg.Logger),
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// List implements backend.Backend. Bucket iteration gives byte order.
func (s *Store) List(ctx context.Context, q backend.Query) stream.Stream[string] {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			ids = append(ids, string(name))
			return nil
		})
	})
	if err != nil {
		return stream.Fail[string](errors.Backend("list", err))
	}
	return stream.Of(ids...)
}

// Bands implements backend.Backend.
func (s *Store) Bands(ctx context.Context, q backend.Query) stream.Stream[backend.Band] {
	var bands []backend.Band
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(q.ID))
		if b == nil {
			return errors.ErrNotFound
		}
		return b.ForEach(func(k, _ []byte) error {
			bands = append(bands, backend.Band{Name: string(k)})
			return nil
		})
	})
	if err != nil {
		return stream.Fail[backend.Band](errors.Backend("bands", err))
	}
	return stream.Of(bands...)
}

// Get implements backend.Backend.
func (s *Store) Get(ctx context.Context, q backend.Query) stream.Stream[backend.Value] {
	var v backend.Value
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(q.ID))
		if b == nil {
			return errors.ErrNotFound
		}
		bs := b.Get([]byte(q.Band))
		if bs == nil {
			return errors.ErrNotFound
		}
		return json.Unmarshal(bs, &v)
	})
	if err != nil {
		return stream.Fail[backend.Value](errors.Backend("get", err))
	}
	return stream.Of(v)
}

// Put implements backend.Backend.
func (s *Store) Put(ctx context.Context, q backend.Query, v backend.Value) stream.Stream[backend.Value] {
	if q.ID == "" || q.Band == "" {
		return stream.Fail[backend.Value](errors.ErrNotFound)
	}
	js, err := json.Marshal(v)
	if err != nil {
		return stream.Fail[backend.Value](errors.Wrap(errors.ErrBadBody, err.Error()))
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(q.ID))
		if err != nil {
			return err
		}
		return b.Put([]byte(q.Band), js)
	})
	if err != nil {
		return stream.Fail[backend.Value](errors.Backend("put", err))
	}

	s.feed.Publish(backend.Update{ID: q.ID, Band: q.Band, Value: v.Clone(), User: q.User})
	return stream.Of(v.Clone())
}

// Updated implements backend.Backend. Only writes made through this Store
// are reported.
func (s *Store) Updated(ctx context.Context, f backend.Filter) <-chan backend.Update {
	return s.feed.Subscribe(ctx, f)
}
