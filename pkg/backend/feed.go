// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

const defaultFeedBuffer = 64

// Feed fans updates out to listeners without ever blocking the publisher.
// A listener whose buffer is full misses the update; drops are counted.
type Feed struct {
	mu        sync.Mutex
	listeners map[*listener]struct{}
	buffer    int
	dropped   atomic.Uint64
	logger    *slog.Logger
}

type listener struct {
	filter Filter
	ch     chan Update
}

// NewFeed creates a feed with per-listener buffers of size buffer.
func NewFeed(buffer int, logger *slog.Logger) *Feed {
	if buffer <= 0 {
		buffer = defaultFeedBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		listeners: make(map[*listener]struct{}),
		buffer:    buffer,
		logger:    logger,
	}
}

// Subscribe returns a channel of updates matching f. The channel is closed
// once ctx is done.
func (f *Feed) Subscribe(ctx context.Context, filter Filter) <-chan Update {
	l := &listener{filter: filter, ch: make(chan Update, f.buffer)}

	f.mu.Lock()
	f.listeners[l] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.listeners, l)
		close(l.ch)
		f.mu.Unlock()
	}()

	return l.ch
}

// Publish delivers u to every matching listener.
func (f *Feed) Publish(u Update) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for l := range f.listeners {
		if !l.filter.Match(u) {
			continue
		}
		select {
		case l.ch <- u:
		default:
			f.dropped.Add(1)
			f.logger.Warn("update feed listener full, dropping update",
				slog.String("id", u.ID),
				slog.String("band", u.Band))
		}
	}
}

// Dropped returns the number of updates lost to full listeners.
func (f *Feed) Dropped() uint64 {
	return f.dropped.Load()
}

// Listeners returns the number of live listeners.
func (f *Feed) Listeners() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}
