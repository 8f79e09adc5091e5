// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package registry tracks live Observe subscriptions and drives their
// pushes.
//
// Each subscription owns one worker goroutine and a one-slot signal
// channel. Notify only sets the signal; the worker re-fetches and pushes.
// Signals that arrive while a push is in flight collapse into one, so
// pushes for a subscription never overlap or reorder.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/absmach/thingsgate/pkg/backend"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// PushFunc fetches the current value and writes it to the observer.
// A non-nil error removes the subscription.
type PushFunc func(ctx context.Context) error

type key struct {
	id   string
	band string
}

// Handle identifies one subscription.
type Handle struct {
	ID string

	r      *Registry
	key    key
	signal chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	push   PushFunc
	once   sync.Once
}

// Cancel removes the subscription. It is safe to call more than once.
func (h *Handle) Cancel() {
	h.once.Do(func() {
		h.cancel()
		h.r.remove(h)
	})
}

// Done is closed once the subscription is cancelled.
func (h *Handle) Done() <-chan struct{} {
	return h.ctx.Done()
}

// Options configures a Registry.
type Options struct {
	// Gauge, when set, tracks the number of live subscriptions.
	Gauge prometheus.Gauge

	// Pushes, when set, counts pushes by status ("ok", "error").
	Pushes *prometheus.CounterVec
}

// Registry holds subscriptions keyed by (thing-id, band).
type Registry struct {
	mu     sync.Mutex
	subs   map[key]map[*Handle]struct{}
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	opts   Options
}

// New creates an empty registry.
func New(logger *slog.Logger, opts Options) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		subs:   make(map[key]map[*Handle]struct{}),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		opts:   opts,
	}
}

// Register adds a subscription for (id, band) and starts its worker.
func (r *Registry) Register(id, band string, push PushFunc) *Handle {
	ctx, cancel := context.WithCancel(r.ctx)
	h := &Handle{
		ID:     uuid.NewString(),
		r:      r,
		key:    key{id: id, band: band},
		signal: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		push:   push,
	}

	r.mu.Lock()
	set, ok := r.subs[h.key]
	if !ok {
		set = make(map[*Handle]struct{})
		r.subs[h.key] = set
	}
	set[h] = struct{}{}
	r.mu.Unlock()

	if r.opts.Gauge != nil {
		r.opts.Gauge.Inc()
	}
	r.logger.Debug("observe registered",
		slog.String("subscription", h.ID),
		slog.String("id", id),
		slog.String("band", band))

	go r.work(h)
	return h
}

func (r *Registry) work(h *Handle) {
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-h.signal:
		}
		if err := r.invoke(h); err != nil {
			r.count("error")
			r.logger.Debug("observe push failed, removing subscription",
				slog.String("subscription", h.ID),
				slog.String("id", h.key.id),
				slog.String("band", h.key.band),
				slog.String("error", err.Error()))
			h.Cancel()
			return
		}
		r.count("ok")
	}
}

// invoke runs one push. A panicking push is logged and treated as failed.
func (r *Registry) invoke(h *Handle) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("recovered panic in observe push",
				slog.String("subscription", h.ID),
				slog.String("id", h.key.id),
				slog.String("band", h.key.band),
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("push panicked: %v", p)
		}
	}()
	return h.push(h.ctx)
}

func (r *Registry) count(status string) {
	if r.opts.Pushes != nil {
		r.opts.Pushes.WithLabelValues(status).Inc()
	}
}

// Notify signals every subscription on (u.ID, u.Band). It never blocks.
func (r *Registry) Notify(u backend.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for h := range r.subs[key{id: u.ID, band: u.Band}] {
		select {
		case h.signal <- struct{}{}:
		default:
		}
	}
}

// Run forwards updates from feed into Notify until feed closes or ctx is
// done.
func (r *Registry) Run(ctx context.Context, feed <-chan backend.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-feed:
			if !ok {
				return nil
			}
			r.Notify(u)
		}
	}
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, set := range r.subs {
		n += len(set)
	}
	return n
}

// Close cancels every subscription.
func (r *Registry) Close() {
	r.mu.Lock()
	var all []*Handle
	for _, set := range r.subs {
		for h := range set {
			all = append(all, h)
		}
	}
	r.mu.Unlock()

	for _, h := range all {
		h.Cancel()
	}
	r.cancel()
}

func (r *Registry) remove(h *Handle) {
	r.mu.Lock()
	set, ok := r.subs[h.key]
	if ok {
		if _, ok = set[h]; ok {
			delete(set, h)
			if len(set) == 0 {
				delete(r.subs, h.key)
			}
		}
	}
	r.mu.Unlock()

	if ok {
		if r.opts.Gauge != nil {
			r.opts.Gauge.Dec()
		}
		r.logger.Debug("observe removed",
			slog.String("subscription", h.ID),
			slog.String("id", h.key.id),
			slog.String("band", h.key.band))
	}
}
