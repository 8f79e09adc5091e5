// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/absmach/thingsgate/pkg/backend"
	"github.com/absmach/thingsgate/pkg/encoder"
	"github.com/absmach/thingsgate/pkg/errors"
	"github.com/absmach/thingsgate/pkg/handler"
	"github.com/absmach/thingsgate/pkg/metrics"
	"github.com/absmach/thingsgate/pkg/paths"
	"github.com/absmach/thingsgate/pkg/registry"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// DefaultMaxBodySize bounds PUT bodies when Config.MaxBodySize is unset.
const DefaultMaxBodySize = 64 << 10

// UpdateFunc receives every update accepted through a PUT.
type UpdateFunc func(ctx context.Context, u backend.Update)

// Config holds router configuration.
type Config struct {
	// Codec maps paths to things and bands. Required.
	Codec *paths.Codec

	// Backend serves the data. Required.
	Backend backend.Backend

	// Registry holds observations. A private one is created when nil.
	Registry *registry.Registry

	// FeedDriven reports that Registry is fed from the backend's update
	// feed, so accepted PUTs do not signal it a second time.
	FeedDriven bool

	// Handler authorizes requests. NoopHandler when nil.
	Handler handler.Handler

	// Encoder encodes results; the zero value is fine.
	Encoder encoder.Encoder

	// PageBudget bounds the serialized thing listing.
	PageBudget int

	// Envelope wraps band values in an @id/@context object.
	Envelope bool

	// MaxBodySize bounds PUT bodies, in bytes.
	MaxBodySize int64

	// Metrics is optional.
	Metrics *metrics.Metrics

	// Logger receives request failures and recovered panics.
	Logger *slog.Logger

	// Now stamps PUT values. time.Now when nil.
	Now func() time.Time
}

// Router classifies requests and runs their handlers.
type Router struct {
	cfg      Config
	codec    *paths.Codec
	backend  backend.Backend
	registry *registry.Registry
	handler  handler.Handler
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	listeners []UpdateFunc
}

// New creates a router. listeners are called for every accepted PUT.
func New(cfg Config, listeners ...UpdateFunc) *Router {
	if cfg.Codec == nil {
		cfg.Codec = paths.NewCodec("", nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Handler == nil {
		cfg.Handler = &handler.NoopHandler{}
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.New(cfg.Logger, registry.Options{})
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Router{
		cfg:       cfg,
		codec:     cfg.Codec,
		backend:   cfg.Backend,
		registry:  cfg.Registry,
		handler:   cfg.Handler,
		logger:    cfg.Logger,
		now:       cfg.Now,
		listeners: listeners,
	}
}

// OnUpdate adds an update listener. Listeners run after the PUT response
// has been handed to the exchange and must not block.
func (r *Router) OnUpdate(fn UpdateFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Registry returns the subscription registry in use.
func (r *Router) Registry() *registry.Registry {
	return r.registry
}

// Serve handles one request. It returns once the response (for Observe,
// the first response) has been written. A panic is logged and leaves the
// exchange unanswered.
func (r *Router) Serve(ctx context.Context, req Request, ex Exchange) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("recovered panic while serving request",
				slog.String("method", req.Method.String()),
				slog.String("path", req.Path),
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	route, err := Classify(req, r.codec)
	rec := &recorder{Exchange: ex}

	serve := func() string {
		if err == nil {
			err = r.dispatch(ctx, req, route, rec)
		}
		if err != nil {
			r.fail(req, route, rec, err)
		}
		return rec.code()
	}

	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ObserveRequest(route.Kind.String(), serve)
		return
	}
	serve()
}

func (r *Router) dispatch(ctx context.Context, req Request, route Route, ex Exchange) error {
	switch route.Kind {
	case Discovery:
		return r.discovery(ctx, req, ex)
	case ListThings:
		return r.listThings(ctx, req, ex)
	case ListBands:
		return r.listBands(ctx, req, route, ex)
	case GetBand:
		return r.getBand(ctx, req, route, ex)
	case ObserveBand:
		return r.observeBand(ctx, req, route, ex)
	case PutBand:
		return r.putBand(ctx, req, route, ex)
	default:
		return errors.ErrNotFound
	}
}

// fail writes the single error response for a request.
func (r *Router) fail(req Request, route Route, ex Exchange, err error) {
	gerr := errors.New(route.Kind.String(), req.Method.String(), req.Path, err)
	code := errors.Code(err)

	var be *errors.BackendError
	if errors.As(err, &be) && r.cfg.Metrics != nil {
		r.cfg.Metrics.BackendErrors.WithLabelValues(be.Op).Inc()
	}

	if code >= codes.InternalServerError {
		r.logger.Warn("request failed",
			slog.String("error", gerr.Error()),
			slog.String("code", codeString(code)))
	} else {
		r.logger.Debug("request rejected",
			slog.String("error", gerr.Error()),
			slog.String("code", codeString(code)))
	}

	r.write(ex, req, encoder.Result{Err: err})
}

// write encodes res, honouring the request's Accept option, and returns
// the response it wrote.
func (r *Router) write(ex Exchange, req Request, res encoder.Result) (encoder.Response, error) {
	res.Accept, res.HasAccept = req.Accept, req.HasAccept
	resp := r.cfg.Encoder.Encode(res)
	if err := ex.Write(resp); err != nil {
		r.logger.Debug("failed to write response",
			slog.String("path", req.Path),
			slog.String("error", err.Error()))
		return resp, err
	}
	return resp, nil
}

// signal wakes the observers of u unless the backend feed already does.
func (r *Router) signal(u backend.Update) {
	if !r.cfg.FeedDriven {
		r.registry.Notify(u)
	}
}

// notify hands u to the update listeners.
func (r *Router) notify(ctx context.Context, u backend.Update) {
	r.mu.RLock()
	listeners := r.listeners
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(ctx, u)
	}
}

// recorder remembers the code of the first response written.
type recorder struct {
	Exchange

	mu    sync.Mutex
	first codes.Code
	wrote bool
}

func (r *recorder) Write(resp encoder.Response) error {
	r.mu.Lock()
	if !r.wrote {
		r.wrote = true
		r.first = resp.Code
	}
	r.mu.Unlock()
	return r.Exchange.Write(resp)
}

func (r *recorder) code() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.wrote {
		return "none"
	}
	return codeString(r.first)
}

// codeString renders a code in class.detail form, e.g. "4.04".
func codeString(c codes.Code) string {
	return fmt.Sprintf("%d.%02d", c>>5, c&0x1f)
}
