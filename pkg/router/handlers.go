// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"reflect"
	"runtime/debug"

	"github.com/absmach/thingsgate/pkg/backend"
	"github.com/absmach/thingsgate/pkg/encoder"
	"github.com/absmach/thingsgate/pkg/errors"
	"github.com/absmach/thingsgate/pkg/handler"
	"github.com/absmach/thingsgate/pkg/linkformat"
	"github.com/absmach/thingsgate/pkg/listing"
	"github.com/absmach/thingsgate/pkg/paths"
	"github.com/absmach/thingsgate/pkg/stream"
	"github.com/fxamacker/cbor/v2"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// TimestampKey is stamped onto every PUT value.
const TimestampKey = "@timestamp"

const timestampLayout = "2006-01-02T15:04:05.000Z"

var errObserverGone = errors.Wrap(errors.ErrNotFound, "observer gone")

var cborDecMode cbor.DecMode

func init() {
	var err error
	cborDecMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("router: CBOR decoder initialization failed: " + err.Error())
	}
}

// authErr keeps rate limiting and explicit rejections as they are and
// reports any other hook failure as unauthorized.
func authErr(err error) error {
	if errors.Is(err, errors.ErrRateLimited) || errors.Is(err, errors.ErrUnauthorized) {
		return err
	}
	return errors.Wrap(errors.ErrUnauthorized, err.Error())
}

func (r *Router) discovery(ctx context.Context, req Request, ex Exchange) error {
	if err := r.handler.AuthRead(ctx, &req.Caller, req.Path); err != nil {
		return authErr(err)
	}
	doc := linkformat.Document{
		paths.WellKnownCore: {"ct": int(message.AppLinkFormat)},
		r.codec.Root():      {"ct": int(message.AppJSON)},
	}
	r.write(ex, req, encoder.Result{Content: doc})
	return nil
}

func (r *Router) listThings(ctx context.Context, req Request, ex Exchange) error {
	if err := r.handler.AuthRead(ctx, &req.Caller, req.Path); err != nil {
		return authErr(err)
	}

	ids := r.backend.List(ctx, backend.Query{User: req.Caller.Username})
	page, err := listing.Paginate(ctx, ids, listing.Options{
		ID:      r.codec.Root(),
		Cursor:  req.Next,
		Budget:  r.cfg.PageBudget,
		Aliases: r.codec.Aliases(),
	})
	if err != nil {
		return errors.Backend("list", err)
	}

	if req.HasAccept && req.Accept == message.AppLinkFormat {
		doc := linkformat.Document{}
		for _, alias := range page.Things {
			doc[r.codec.Channel(alias)] = linkformat.Attributes{"ct": int(message.AppJSON)}
		}
		if page.Next != "" {
			doc[r.codec.Root()+"?next="+url.QueryEscape(page.Next)] = linkformat.Attributes{"rel": "next"}
		}
		r.write(ex, req, encoder.Result{Content: doc})
		return nil
	}

	r.write(ex, req, encoder.Result{Content: page})
	return nil
}

func (r *Router) listBands(ctx context.Context, req Request, route Route, ex Exchange) error {
	if err := r.handler.AuthRead(ctx, &req.Caller, req.Path); err != nil {
		return authErr(err)
	}

	q := backend.Query{ID: route.ID, User: req.Caller.Username}
	bands, err := stream.Collect(ctx, r.backend.Bands(ctx, q))
	if err != nil {
		return errors.Backend("bands", err)
	}

	dir := make(map[string]any, len(bands)+3)
	for _, b := range bands {
		ref := "./" + b.Name
		if b.URL != "" {
			ref = b.URL
		}
		dir[b.Name] = ref
	}
	dir["@id"] = r.codec.ThingPath(route.ID)
	dir["@context"] = listing.ContextIRI
	dir["thing-id"] = route.ID

	r.write(ex, req, encoder.Result{Content: dir})
	return nil
}

func (r *Router) getBand(ctx context.Context, req Request, route Route, ex Exchange) error {
	if err := r.handler.AuthRead(ctx, &req.Caller, req.Path); err != nil {
		return authErr(err)
	}

	v, err := r.fetch(ctx, req.Caller, route)
	if err != nil {
		return err
	}
	r.write(ex, req, encoder.Result{Content: r.represent(route, v)})
	return nil
}

func (r *Router) observeBand(ctx context.Context, req Request, route Route, ex Exchange) error {
	if err := r.handler.AuthObserve(ctx, &req.Caller, req.Path); err != nil {
		return authErr(err)
	}

	// The subscription exists before the first fetch so an update landing
	// in between is still pushed. Pushes wait until the first response is out.
	ready := make(chan struct{})
	caller := req.Caller
	push := func(pctx context.Context) (err error) {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("recovered panic while pushing notification",
					slog.String("method", req.Method.String()),
					slog.String("path", req.Path),
					slog.Any("panic", p),
					slog.String("stack", string(debug.Stack())))
				err = errors.Wrap(errors.ErrInternal, fmt.Sprintf("push panicked: %v", p))
			}
		}()

		select {
		case <-ready:
		case <-ex.Done():
			return errObserverGone
		case <-pctx.Done():
			return pctx.Err()
		}

		v, err := r.fetch(pctx, caller, route)
		if err != nil {
			r.write(ex, req, encoder.Result{Err: err})
			return err
		}

		select {
		case <-ex.Done():
			return errObserverGone
		default:
		}
		_, err = r.write(ex, req, encoder.Result{Content: r.represent(route, v), NoEnd: true})
		return err
	}
	h := r.registry.Register(route.ID, route.Band, push)
	var observing bool
	defer func() {
		if !observing {
			h.Cancel()
		}
	}()

	v, err := r.fetch(ctx, req.Caller, route)
	if err != nil {
		return err
	}
	resp, err := r.write(ex, req, encoder.Result{Content: r.represent(route, v), NoEnd: true})
	if err != nil || !resp.NoEnd {
		return nil
	}
	observing = true
	close(ready)

	if err := r.handler.OnObserve(ctx, &caller, req.Path); err != nil {
		r.logger.Warn("observe notification hook failed",
			slog.String("path", req.Path),
			slog.String("error", err.Error()))
	}

	go func() {
		select {
		case <-ex.Done():
		case <-h.Done():
		}
		h.Cancel()
		if err := r.handler.OnCancel(context.Background(), &caller, req.Path); err != nil {
			r.logger.Warn("cancel notification hook failed",
				slog.String("path", req.Path),
				slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (r *Router) putBand(ctx context.Context, req Request, route Route, ex Exchange) error {
	body, err := readBody(req.Body, r.cfg.MaxBodySize)
	if err != nil {
		return err
	}
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RequestSize.Observe(float64(len(body)))
	}
	if err := r.handler.AuthWrite(ctx, &req.Caller, req.Path, &body); err != nil {
		return authErr(err)
	}

	v, err := decodeBody(req.ContentFormat, body)
	if err != nil {
		return err
	}
	v[TimestampKey] = r.now().UTC().Format(timestampLayout)

	q := backend.Query{ID: route.ID, Band: route.Band, User: req.Caller.Username}
	if _, err := stream.Collect(ctx, r.backend.Put(ctx, q, v)); err != nil {
		return errors.Backend("put", err)
	}

	u := backend.Update{ID: route.ID, Band: route.Band, Value: v, User: q.User}
	r.signal(u)

	r.write(ex, req, encoder.Result{
		Code: codes.Changed,
		Content: map[string]any{
			"@id":      r.codec.BandPath(route.ID, route.Band),
			"@context": listing.ContextIRI,
		},
	})

	r.notify(ctx, u)
	if err := r.handler.OnWrite(ctx, &req.Caller, req.Path, body); err != nil {
		r.logger.Warn("write notification hook failed",
			slog.String("path", req.Path),
			slog.String("error", err.Error()))
	}
	return nil
}

// fetch takes exactly one value from the backend's get stream.
func (r *Router) fetch(ctx context.Context, caller handler.Context, route Route) (backend.Value, error) {
	q := backend.Query{ID: route.ID, Band: route.Band, User: caller.Username}
	values, err := stream.Collect(ctx, r.backend.Get(ctx, q))
	if err != nil {
		return nil, errors.Backend("get", err)
	}
	if len(values) == 0 {
		return nil, errors.Wrap(errors.ErrInternal, "get completed without a value")
	}
	return values[0], nil
}

// represent optionally wraps v in the @id/@context envelope. Keys of v win.
func (r *Router) represent(route Route, v backend.Value) any {
	if v == nil {
		v = backend.Value{}
	}
	if !r.cfg.Envelope {
		return v
	}
	out := make(map[string]any, len(v)+2)
	out["@id"] = r.codec.BandPath(route.ID, route.Band)
	out["@context"] = listing.ContextIRI
	for k, val := range v {
		out[k] = val
	}
	return out
}

func readBody(body io.Reader, limit int64) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	b, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, errors.Wrap(errors.ErrBadBody, err.Error())
	}
	if int64(len(b)) > limit {
		return nil, errors.ErrBodyTooLarge
	}
	return b, nil
}

// decodeBody decodes a PUT body, which must be an object.
func decodeBody(cf message.MediaType, body []byte) (backend.Value, error) {
	var (
		v   any
		err error
	)
	switch cf {
	case message.AppCBOR:
		err = cborDecMode.Unmarshal(body, &v)
	default:
		err = json.Unmarshal(body, &v)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrBadBody, err.Error())
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errors.Wrap(errors.ErrBadBody, "body must be an object")
	}
	return backend.Value(obj), nil
}
