// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"io"

	"github.com/absmach/thingsgate/pkg/encoder"
	"github.com/absmach/thingsgate/pkg/errors"
	"github.com/absmach/thingsgate/pkg/handler"
	"github.com/absmach/thingsgate/pkg/paths"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Request is a transport-neutral view of one inbound CoAP request.
type Request struct {
	Method codes.Code

	// Path is the escaped request path, e.g. "/ts/lamp/ostate".
	Path string

	// Next is the listing cursor from the "next" query.
	Next string

	// Observe is set for a GET carrying Observe=0.
	Observe bool

	Accept    message.MediaType
	HasAccept bool

	ContentFormat message.MediaType
	Body          io.Reader

	Caller handler.Context
}

// Exchange is the response side of a request. Write may be called more
// than once only for responses marked NoEnd. Done closes when the client
// goes away or cancels an observation.
type Exchange interface {
	Write(resp encoder.Response) error
	Done() <-chan struct{}
}

// Kind identifies a route.
type Kind int

const (
	NotFound Kind = iota
	Discovery
	ListThings
	ListBands
	GetBand
	ObserveBand
	PutBand
)

var kindNames = map[Kind]string{
	NotFound:    "not_found",
	Discovery:   "discovery",
	ListThings:  "list_things",
	ListBands:   "list_bands",
	GetBand:     "get_band",
	ObserveBand: "observe_band",
	PutBand:     "put_band",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Route is a classified request. ID and Band are set for thing and band
// routes.
type Route struct {
	Kind Kind
	ID   string
	Band string
}

// Classify maps req onto a route. It reports ErrMethodNotAllowed for a
// known resource shape with the wrong method, and ErrNotFound for
// anything else it cannot place, including malformed paths under the
// root.
func Classify(req Request, codec *paths.Codec) (Route, error) {
	switch req.Path {
	case paths.WellKnownCore:
		return only(Route{Kind: Discovery}, req.Method == codes.GET)
	case codec.Root():
		return only(Route{Kind: ListThings}, req.Method == codes.GET)
	}

	id, addr, err := codec.Resolve(req.Path)
	if err != nil {
		return Route{Kind: NotFound}, errors.ErrNotFound
	}

	if !addr.HasBand() {
		return only(Route{Kind: ListBands, ID: id}, req.Method == codes.GET)
	}

	route := Route{ID: id, Band: addr.Band}
	switch req.Method {
	case codes.GET:
		route.Kind = GetBand
		if req.Observe {
			route.Kind = ObserveBand
		}
		return route, nil
	case codes.PUT:
		route.Kind = PutBand
		return route, nil
	default:
		route.Kind = GetBand
		return route, errors.ErrMethodNotAllowed
	}
}

func only(r Route, allowed bool) (Route, error) {
	if !allowed {
		return r, errors.ErrMethodNotAllowed
	}
	return r, nil
}
