// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package encoder turns handler results and errors into CoAP response
// payloads, negotiating the content format from the request's Accept option.
package encoder

import (
	"encoding/json"

	"github.com/absmach/thingsgate/pkg/errors"
	"github.com/absmach/thingsgate/pkg/linkformat"
	"github.com/fxamacker/cbor/v2"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Result is what a handler hands to the encoder. Either Err or Content is
// set. Code overrides the default success code (2.05 Content).
type Result struct {
	Content   any
	Err       error
	Code      codes.Code
	Accept    message.MediaType
	HasAccept bool
	NoEnd     bool
}

// Response is a fully encoded CoAP response. NoEnd marks an Observe
// notification that keeps the exchange open; error responses never set it.
type Response struct {
	Code          codes.Code
	ContentFormat message.MediaType
	Body          []byte
	NoEnd         bool
}

type errorBody struct {
	Error string `json:"error"`
}

// Encoder encodes results. The zero value uses linkformat.Producer.
type Encoder struct {
	Links linkformat.Serializer
}

// cborEncMode uses Core Deterministic Encoding so equal values always
// produce equal bytes.
var cborEncMode cbor.EncMode

func init() {
	var err error
	cborEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("encoder: CBOR encoder initialization failed: " + err.Error())
	}
}

// Default is the encoder used by the package-level Encode.
var Default = Encoder{}

// Encode encodes r with the Default encoder.
func Encode(r Result) Response {
	return Default.Encode(r)
}

// Encode implements the result to response mapping.
func (e Encoder) Encode(r Result) Response {
	if r.Err != nil {
		return e.encodeError(r.Err)
	}

	code := r.Code
	if code == 0 {
		code = codes.Content
	}

	if doc, ok := r.Content.(linkformat.Document); ok {
		links := e.Links
		if links == nil {
			links = linkformat.Producer{}
		}
		body, err := links.Produce(doc)
		if err != nil {
			return e.encodeError(errors.Wrap(errors.ErrInternal, err.Error()))
		}
		return Response{Code: code, ContentFormat: message.AppLinkFormat, Body: body, NoEnd: r.NoEnd}
	}

	cf := message.AppJSON
	if r.HasAccept {
		switch r.Accept {
		case message.AppJSON:
		case message.AppCBOR:
			cf = message.AppCBOR
		default:
			return e.encodeError(errors.ErrNotAcceptable)
		}
	}

	body, err := marshal(cf, r.Content)
	if err != nil {
		return e.encodeError(errors.Wrap(errors.ErrInternal, err.Error()))
	}
	return Response{Code: code, ContentFormat: cf, Body: body, NoEnd: r.NoEnd}
}

// encodeError always ends the exchange, so an error never keeps an
// observation open.
func (e Encoder) encodeError(err error) Response {
	body, merr := json.Marshal(errorBody{Error: errors.Message(err)})
	if merr != nil {
		body = nil
	}
	return Response{
		Code:          errors.Code(err),
		ContentFormat: message.AppJSON,
		Body:          append(body, '\n'),
	}
}

func marshal(cf message.MediaType, v any) ([]byte, error) {
	if cf == message.AppCBOR {
		return cborEncMode.Marshal(v)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
