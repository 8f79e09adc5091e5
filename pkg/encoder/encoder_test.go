// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package encoder

import (
	"errors"
	"testing"

	gerrors "github.com/absmach/thingsgate/pkg/errors"
	"github.com/absmach/thingsgate/pkg/linkformat"
	"github.com/fxamacker/cbor/v2"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingLinks struct{}

func (failingLinks) Produce(linkformat.Document) ([]byte, error) {
	return nil, errors.New("cannot produce")
}

func TestEncode(t *testing.T) {
	cases := []struct {
		name   string
		result Result
		code   codes.Code
		cf     message.MediaType
		body   string
	}{
		{
			name:   "json default",
			result: Result{Content: map[string]any{"on": true}},
			code:   codes.Content,
			cf:     message.AppJSON,
			body:   "{\"on\":true}\n",
		},
		{
			name:   "json accepted",
			result: Result{Content: map[string]any{"on": true}, Accept: message.AppJSON, HasAccept: true},
			code:   codes.Content,
			cf:     message.AppJSON,
			body:   "{\"on\":true}\n",
		},
		{
			name:   "code override",
			result: Result{Content: map[string]any{}, Code: codes.Changed},
			code:   codes.Changed,
			cf:     message.AppJSON,
			body:   "{}\n",
		},
		{
			name:   "link format",
			result: Result{Content: linkformat.Document{"/ts": {"ct": 50}}},
			code:   codes.Content,
			cf:     message.AppLinkFormat,
			body:   "</ts>;ct=50",
		},
		{
			name:   "not acceptable",
			result: Result{Content: map[string]any{}, Accept: message.TextPlain, HasAccept: true},
			code:   codes.NotAcceptable,
			cf:     message.AppJSON,
			body:   "{\"error\":\"not acceptable\"}\n",
		},
		{
			name:   "not found",
			result: Result{Err: gerrors.ErrNotFound},
			code:   codes.NotFound,
			cf:     message.AppJSON,
			body:   "{\"error\":\"not found\"}\n",
		},
		{
			name:   "backend failure",
			result: Result{Err: gerrors.Backend("get", errors.New("disk gone"))},
			code:   codes.ServiceUnavailable,
			cf:     message.AppJSON,
			body:   "{\"error\":\"backend get: disk gone\"}\n",
		},
		{
			name:   "unmarshalable content",
			result: Result{Content: map[string]any{"c": make(chan int)}},
			code:   codes.InternalServerError,
			cf:     message.AppJSON,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := Encode(tc.result)
			assert.Equal(t, tc.code, resp.Code)
			assert.Equal(t, tc.cf, resp.ContentFormat)
			if tc.body != "" {
				assert.Equal(t, tc.body, string(resp.Body))
			}
		})
	}
}

func TestEncodeCBOR(t *testing.T) {
	resp := Encode(Result{
		Content:   map[string]any{"brightness": 7},
		Accept:    message.AppCBOR,
		HasAccept: true,
		NoEnd:     true,
	})
	require.Equal(t, codes.Content, resp.Code)
	assert.Equal(t, message.AppCBOR, resp.ContentFormat)
	assert.True(t, resp.NoEnd)

	var out map[string]any
	require.NoError(t, cbor.Unmarshal(resp.Body, &out))
	assert.EqualValues(t, 7, out["brightness"])
}

func TestEncodeLinkSerializerFailure(t *testing.T) {
	enc := Encoder{Links: failingLinks{}}
	resp := enc.Encode(Result{Content: linkformat.Document{"/ts": {}}})
	assert.Equal(t, codes.InternalServerError, resp.Code)
}
