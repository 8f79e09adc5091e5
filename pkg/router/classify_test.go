// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"testing"

	"github.com/absmach/thingsgate/pkg/errors"
	"github.com/absmach/thingsgate/pkg/paths"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	codec := paths.NewCodec("/ts", nil)

	cases := []struct {
		name    string
		method  codes.Code
		path    string
		observe bool
		want    Route
		err     error
	}{
		{"discovery", codes.GET, "/.well-known/core", false, Route{Kind: Discovery}, nil},
		{"discovery put", codes.PUT, "/.well-known/core", false, Route{Kind: Discovery}, errors.ErrMethodNotAllowed},
		{"root", codes.GET, "/ts", false, Route{Kind: ListThings}, nil},
		{"root put", codes.PUT, "/ts", false, Route{Kind: ListThings}, errors.ErrMethodNotAllowed},
		{"root post", codes.POST, "/ts", false, Route{Kind: ListThings}, errors.ErrMethodNotAllowed},
		{"thing", codes.GET, "/ts/lamp", false, Route{Kind: ListBands, ID: "lamp"}, nil},
		{"thing dot band", codes.GET, "/ts/lamp/.", false, Route{Kind: ListBands, ID: "lamp"}, nil},
		{"thing observe", codes.GET, "/ts/lamp", true, Route{Kind: ListBands, ID: "lamp"}, nil},
		{"thing put", codes.PUT, "/ts/lamp", false, Route{Kind: ListBands, ID: "lamp"}, errors.ErrMethodNotAllowed},
		{"band", codes.GET, "/ts/lamp/ostate", false, Route{Kind: GetBand, ID: "lamp", Band: "ostate"}, nil},
		{"band observe", codes.GET, "/ts/lamp/ostate", true, Route{Kind: ObserveBand, ID: "lamp", Band: "ostate"}, nil},
		{"band put", codes.PUT, "/ts/lamp/ostate", false, Route{Kind: PutBand, ID: "lamp", Band: "ostate"}, nil},
		{"band delete", codes.DELETE, "/ts/lamp/ostate", false, Route{Kind: GetBand, ID: "lamp", Band: "ostate"}, errors.ErrMethodNotAllowed},
		{"escaped id", codes.GET, "/ts/my%20lamp/meta", false, Route{Kind: GetBand, ID: "my lamp", Band: "meta"}, nil},
		{"too deep", codes.GET, "/ts/lamp/ostate/x", false, Route{Kind: NotFound}, errors.ErrNotFound},
		{"empty id", codes.GET, "/ts/", false, Route{Kind: NotFound}, errors.ErrNotFound},
		{"outside root", codes.GET, "/other/lamp", false, Route{Kind: NotFound}, errors.ErrNotFound},
		{"bad escape", codes.GET, "/ts/%zz", false, Route{Kind: NotFound}, errors.ErrNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Classify(Request{Method: tc.method, Path: tc.path, Observe: tc.observe}, codec)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestClassifyUnknownAlias(t *testing.T) {
	aliases := paths.NewSequentialAliases()
	codec := paths.NewCodec("/ts", aliases)
	alias := aliases.Alias("urn:x:lamp")

	got, err := Classify(Request{Method: codes.GET, Path: "/ts/" + alias + "/meta"}, codec)
	assert.NoError(t, err)
	assert.Equal(t, Route{Kind: GetBand, ID: "urn:x:lamp", Band: "meta"}, got)

	_, err = Classify(Request{Method: codes.GET, Path: "/ts/never0/meta"}, codec)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "observe_band", ObserveBand.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
