// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package backend_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/absmach/thingsgate/pkg/backend"
	"github.com/absmach/thingsgate/pkg/backend/memory"
	"github.com/absmach/thingsgate/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFilterMatch(t *testing.T) {
	u := backend.Update{ID: "lamp", Band: "ostate"}

	cases := []struct {
		name   string
		filter backend.Filter
		want   bool
	}{
		{"empty", backend.Filter{}, true},
		{"id", backend.Filter{ID: "lamp"}, true},
		{"id and band", backend.Filter{ID: "lamp", Band: "ostate"}, true},
		{"other id", backend.Filter{ID: "fan"}, false},
		{"other band", backend.Filter{ID: "lamp", Band: "meta"}, false},
		{"band only", backend.Filter{Band: "ostate"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.filter.Match(u))
		})
	}
}

func TestValueClone(t *testing.T) {
	v := backend.Value{"on": true}
	c := v.Clone()
	c["on"] = false
	assert.Equal(t, true, v["on"])

	assert.Nil(t, backend.Value(nil).Clone())
}

func TestFeed(t *testing.T) {
	feed := backend.NewFeed(1, quiet())
	ctx, cancel := context.WithCancel(context.Background())

	all := feed.Subscribe(ctx, backend.Filter{})
	lamp := feed.Subscribe(ctx, backend.Filter{ID: "lamp"})
	assert.Equal(t, 2, feed.Listeners())

	feed.Publish(backend.Update{ID: "fan", Band: "meta"})
	assert.Equal(t, "fan", (<-all).ID)

	feed.Publish(backend.Update{ID: "lamp", Band: "ostate"})
	feed.Publish(backend.Update{ID: "lamp", Band: "meta"})
	assert.Equal(t, uint64(2), feed.Dropped(), "each listener buffers one update")

	assert.Equal(t, "ostate", (<-lamp).Band)
	assert.Equal(t, "ostate", (<-all).Band)

	cancel()
	assert.Eventually(t, func() bool { return feed.Listeners() == 0 }, time.Second, 10*time.Millisecond)
	_, ok := <-all
	assert.False(t, ok)
}

func TestReadSeed(t *testing.T) {
	doc := `
things:
  lamp:
    meta:
      name: Lamp
    ostate:
      on: true
  fan:
    meta: {}
`
	seed, err := backend.ReadSeed(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, seed.Things, 2)
	assert.Equal(t, "Lamp", seed.Things["lamp"]["meta"]["name"])
	assert.Equal(t, true, seed.Things["lamp"]["ostate"]["on"])

	empty, err := backend.ReadSeed(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, empty.Things)

	_, err = backend.ReadSeed(strings.NewReader("things: [1, 2"))
	assert.Error(t, err)
}

func TestLoadSeedFileApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte("things:\n  lamp:\n    ostate:\n      on: false\n    meta:\n"), 0o600))

	seed, err := backend.LoadSeedFile(path)
	require.NoError(t, err)

	ctx := context.Background()
	store := memory.New(quiet())
	require.NoError(t, seed.Apply(ctx, store, ""))

	bands, err := stream.Collect(ctx, store.Bands(ctx, backend.Query{ID: "lamp"}))
	require.NoError(t, err)
	assert.Equal(t, []backend.Band{{Name: "meta"}, {Name: "ostate"}}, bands)

	v, err := stream.One(ctx, store.Get(ctx, backend.Query{ID: "lamp", Band: "meta"}))
	require.NoError(t, err)
	assert.Equal(t, backend.Value{}, v)

	_, err = backend.LoadSeedFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
