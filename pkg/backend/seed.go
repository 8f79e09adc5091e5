// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/absmach/thingsgate/pkg/stream"
	"gopkg.in/yaml.v3"
)

// Seed is the initial content of a store, read from YAML:
//
//	things:
//	  device1:
//	    meta:
//	      name: Lamp
//	    ostate:
//	      on: true
type Seed struct {
	Things map[string]map[string]Value `yaml:"things"`
}

// ReadSeed decodes a seed document from r.
func ReadSeed(r io.Reader) (Seed, error) {
	var s Seed
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&s); err != nil && err != io.EOF {
		return Seed{}, fmt.Errorf("failed to decode seed: %w", err)
	}
	return s, nil
}

// LoadSeedFile reads a seed document from path.
func LoadSeedFile(path string) (Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return Seed{}, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()
	return ReadSeed(f)
}

// Apply writes every band of the seed through b.Put, in id then band order.
func (s Seed) Apply(ctx context.Context, b Backend, user string) error {
	ids := make([]string, 0, len(s.Things))
	for id := range s.Things {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		bands := s.Things[id]
		names := make([]string, 0, len(bands))
		for name := range bands {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, band := range names {
			v := bands[band]
			if v == nil {
				v = Value{}
			}
			q := Query{ID: id, Band: band, User: user}
			if _, err := stream.One(ctx, b.Put(ctx, q, v)); err != nil {
				return fmt.Errorf("failed to seed %s/%s: %w", id, band, err)
			}
		}
	}
	return nil
}
