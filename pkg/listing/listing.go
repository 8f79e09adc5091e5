// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package listing builds bounded thing listings with continuation cursors.
package listing

import (
	"context"
	"encoding/json"

	"github.com/absmach/thingsgate/pkg/paths"
	"github.com/absmach/thingsgate/pkg/stream"
)

const (
	// DefaultBudget is the serialized page size, in bytes, a page is
	// trimmed below.
	DefaultBudget = 800

	// ContextIRI is the JSON-LD context attached to every representation.
	ContextIRI = "https://iotdb.org/pub/iot"
)

// Page is one listing page. Next names the first alias left out; a client
// resumes by passing it back as the cursor.
type Page struct {
	ID      string   `json:"@id"`
	Context string   `json:"@context"`
	Things  []string `json:"things"`
	Next    string   `json:"next,omitempty"`
}

// Options configures Paginate.
type Options struct {
	ID      string        // @id of the page
	Context string        // @context, ContextIRI when empty
	Cursor  string        // resume alias, inclusive
	Budget  int           // size bound, DefaultBudget when <= 0
	Aliases paths.Aliases // id to alias, identity when nil
}

// Paginate drains ids into a page. Ids before Cursor are skipped; the page
// is then halved until it fits Budget or holds a single alias. A stream
// error aborts with no page.
func Paginate(ctx context.Context, ids stream.Stream[string], opts Options) (Page, error) {
	if opts.Budget <= 0 {
		opts.Budget = DefaultBudget
	}
	if opts.Context == "" {
		opts.Context = ContextIRI
	}
	if opts.Aliases == nil {
		opts.Aliases = paths.IdentityAliases{}
	}

	page := Page{
		ID:      opts.ID,
		Context: opts.Context,
		Things:  []string{},
	}

	seen := opts.Cursor == ""
	err := stream.ForEach(ctx, ids, func(id string) error {
		alias := opts.Aliases.Alias(id)
		if !seen {
			if alias != opts.Cursor {
				return nil
			}
			seen = true
		}
		page.Things = append(page.Things, alias)
		return nil
	})
	if err != nil {
		return Page{}, err
	}

	for len(page.Things) > 1 {
		size, err := page.size()
		if err != nil {
			return Page{}, err
		}
		if size < opts.Budget {
			break
		}
		px := len(page.Things) / 2
		page.Next = page.Things[px]
		page.Things = page.Things[:px]
	}
	return page, nil
}

func (p Page) size() (int, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}
