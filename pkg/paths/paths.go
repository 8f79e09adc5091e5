// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package paths maps (thing-id, band) pairs onto CoAP resource paths and
// back, and owns the id to alias mapping used on the wire.
package paths

import (
	"net/url"
	"strings"

	"github.com/absmach/thingsgate/pkg/errors"
)

const (
	// DefaultRoot is the thing-collection prefix used when none is configured.
	DefaultRoot = "/ts"

	// WellKnownCore is the CoRE resource discovery path.
	WellKnownCore = "/.well-known/core"

	// noBand is the legacy sentinel segment meaning "thing, not band".
	noBand = "."
)

// Address is a decoded resource path. Band is empty for thing paths.
type Address struct {
	Alias string
	Band  string
}

// HasBand reports whether the address names a band resource.
func (a Address) HasBand() bool {
	return a.Band != ""
}

// Codec converts between resource paths and addresses under one root.
type Codec struct {
	root    string
	aliases Aliases
}

// NewCodec creates a codec for prefix. An empty prefix selects DefaultRoot;
// a nil aliases selects IdentityAliases.
func NewCodec(prefix string, aliases Aliases) *Codec {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = DefaultRoot
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if aliases == nil {
		aliases = IdentityAliases{}
	}
	return &Codec{root: prefix, aliases: aliases}
}

// Root returns the thing-collection path.
func (c *Codec) Root() string {
	return c.root
}

// Aliases returns the alias mapping in use.
func (c *Codec) Aliases() Aliases {
	return c.aliases
}

// Channel joins the root with segments, escaping each one.
func (c *Codec) Channel(segments ...string) string {
	if len(segments) == 0 {
		return c.root
	}
	var b strings.Builder
	b.WriteString(c.root)
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

// Unchannel decodes path into an address. Both a missing second segment and
// the legacy "." segment decode to an address without a band.
func (c *Codec) Unchannel(path string) (Address, error) {
	rest, ok := strings.CutPrefix(path, c.root+"/")
	if !ok {
		return Address{}, errors.ErrMalformedPath
	}

	parts := strings.Split(rest, "/")
	if len(parts) > 2 {
		return Address{}, errors.ErrMalformedPath
	}

	alias, err := url.PathUnescape(parts[0])
	if err != nil || alias == "" {
		return Address{}, errors.ErrMalformedPath
	}
	addr := Address{Alias: alias}

	if len(parts) == 2 {
		band, err := url.PathUnescape(parts[1])
		if err != nil {
			return Address{}, errors.ErrMalformedPath
		}
		if band != noBand {
			addr.Band = band
		}
	}
	return addr, nil
}

// ThingPath returns the wire path of thing id.
func (c *Codec) ThingPath(id string) string {
	return c.Channel(c.aliases.Alias(id))
}

// BandPath returns the wire path of band on thing id.
func (c *Codec) BandPath(id, band string) string {
	return c.Channel(c.aliases.Alias(id), band)
}

// Resolve decodes path and maps the alias back to a thing id. An alias
// that was never issued is reported as ErrNotFound.
func (c *Codec) Resolve(path string) (id string, addr Address, err error) {
	addr, err = c.Unchannel(path)
	if err != nil {
		return "", Address{}, err
	}
	id, ok := c.aliases.ID(addr.Alias)
	if !ok {
		return "", Address{}, errors.ErrNotFound
	}
	return id, addr, nil
}
