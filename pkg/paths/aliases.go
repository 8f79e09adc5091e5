// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package paths

import (
	"strconv"
	"strings"
	"sync"
	"unicode"
)

// Aliases is an injective mapping between thing ids and wire aliases.
// Both directions must be O(1) and must never fail for an alias that was
// previously issued.
type Aliases interface {
	// Alias returns the wire alias for id, issuing one if needed.
	Alias(id string) string

	// ID returns the thing id an alias was issued for.
	ID(alias string) (string, bool)
}

// IdentityAliases uses the thing id itself as its alias.
type IdentityAliases struct{}

var _ Aliases = IdentityAliases{}

func (IdentityAliases) Alias(id string) string {
	return id
}

func (IdentityAliases) ID(alias string) (string, bool) {
	return alias, true
}

// SequentialAliases issues short aliases built from the tail of the id
// (after its last ':') in camel case, suffixed by an issue counter.
// A candidate that is already taken (e.g. "ab1"+"2" against "ab"+"12")
// is skipped.
type SequentialAliases struct {
	mu      sync.RWMutex
	byID    map[string]string
	byAlias map[string]string
	next    int
}

var _ Aliases = (*SequentialAliases)(nil)

// NewSequentialAliases creates an empty alias table.
func NewSequentialAliases() *SequentialAliases {
	return &SequentialAliases{
		byID:    make(map[string]string),
		byAlias: make(map[string]string),
	}
}

func (s *SequentialAliases) Alias(id string) string {
	s.mu.RLock()
	alias, ok := s.byID[id]
	s.mu.RUnlock()
	if ok {
		return alias
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if alias, ok := s.byID[id]; ok {
		return alias
	}
	base := camelCase(tail(id))
	for {
		alias = base + strconv.Itoa(s.next)
		s.next++
		if _, taken := s.byAlias[alias]; !taken {
			break
		}
	}
	s.byID[id] = alias
	s.byAlias[alias] = id
	return alias
}

func (s *SequentialAliases) ID(alias string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byAlias[alias]
	return id, ok
}

func tail(id string) string {
	if i := strings.LastIndexByte(id, ':'); i >= 0 {
		return id[i+1:]
	}
	return id
}

// camelCase drops every rune that is not a letter or digit and upper-cases
// the rune following a dropped one.
func camelCase(s string) string {
	var b strings.Builder
	upper := false
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			upper = b.Len() > 0
			continue
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		b.WriteRune(r)
	}
	if b.Len() == 0 {
		return "thing"
	}
	return b.String()
}
