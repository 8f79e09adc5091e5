// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package linkformat serializes resource descriptions as CoRE Link Format
// (RFC 6690) text. Only the subset the gateway emits is supported: targets
// with integer, string and flag attributes.
package linkformat

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Attributes are the link parameters of one target. Integer values are
// written bare, strings quoted, and a true bool as a bare flag.
type Attributes map[string]any

// Document maps link targets to their attributes.
type Document map[string]Attributes

// Serializer converts a Document into wire text.
type Serializer interface {
	Produce(doc Document) ([]byte, error)
}

// Producer is the default Serializer. Targets and attributes are emitted
// in sorted order so output is deterministic.
type Producer struct{}

var _ Serializer = Producer{}

// Produce implements Serializer.
func (Producer) Produce(doc Document) ([]byte, error) {
	targets := make([]string, 0, len(doc))
	for t := range doc {
		targets = append(targets, t)
	}
	sort.Strings(targets)

	var b strings.Builder
	for i, t := range targets {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('<')
		b.WriteString(t)
		b.WriteByte('>')
		if err := writeAttrs(&b, doc[t]); err != nil {
			return nil, fmt.Errorf("link %s: %w", t, err)
		}
	}
	return []byte(b.String()), nil
}

func writeAttrs(b *strings.Builder, attrs Attributes) error {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch v := attrs[k].(type) {
		case bool:
			if v {
				b.WriteByte(';')
				b.WriteString(k)
			}
		case int:
			fmt.Fprintf(b, ";%s=%d", k, v)
		case uint16:
			fmt.Fprintf(b, ";%s=%d", k, v)
		case string:
			fmt.Fprintf(b, ";%s=%s", k, strconv.Quote(v))
		default:
			return fmt.Errorf("unsupported attribute %s of type %T", k, v)
		}
	}
	return nil
}
