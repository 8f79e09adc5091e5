// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package stream provides single-pass asynchronous result sequences used by
// data backends.
//
// A Stream yields zero or more items and terminates either by the producer
// closing the channel (completion) or by sending one Result carrying a
// non-nil Err (failure). Consumers buffer items in arrival order and act
// only on the terminal signal.
package stream

import (
	"context"

	"github.com/absmach/thingsgate/pkg/errors"
)

// Result is one element of a Stream: an item, or the terminal error.
type Result[T any] struct {
	Item T
	Err  error
}

// Stream is a receive-only sequence of results closed on completion.
type Stream[T any] <-chan Result[T]

// Of returns a completed stream yielding items in order.
func Of[T any](items ...T) Stream[T] {
	ch := make(chan Result[T], len(items))
	for _, it := range items {
		ch <- Result[T]{Item: it}
	}
	close(ch)
	return ch
}

// Fail returns a stream that terminates immediately with err.
func Fail[T any](err error) Stream[T] {
	ch := make(chan Result[T], 1)
	ch <- Result[T]{Err: err}
	close(ch)
	return ch
}

// Emitter is the producer side of a Stream.
type Emitter[T any] struct {
	ctx context.Context
	ch  chan Result[T]
}

// New starts produce on its own goroutine and returns the consumer side.
// The stream is closed when produce returns; a non-nil return value is
// delivered as the terminal error.
func New[T any](ctx context.Context, produce func(e *Emitter[T]) error) Stream[T] {
	ch := make(chan Result[T])
	e := &Emitter[T]{ctx: ctx, ch: ch}
	go func() {
		defer close(ch)
		if err := produce(e); err != nil {
			select {
			case ch <- Result[T]{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return ch
}

// Emit sends one item, returning ctx.Err() if the consumer went away.
func (e *Emitter[T]) Emit(item T) error {
	select {
	case e.ch <- Result[T]{Item: item}:
		return nil
	case <-e.ctx.Done():
		return e.ctx.Err()
	}
}

// ForEach calls fn for every item until the stream completes. It returns
// the stream's terminal error, fn's first error, or ctx.Err().
func ForEach[T any](ctx context.Context, s Stream[T], fn func(T) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok := <-s:
			if !ok {
				return nil
			}
			if r.Err != nil {
				return r.Err
			}
			if err := fn(r.Item); err != nil {
				return err
			}
		}
	}
}

// Collect drains s into a slice. On failure no partial result is returned.
func Collect[T any](ctx context.Context, s Stream[T]) ([]T, error) {
	items := []T{}
	err := ForEach(ctx, s, func(it T) error {
		items = append(items, it)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// One returns the first item of a stream that must yield exactly one.
// Completion without an item is an ErrInternal invariant violation.
func One[T any](ctx context.Context, s Stream[T]) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r, ok := <-s:
		if !ok {
			return zero, errors.Wrap(errors.ErrInternal, "stream completed without a result")
		}
		if r.Err != nil {
			return zero, r.Err
		}
		return r.Item, nil
	}
}
