// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBroker = errors.New("broker unavailable")

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time {
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newBreaker(c *clock, transitions *[]string) *Breaker {
	return New(Config{
		Failures:         3,
		Cooldown:         10 * time.Second,
		SuccessThreshold: 2,
		Now:              c.Now,
		OnStateChange: func(from, to State) {
			*transitions = append(*transitions, from.String()+"->"+to.String())
		},
	})
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []string
	c := &clock{now: time.Unix(0, 0)}
	b := newBreaker(c, &transitions)

	assert.ErrorIs(t, b.Do(func() error { return errBroker }), errBroker)
	assert.ErrorIs(t, b.Do(func() error { return errBroker }), errBroker)
	assert.NoError(t, b.Do(func() error { return nil }))
	assert.Equal(t, Closed, b.State(), "a success resets the failure count")

	for i := 0; i < 3; i++ {
		_ = b.Do(func() error { return errBroker })
	}
	assert.Equal(t, Open, b.State())
	assert.Equal(t, []string{"closed->open"}, transitions)

	called := false
	err := b.Do(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreakerRecovers(t *testing.T) {
	var transitions []string
	c := &clock{now: time.Unix(0, 0)}
	b := newBreaker(c, &transitions)

	for i := 0; i < 3; i++ {
		_ = b.Do(func() error { return errBroker })
	}
	require.Equal(t, Open, b.State())

	c.advance(5 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrOpen)

	c.advance(5 * time.Second)
	assert.NoError(t, b.Do(func() error { return nil }))
	assert.Equal(t, HalfOpen, b.State())
	assert.NoError(t, b.Do(func() error { return nil }))
	assert.Equal(t, Closed, b.State())

	assert.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, transitions)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	var transitions []string
	c := &clock{now: time.Unix(0, 0)}
	b := newBreaker(c, &transitions)

	for i := 0; i < 3; i++ {
		_ = b.Do(func() error { return errBroker })
	}
	c.advance(10 * time.Second)

	assert.ErrorIs(t, b.Do(func() error { return errBroker }), errBroker)
	assert.Equal(t, Open, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen, "cooldown restarts when a half-open call fails")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "half_open", HalfOpen.String())
	assert.Equal(t, "unknown", State(7).String())
}
