// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker provides a circuit breaker for calls to an unreliable
// downstream such as the MQTT mirror's broker.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker state.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds breaker configuration.
type Config struct {
	// Failures is the number of consecutive failures that opens the breaker.
	Failures int

	// Cooldown is how long the breaker stays open before letting a trial
	// call through.
	Cooldown time.Duration

	// SuccessThreshold is the number of consecutive half-open successes
	// that close the breaker again.
	SuccessThreshold int

	// OnStateChange is called synchronously, outside the lock, on every
	// transition.
	OnStateChange func(from, to State)

	// Now is time.Now when nil.
	Now func() time.Time
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	cfg Config

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.Failures <= 0 {
		cfg.Failures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Do runs fn when the breaker allows it and records the outcome.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	b.Record(err)
	return err
}

// Allow reports whether a call may proceed. An open breaker past its
// cooldown moves to half-open and lets the call through as a trial.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	if b.state != Open {
		b.mu.Unlock()
		return nil
	}
	if b.cfg.Now().Sub(b.openedAt) < b.cfg.Cooldown {
		b.mu.Unlock()
		return ErrOpen
	}
	from := b.transition(HalfOpen)
	b.mu.Unlock()

	b.notify(from, HalfOpen)
	return nil
}

// Record records the outcome of an allowed call.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	from, to := b.state, b.state
	if err != nil {
		b.successes = 0
		b.failures++
		if b.state == HalfOpen || b.failures >= b.cfg.Failures {
			to = Open
		}
	} else {
		b.failures = 0
		if b.state == HalfOpen {
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				to = Closed
			}
		}
	}
	if to != from {
		b.transition(to)
	}
	b.mu.Unlock()

	if to != from {
		b.notify(from, to)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) State {
	from := b.state
	b.state = to
	b.successes = 0
	switch to {
	case Open:
		b.openedAt = b.cfg.Now()
	case Closed:
		b.failures = 0
	}
	return from
}

func (b *Breaker) notify(from, to State) {
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
