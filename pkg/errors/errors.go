// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the gateway error taxonomy and its mapping onto
// CoAP response codes.
package errors

import (
	"errors"
	"fmt"

	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Gateway error kinds.
var (
	// ErrMalformedPath indicates a path outside the configured root or with
	// an unusable segment layout.
	ErrMalformedPath = errors.New("malformed path")

	// ErrNotFound indicates an unknown path shape, thing or band.
	ErrNotFound = errors.New("not found")

	// ErrMethodNotAllowed indicates a valid resource shape with the wrong verb.
	ErrMethodNotAllowed = errors.New("method not allowed")

	// ErrBadBody indicates a PUT body that does not decode to an object.
	ErrBadBody = errors.New("bad body")

	// ErrBodyTooLarge indicates a PUT body above the configured limit.
	ErrBodyTooLarge = errors.New("body too large")

	// ErrNotAcceptable indicates an Accept option the encoder cannot honour.
	ErrNotAcceptable = errors.New("not acceptable")

	// ErrUnauthorized indicates the caller was rejected by an authorization hook.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates the caller exceeded its request budget.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrNotImplemented indicates a backend operation that is not supported.
	ErrNotImplemented = errors.New("not implemented")

	// ErrInternal indicates an invariant violation, such as a single-result
	// stream completing without an item.
	ErrInternal = errors.New("internal error")
)

// BackendError wraps an opaque failure surfaced by the data backend.
type BackendError struct {
	Op  string // Backend operation (list, bands, get, put)
	Err error  // Underlying error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *BackendError) Unwrap() error {
	return e.Err
}

// Backend wraps err as a BackendError for operation op.
func Backend(op string, err error) error {
	if err == nil {
		return nil
	}
	var be *BackendError
	if errors.As(err, &be) {
		return err
	}
	return &BackendError{Op: op, Err: err}
}

// GatewayError wraps an error with the request it was raised for.
type GatewayError struct {
	Op     string // Handler that failed
	Method string // CoAP method
	Path   string // Request path
	Err    error  // Underlying error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Op, e.Method, e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// New creates a new GatewayError.
func New(op, method, path string, err error) error {
	if err == nil {
		return nil
	}
	return &GatewayError{
		Op:     op,
		Method: method,
		Path:   path,
		Err:    err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

var codeTable = []struct {
	err  error
	code codes.Code
}{
	{ErrMalformedPath, codes.NotFound},
	{ErrNotFound, codes.NotFound},
	{ErrMethodNotAllowed, codes.MethodNotAllowed},
	{ErrBadBody, codes.BadRequest},
	{ErrBodyTooLarge, codes.RequestEntityTooLarge},
	{ErrNotAcceptable, codes.NotAcceptable},
	{ErrUnauthorized, codes.Unauthorized},
	{ErrRateLimited, codes.TooManyRequests},
	{ErrNotImplemented, codes.NotImplemented},
	{ErrInternal, codes.InternalServerError},
}

// Code maps err onto the CoAP response code a client should see.
// Known kinds win over the BackendError wrapper, so a backend reporting
// ErrNotFound still yields 4.04.
func Code(err error) codes.Code {
	for _, c := range codeTable {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	var be *BackendError
	if errors.As(err, &be) {
		return codes.ServiceUnavailable
	}
	return codes.InternalServerError
}

// Message returns the client-facing message for err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
