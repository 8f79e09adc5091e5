// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"bytes"
	"sync"

	"github.com/absmach/thingsgate/pkg/encoder"
	"github.com/absmach/thingsgate/pkg/errors"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/mux"
)

// Observe sequence numbers are 24 bits wide.
const observeSeqMask = 1<<24 - 1

var errExchangeClosed = errors.Wrap(errors.ErrNotFound, "exchange closed")

// exchange is one CoAP request/response exchange. While the handler runs
// the first response is piggybacked on the request; later writes are sent
// as separate notifications carrying the request token.
type exchange struct {
	w     mux.ResponseWriter
	conn  mux.Conn
	token message.Token

	mu        sync.Mutex
	inHandler bool
	wrote     bool
	observing bool
	seq       uint32

	done chan struct{}
	once sync.Once
}

func newExchange(w mux.ResponseWriter, token message.Token) *exchange {
	return &exchange{
		w:         w,
		conn:      w.Conn(),
		token:     append(message.Token(nil), token...),
		inHandler: true,
		seq:       2,
		done:      make(chan struct{}),
	}
}

func (e *exchange) Write(resp encoder.Response) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	select {
	case <-e.done:
		return errExchangeClosed
	default:
	}

	if e.inHandler && !e.wrote {
		e.wrote = true
		if err := e.w.SetResponse(resp.Code, resp.ContentFormat, bytes.NewReader(resp.Body)); err != nil {
			e.close()
			return err
		}
		if resp.NoEnd {
			e.w.Message().SetObserve(e.nextSeq())
			e.observing = true
		}
		return nil
	}

	m := e.conn.AcquireMessage(e.conn.Context())
	defer e.conn.ReleaseMessage(m)
	m.SetCode(resp.Code)
	m.SetToken(e.token)
	m.SetType(message.NonConfirmable)
	m.SetContentFormat(resp.ContentFormat)
	m.SetBody(bytes.NewReader(resp.Body))
	if resp.NoEnd {
		m.SetObserve(e.nextSeq())
	}
	if err := e.conn.WriteMessage(m); err != nil {
		e.close()
		return err
	}
	if !resp.NoEnd {
		e.close()
	}
	return nil
}

func (e *exchange) Done() <-chan struct{} {
	return e.done
}

// leave marks the end of the handler and reports whether the exchange
// stays open as an observation.
func (e *exchange) leave() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inHandler = false
	if !e.observing {
		e.close()
		return false
	}
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}

func (e *exchange) close() {
	e.once.Do(func() { close(e.done) })
}

func (e *exchange) nextSeq() uint32 {
	seq := e.seq & observeSeqMask
	e.seq++
	return seq
}
