// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	gonet "net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/absmach/thingsgate/pkg/encoder"
	"github.com/absmach/thingsgate/pkg/router"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/mux"
	"github.com/plgd-dev/go-coap/v3/udp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRouter struct {
	mu     sync.Mutex
	reqs   []router.Request
	bodies [][]byte
	resp   encoder.Response
	exs    chan router.Exchange
}

func newFakeRouter(resp encoder.Response) *fakeRouter {
	return &fakeRouter{resp: resp, exs: make(chan router.Exchange, 4)}
}

func (f *fakeRouter) Serve(ctx context.Context, req router.Request, ex router.Exchange) {
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
	}
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.bodies = append(f.bodies, body)
	resp := f.resp
	f.mu.Unlock()

	resp.NoEnd = req.Observe
	_ = ex.Write(resp)
	if req.Observe {
		f.exs <- ex
	}
}

func (f *fakeRouter) requests() []router.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]router.Request(nil), f.reqs...)
}

func startServer(t *testing.T, r Router) *Server {
	t.Helper()
	return startServerConfig(t, Config{}, r)
}

func startServerConfig(t *testing.T, cfg Config, r Router) *Server {
	t.Helper()
	cfg.Address = "127.0.0.1:0"
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(cfg, r)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Listen(ctx) }()

	select {
	case <-srv.Ready():
	case err := <-errCh:
		t.Fatalf("server failed to start: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errCh)
	})
	return srv
}

func newMessage(t *testing.T, code codes.Code, path string) *mux.Message {
	t.Helper()
	m := pool.NewMessage(context.Background())
	m.SetCode(code)
	require.NoError(t, m.SetPath(path))
	return &mux.Message{Message: m}
}

func TestBuildRequest(t *testing.T) {
	m := newMessage(t, codes.GET, "/ts/my lamp/ostate")
	m.AddQuery("next=urn:x:fan")
	m.AddQuery("auth=s3cret")
	m.SetOptionUint32(message.Accept, uint32(message.AppCBOR))
	m.SetObserve(0)

	req, dereg := buildRequest(m, "10.0.0.1:5683")
	assert.False(t, dereg)
	assert.Equal(t, codes.GET, req.Method)
	assert.Equal(t, "/ts/my%20lamp/ostate", req.Path)
	assert.Equal(t, "urn:x:fan", req.Next)
	assert.True(t, req.Observe)
	assert.True(t, req.HasAccept)
	assert.Equal(t, message.AppCBOR, req.Accept)
	assert.Equal(t, []byte("s3cret"), req.Caller.Password)
	assert.Equal(t, "10.0.0.1:5683", req.Caller.RemoteAddr)
	assert.Equal(t, Protocol, req.Caller.Protocol)
	assert.NotEmpty(t, req.Caller.SessionID)
}

func TestBuildRequestPut(t *testing.T) {
	m := newMessage(t, codes.PUT, "/ts/lamp/ostate")
	m.SetContentFormat(message.AppCBOR)
	m.SetBody(bytes.NewReader([]byte{0xa0}))

	req, dereg := buildRequest(m, "10.0.0.1:5683")
	assert.False(t, dereg)
	assert.False(t, req.Observe)
	assert.False(t, req.HasAccept)
	assert.Equal(t, message.AppCBOR, req.ContentFormat)
	require.NotNil(t, req.Body)
	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xa0}, body)
}

func TestBuildRequestDeregister(t *testing.T) {
	m := newMessage(t, codes.GET, "/ts/lamp/ostate")
	m.SetObserve(1)

	req, dereg := buildRequest(m, "10.0.0.1:5683")
	assert.True(t, dereg)
	assert.False(t, req.Observe)
}

func TestBuildRequestRoot(t *testing.T) {
	m := pool.NewMessage(context.Background())
	m.SetCode(codes.GET)

	req, _ := buildRequest(&mux.Message{Message: m}, "10.0.0.1:5683")
	assert.Equal(t, "/", req.Path)
}

func TestServerGet(t *testing.T) {
	fr := newFakeRouter(encoder.Response{
		Code:          codes.Content,
		ContentFormat: message.AppJSON,
		Body:          []byte(`{"on":false}` + "\n"),
	})
	srv := startServer(t, fr)

	co, err := udp.Dial(srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = co.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := co.Get(ctx, "/ts/lamp/ostate", message.Option{ID: message.URIQuery, Value: []byte("auth=s3cret")})
	require.NoError(t, err)
	assert.Equal(t, codes.Content, resp.Code())
	cf, err := resp.ContentFormat()
	require.NoError(t, err)
	assert.Equal(t, message.AppJSON, cf)
	body, err := resp.ReadBody()
	require.NoError(t, err)
	assert.Equal(t, `{"on":false}`+"\n", string(body))

	reqs := fr.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/ts/lamp/ostate", reqs[0].Path)
	assert.Equal(t, []byte("s3cret"), reqs[0].Caller.Password)
	assert.Equal(t, 0, srv.Observers())
}

func TestServerPut(t *testing.T) {
	fr := newFakeRouter(encoder.Response{Code: codes.Changed, ContentFormat: message.AppJSON, Body: []byte("{}\n")})
	srv := startServer(t, fr)

	co, err := udp.Dial(srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = co.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := co.Put(ctx, "/ts/lamp/ostate", message.AppJSON, bytes.NewReader([]byte(`{"on":true}`)))
	require.NoError(t, err)
	assert.Equal(t, codes.Changed, resp.Code())

	fr.mu.Lock()
	defer fr.mu.Unlock()
	require.Len(t, fr.bodies, 1)
	assert.Equal(t, `{"on":true}`, string(fr.bodies[0]))
	assert.Equal(t, message.AppJSON, fr.reqs[0].ContentFormat)
}

func TestServerObserve(t *testing.T) {
	fr := newFakeRouter(encoder.Response{
		Code:          codes.Content,
		ContentFormat: message.AppJSON,
		Body:          []byte(`{"on":false}` + "\n"),
	})
	srv := startServer(t, fr)

	co, err := udp.Dial(srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = co.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	notes := make(chan string, 8)
	obs, err := co.Observe(ctx, "/ts/lamp/ostate", func(m *pool.Message) {
		body, err := m.ReadBody()
		if err != nil {
			return
		}
		select {
		case notes <- string(body):
		default:
		}
	})
	require.NoError(t, err)

	select {
	case n := <-notes:
		assert.Equal(t, `{"on":false}`+"\n", n)
	case <-ctx.Done():
		t.Fatal("no initial notification")
	}

	var ex router.Exchange
	select {
	case ex = <-fr.exs:
	case <-ctx.Done():
		t.Fatal("observation not served")
	}
	assert.Eventually(t, func() bool { return srv.Observers() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, ex.Write(encoder.Response{
		Code:          codes.Content,
		ContentFormat: message.AppJSON,
		Body:          []byte(`{"on":true}` + "\n"),
		NoEnd:         true,
	}))

	select {
	case n := <-notes:
		assert.Equal(t, `{"on":true}`+"\n", n)
	case <-ctx.Done():
		t.Fatal("no pushed notification")
	}

	require.NoError(t, obs.Cancel(ctx))

	select {
	case <-ex.Done():
	case <-ctx.Done():
		t.Fatal("exchange not closed after deregistration")
	}
	assert.Eventually(t, func() bool { return srv.Observers() == 0 }, time.Second, 10*time.Millisecond)
	assert.Error(t, ex.Write(encoder.Response{Code: codes.Content, NoEnd: true}))
}

func TestServerShutdownClosesObservations(t *testing.T) {
	fr := newFakeRouter(encoder.Response{Code: codes.Content, ContentFormat: message.AppJSON, Body: []byte("{}\n")})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(Config{Address: "127.0.0.1:0", Logger: logger}, fr)

	sctx, stop := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Listen(sctx) }()
	<-srv.Ready()

	co, err := udp.Dial(srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = co.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = co.Observe(ctx, "/ts/lamp/ostate", func(*pool.Message) {})
	require.NoError(t, err)

	var ex router.Exchange
	select {
	case ex = <-fr.exs:
	case <-ctx.Done():
		t.Fatal("observation not served")
	}
	assert.Eventually(t, func() bool { return srv.Observers() == 1 }, time.Second, 10*time.Millisecond)

	stop()
	require.NoError(t, <-errCh)

	select {
	case <-ex.Done():
	case <-ctx.Done():
		t.Fatal("exchange not closed on shutdown")
	}
}

type fakeSession struct {
	addr   gonet.Addr
	closed bool
}

func (f *fakeSession) RemoteAddr() gonet.Addr { return f.addr }

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func TestCloseInactive(t *testing.T) {
	srv := New(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}, newFakeRouter(encoder.Response{}))
	srv.observers[observerKey("10.0.0.1:5683", message.Token{0x01})] = &exchange{}

	cases := []struct {
		desc   string
		addr   string
		closed bool
	}{
		{desc: "session with an observation", addr: "10.0.0.1:5683", closed: false},
		{desc: "session without observations", addr: "10.0.0.1:5684", closed: true},
		{desc: "other host", addr: "10.0.0.2:5683", closed: true},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			sess := &fakeSession{addr: gonet.UDPAddrFromAddrPort(netip.MustParseAddrPort(tc.addr))}
			srv.closeInactive(sess)
			assert.Equal(t, tc.closed, sess.closed)
		})
	}
}

func TestServerObserveOutlivesInactivity(t *testing.T) {
	fr := newFakeRouter(encoder.Response{
		Code:          codes.Content,
		ContentFormat: message.AppJSON,
		Body:          []byte(`{"on":false}` + "\n"),
	})
	srv := startServerConfig(t, Config{
		InactivityTimeout: 50 * time.Millisecond,
		CheckInterval:     10 * time.Millisecond,
	}, fr)

	co, err := udp.Dial(srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = co.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	notes := make(chan string, 8)
	_, err = co.Observe(ctx, "/ts/lamp/ostate", func(m *pool.Message) {
		body, err := m.ReadBody()
		if err != nil {
			return
		}
		select {
		case notes <- string(body):
		default:
		}
	})
	require.NoError(t, err)
	<-notes

	var ex router.Exchange
	select {
	case ex = <-fr.exs:
	case <-ctx.Done():
		t.Fatal("observation not served")
	}
	assert.Eventually(t, func() bool { return srv.Observers() == 1 }, time.Second, 10*time.Millisecond)

	// Several inactivity periods pass with no traffic from the client.
	time.Sleep(300 * time.Millisecond)

	select {
	case <-ex.Done():
		t.Fatal("observation ended while idle")
	default:
	}
	require.NoError(t, ex.Write(encoder.Response{
		Code:          codes.Content,
		ContentFormat: message.AppJSON,
		Body:          []byte(`{"on":true}` + "\n"),
		NoEnd:         true,
	}))

	select {
	case n := <-notes:
		assert.Equal(t, `{"on":true}`+"\n", n)
	case <-ctx.Done():
		t.Fatal("no pushed notification after idle period")
	}
	assert.Equal(t, 1, srv.Observers())
}
