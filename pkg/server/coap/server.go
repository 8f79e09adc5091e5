// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"context"
	"fmt"
	"log/slog"
	gonet "net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/absmach/thingsgate/pkg/handler"
	"github.com/absmach/thingsgate/pkg/router"
	"github.com/google/uuid"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/mux"
	"github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/pkg/runner/periodic"
	"github.com/plgd-dev/go-coap/v3/udp"
	udpclient "github.com/plgd-dev/go-coap/v3/udp/client"
)

const (
	// Protocol is reported in handler.Context.Protocol.
	Protocol = "coap"

	nextQuery = "next="
	authQuery = "auth="

	defaultInactivityTimeout = 16 * time.Second
	defaultCheckInterval     = 4 * time.Second
)

// Observe option values from RFC 7641.
const (
	observeRegister   = 0
	observeDeregister = 1
)

// Server serves a Router over CoAP/UDP.
type Server struct {
	config Config
	router Router

	mu        sync.Mutex
	observers map[string]*exchange

	ready chan struct{}
	addr  gonet.Addr
}

// Config holds the CoAP server configuration.
type Config struct {
	// Address is the UDP listen address, e.g. ":5683".
	Address string

	// InactivityTimeout closes sessions that sent nothing for this long.
	// Sessions holding an open observation are kept, since notifications
	// are non-confirmable and never draw traffic back. Defaults to 16s.
	InactivityTimeout time.Duration

	// CheckInterval is how often sessions are checked for inactivity.
	// Defaults to 4s.
	CheckInterval time.Duration

	Logger *slog.Logger
}

// session is the part of a CoAP connection the inactivity check uses.
type session interface {
	RemoteAddr() gonet.Addr
	Close() error
}

// Router serves one request on an exchange.
type Router interface {
	Serve(ctx context.Context, req router.Request, ex router.Exchange)
}

// New creates a CoAP server.
func New(cfg Config, r Router) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":5683"
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = defaultInactivityTimeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	return &Server{
		config:    cfg,
		router:    r,
		observers: make(map[string]*exchange),
		ready:     make(chan struct{}),
	}
}

// Listen starts the server and blocks until ctx is cancelled or the server
// fails. Open observations are ended on shutdown.
func (s *Server) Listen(ctx context.Context) error {
	l, err := net.NewListenUDP("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	defer l.Close()

	m := mux.NewRouter()
	m.DefaultHandle(mux.HandlerFunc(s.handle))
	srv := udp.NewServer(
		options.WithMux(m),
		options.WithPeriodicRunner(periodic.New(ctx.Done(), s.config.CheckInterval)),
		options.WithInactivityMonitor(s.config.InactivityTimeout, func(cc *udpclient.Conn) {
			s.closeInactive(cc)
		}),
	)

	s.addr = l.LocalAddr()
	close(s.ready)

	s.config.Logger.Info("CoAP server started", slog.String("address", s.addr.String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(l)
	}()

	select {
	case <-ctx.Done():
		s.config.Logger.Info("shutting down CoAP server", slog.String("address", s.addr.String()))
		srv.Stop()
		s.closeObservers()
		<-errCh
		return nil
	case err := <-errCh:
		s.closeObservers()
		if err != nil {
			return fmt.Errorf("CoAP server stopped: %w", err)
		}
		return nil
	}
}

// Ready is closed once the server is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address. Valid after Ready is closed.
func (s *Server) Addr() gonet.Addr {
	return s.addr
}

// Observers returns the number of open observations.
func (s *Server) Observers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers)
}

func (s *Server) handle(w mux.ResponseWriter, r *mux.Message) {
	conn := w.Conn()
	remote := conn.RemoteAddr().String()
	req, dereg := buildRequest(r, remote)
	key := observerKey(remote, r.Token())

	// A re-registration or an explicit deregistration ends the previous
	// observation on the same token.
	if req.Observe || dereg {
		s.drop(key)
	}

	ex := newExchange(w, r.Token())
	s.router.Serve(conn.Context(), req, ex)
	if !ex.leave() {
		return
	}

	s.mu.Lock()
	s.observers[key] = ex
	s.mu.Unlock()

	go func() {
		select {
		case <-conn.Context().Done():
			ex.close()
		case <-ex.Done():
		}
		s.mu.Lock()
		if s.observers[key] == ex {
			delete(s.observers, key)
		}
		s.mu.Unlock()
	}()
}

// closeInactive closes an idle session unless it still has observers.
func (s *Server) closeInactive(cc session) {
	remote := cc.RemoteAddr().String()
	if s.observing(remote) {
		return
	}
	s.config.Logger.Debug("closing inactive CoAP session", slog.String("remote", remote))
	if err := cc.Close(); err != nil {
		s.config.Logger.Warn("failed to close inactive CoAP session",
			slog.String("remote", remote),
			slog.String("error", err.Error()))
	}
}

func (s *Server) observing(remote string) bool {
	prefix := remote + "|"
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.observers {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

func (s *Server) drop(key string) {
	s.mu.Lock()
	ex, ok := s.observers[key]
	delete(s.observers, key)
	s.mu.Unlock()
	if ok {
		ex.close()
	}
}

func (s *Server) closeObservers() {
	s.mu.Lock()
	observers := s.observers
	s.observers = make(map[string]*exchange)
	s.mu.Unlock()
	for _, ex := range observers {
		ex.close()
	}
}

func observerKey(remote string, token message.Token) string {
	return remote + "|" + token.String()
}

// buildRequest converts a CoAP message into a router request. The second
// result reports an Observe deregistration.
func buildRequest(r *mux.Message, remote string) (router.Request, bool) {
	opts := r.Options()
	req := router.Request{
		Method: r.Code(),
		Path:   requestPath(opts),
		Body:   r.Body(),
		Caller: handler.Context{
			SessionID:  uuid.NewString(),
			RemoteAddr: remote,
			Protocol:   Protocol,
		},
	}

	if queries, err := opts.Queries(); err == nil {
		for _, q := range queries {
			if v, ok := strings.CutPrefix(q, nextQuery); ok {
				req.Next = v
			}
			if v, ok := strings.CutPrefix(q, authQuery); ok {
				req.Caller.Password = []byte(v)
			}
		}
	}

	if v, err := opts.GetUint32(message.Accept); err == nil {
		req.Accept = message.MediaType(v)
		req.HasAccept = true
	}
	if v, err := opts.GetUint32(message.ContentFormat); err == nil {
		req.ContentFormat = message.MediaType(v)
	}

	var dereg bool
	if obs, err := opts.Observe(); err == nil {
		switch obs {
		case observeRegister:
			req.Observe = true
		case observeDeregister:
			dereg = true
		}
	}
	return req, dereg
}

// requestPath escapes each Uri-Path segment and joins them with "/".
func requestPath(opts message.Options) string {
	var b strings.Builder
	for _, o := range opts {
		if o.ID != message.URIPath {
			continue
		}
		b.WriteByte('/')
		b.WriteString(url.PathEscape(string(o.Value)))
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}
