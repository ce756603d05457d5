// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"errors"
	"sync"

	"github.com/LeeDigitalWorks/zapgate/pkg/logger"
)

// Verifier checks the auth token carried by inbound requests.
type Verifier interface {
	VerifyToken(token string) error
}

// Server dispatches inbound requests to per-operation handlers. It serves
// any number of listeners and can also be used as the Handler of a Pool so
// peers can call back over outbound connections.
type Server struct {
	mu        sync.Mutex
	handlers  map[string]HandlerFunc
	verifier  Verifier
	conns     map[*Conn]struct{}
	listeners []Listener
	closed    bool
	wg        sync.WaitGroup
}

// NewServer creates a server. verifier may be nil to accept every request.
func NewServer(verifier Verifier) *Server {
	return &Server{
		handlers: make(map[string]HandlerFunc),
		verifier: verifier,
		conns:    make(map[*Conn]struct{}),
	}
}

// Handle registers fn for op, replacing any earlier registration.
func (s *Server) Handle(op string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[op] = fn
}

// ServeRPC implements Handler.
func (s *Server) ServeRPC(ctx context.Context, req *Request) (*Message, error) {
	if s.verifier != nil {
		if err := s.verifier.VerifyToken(req.Auth); err != nil {
			logger.Debug().Err(err).Str("op", req.Op).Str("request_id", req.ID).Msg("rejected request")
			return nil, NewError(CodeUnauthorized, "%s: %v", req.Op, err)
		}
	}

	s.mu.Lock()
	fn, ok := s.handlers[req.Op]
	s.mu.Unlock()
	if !ok {
		return nil, NewError(CodeUnknownOp, "%s", req.Op)
	}
	return fn(ctx, req)
}

// Serve accepts transports from l until l is closed. It returns nil after
// Close.
func (s *Server) Serve(l Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return ErrConnectionClosed
	}
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	logger.Info().Str("addr", l.Addr().String()).Msg("rpc server listening")

	for {
		t, remote, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		s.accept(t, remote)
	}
}

func (s *Server) accept(t Transport, remote Address) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		t.Close()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	conn := NewConn(remote, t, Accepted(), WithCloseHook(func(c *Conn, _ error) {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		s.wg.Done()
	}))

	s.mu.Lock()
	if !conn.IsClosed() {
		s.conns[conn] = struct{}{}
	}
	s.mu.Unlock()

	NewMux(conn, s)
	logger.Debug().Str("conn", conn.ID()).Msg("accepted connection")
}

// Connections returns the number of live inbound connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops all listeners and closes every inbound connection.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := s.listeners
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var errs []error
	for _, l := range listeners {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
	return errors.Join(errs...)
}
