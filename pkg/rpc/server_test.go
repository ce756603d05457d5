// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticVerifier string

func (v staticVerifier) VerifyToken(token string) error {
	if token != string(v) {
		return errors.New("bad token")
	}
	return nil
}

// chanListener hands out server halves of fake pairs.
type chanListener struct {
	ch   chan Transport
	done chan struct{}
}

func newChanListener() *chanListener {
	return &chanListener{ch: make(chan Transport), done: make(chan struct{})}
}

func (l *chanListener) Accept() (Transport, Address, error) {
	select {
	case t := <-l.ch:
		return t, MustParseAddress("fake://remote:1"), nil
	case <-l.done:
		return nil, Address{}, ErrConnectionClosed
	}
}

func (l *chanListener) Close() error {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	return nil
}

func (l *chanListener) Addr() Address {
	return MustParseAddress("fake://server:1")
}

// connect dials the listener and returns a connected client mux.
func (l *chanListener) connect(t *testing.T, opts ...MuxOption) *Mux {
	t.Helper()
	ct, st := newFakePair()
	l.ch <- st
	c := NewConn(testAddr, ct)
	m := NewMux(c, nil, opts...)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return m
}

func startServer(t *testing.T, s *Server) *chanListener {
	t.Helper()
	l := newChanListener()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(l) }()
	t.Cleanup(func() {
		require.NoError(t, s.Close())
		require.NoError(t, <-errCh)
	})
	return l
}

func TestServer_ServeAndClose(t *testing.T) {
	s := testHandler()
	l := startServer(t, s)

	m := l.connect(t)
	req, _ := NewMessage(echoArgs{Text: "hi"})
	_, err := m.Call(context.Background(), "echo", req, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Connections())

	m.Close()
	require.Eventually(t, func() bool { return s.Connections() == 0 }, time.Second, time.Millisecond)
}

func TestServer_CloseDropsConnections(t *testing.T) {
	s := testHandler()
	l := newChanListener()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(l) }()

	m := l.connect(t)
	require.Eventually(t, func() bool { return s.Connections() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, s.Close())
	require.NoError(t, <-errCh)
	assert.Equal(t, 0, s.Connections())
	assert.True(t, m.Conn().IsClosed())

	assert.ErrorIs(t, s.Serve(newChanListener()), ErrConnectionClosed)
}

func TestServer_Verifier(t *testing.T) {
	s := NewServer(staticVerifier("secret"))
	s.Handle("ping", func(ctx context.Context, req *Request) (*Message, error) {
		return NewMessage(map[string]string{"pong": req.Conn.ID()})
	})
	l := startServer(t, s)

	good := l.connect(t, WithToken(func() string { return "secret" }))
	_, err := good.Call(context.Background(), "ping", nil, time.Second)
	require.NoError(t, err)

	bad := l.connect(t, WithToken(func() string { return "guess" }))
	_, err = bad.Call(context.Background(), "ping", nil, time.Second)
	require.ErrorIs(t, err, ErrUnauthorized)

	anon := l.connect(t)
	_, err = anon.Call(context.Background(), "ping", nil, time.Second)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestServer_UnknownOp(t *testing.T) {
	l := startServer(t, NewServer(nil))
	m := l.connect(t)

	_, err := m.Call(context.Background(), "does_not_exist", nil, time.Second)
	require.ErrorIs(t, err, ErrUnknownOp)
	assert.Contains(t, err.Error(), "does_not_exist")
}

func TestServer_NilHandlerMux(t *testing.T) {
	p := newTestPeers(t, nil)

	_, err := p.client.Call(context.Background(), "anything", nil, time.Second)
	require.ErrorIs(t, err, ErrUnknownOp)
}
