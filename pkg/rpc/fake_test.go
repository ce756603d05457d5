// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeTransport is a scriptable Transport. Two fakes can be paired so that
// frames sent on one arrive on the other.
type fakeTransport struct {
	mu           sync.Mutex
	ev           Events
	peer         *fakeTransport
	autoConnect  bool
	connectErr   error
	sendErr      error
	connectCalls int
	sent         [][]byte
	closed       bool
}

func newFakePair() (*fakeTransport, *fakeTransport) {
	a := &fakeTransport{autoConnect: true}
	b := &fakeTransport{}
	a.peer, b.peer = b, a
	return a, b
}

func (f *fakeTransport) Bind(ev Events) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ev = ev
}

func (f *fakeTransport) Connect() error {
	f.mu.Lock()
	f.connectCalls++
	auto, err := f.autoConnect, f.connectErr
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if auto {
		f.ev.Connected()
	}
	return nil
}

func (f *fakeTransport) Send(frame []byte) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return errors.New("fake: closed")
	}
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, frame)
	peer := f.peer
	f.mu.Unlock()

	if peer != nil {
		peer.deliver(frame)
	}
	return nil
}

func (f *fakeTransport) deliver(frame []byte) {
	f.mu.Lock()
	ev, closed := f.ev, f.closed
	f.mu.Unlock()
	if ev != nil && !closed {
		ev.Message(frame)
	}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	peer := f.peer
	f.mu.Unlock()

	if peer != nil {
		peer.remoteClosed()
	}
	return nil
}

func (f *fakeTransport) remoteClosed() {
	f.mu.Lock()
	ev, closed := f.ev, f.closed
	f.mu.Unlock()
	if ev != nil && !closed {
		ev.Closed()
	}
}

func (f *fakeTransport) signalConnected() {
	f.ev.Connected()
}

func (f *fakeTransport) signalError(err error) {
	f.ev.Error(err)
}

func (f *fakeTransport) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

func (f *fakeTransport) connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeNetwork serves "fake://name" addresses from in-process handlers.
type fakeNetwork struct {
	mu       sync.Mutex
	handlers map[string]Handler
	accepted []*Conn
	dials    atomic.Int64
	refuse   atomic.Bool
}

var (
	fakeNetMu  sync.Mutex
	fakeNetCur *fakeNetwork
)

func init() {
	RegisterTransport("fake", func(addr Address, _ DialOptions) (Transport, error) {
		fakeNetMu.Lock()
		n := fakeNetCur
		fakeNetMu.Unlock()
		if n == nil {
			return nil, errors.New("fake network not installed")
		}
		return n.dial(addr)
	}, nil)
}

// installFakeNetwork makes the fake scheme resolve against a fresh network
// for the duration of the test. Tests using it must not run in parallel.
func installFakeNetwork(t *testing.T) *fakeNetwork {
	t.Helper()
	n := &fakeNetwork{handlers: make(map[string]Handler)}
	fakeNetMu.Lock()
	fakeNetCur = n
	fakeNetMu.Unlock()
	t.Cleanup(func() {
		fakeNetMu.Lock()
		fakeNetCur = nil
		fakeNetMu.Unlock()
		n.closeAll()
	})
	return n
}

func (n *fakeNetwork) listen(name string, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[name] = h
}

func (n *fakeNetwork) dial(addr Address) (Transport, error) {
	n.dials.Add(1)
	n.mu.Lock()
	h, ok := n.handlers[addr.Host]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fake: no listener %q", addr.Host)
	}

	client, server := newFakePair()
	if n.refuse.Load() {
		client.autoConnect = false
		client.connectErr = errors.New("fake: connection refused")
		return client, nil
	}

	conn := NewConn(Address{Scheme: "fake", Host: addr.Host + "-peer"}, server, Accepted())
	NewMux(conn, h)
	n.mu.Lock()
	n.accepted = append(n.accepted, conn)
	n.mu.Unlock()
	return client, nil
}

func (n *fakeNetwork) closeAll() {
	n.mu.Lock()
	conns := n.accepted
	n.accepted = nil
	n.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}
