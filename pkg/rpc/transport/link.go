// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport provides rpc.Transport adapters: tcp (and tls), ws
// (and wss), grpc, and an in-process pipe. Importing the package registers
// every scheme with the rpc package.
package transport

import (
	"errors"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/LeeDigitalWorks/zapgate/pkg/rpc"
)

var errLinkClosed = errors.New("link closed")

// link is a connected, message oriented channel. ReadFrame is only called
// from one goroutine; WriteFrame calls are serialized by rpc.Conn.
type link interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

// transport adapts a link to rpc.Transport. Dialed transports carry a dial
// func; accepted ones are created around an existing link.
type transport struct {
	dial func() (link, error)

	mu     sync.Mutex
	ev     rpc.Events
	link   link
	closed bool
}

func newDialed(dial func() (link, error)) *transport {
	return &transport{dial: dial}
}

func newAccepted(l link) *transport {
	return &transport{link: l}
}

func (t *transport) Bind(ev rpc.Events) {
	t.mu.Lock()
	t.ev = ev
	l := t.link
	t.mu.Unlock()

	if l != nil {
		go t.readLoop(l)
	}
}

func (t *transport) Connect() error {
	if t.dial == nil {
		return nil
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errLinkClosed
	}
	t.mu.Unlock()

	go func() {
		l, err := t.dial()
		if err != nil {
			t.ev.Error(err)
			return
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			l.Close()
			return
		}
		t.link = l
		t.mu.Unlock()

		t.ev.Connected()
		t.readLoop(l)
	}()
	return nil
}

func (t *transport) Send(frame []byte) error {
	t.mu.Lock()
	l, closed := t.link, t.closed
	t.mu.Unlock()

	if closed {
		return errLinkClosed
	}
	if l == nil {
		return errors.New("link not established")
	}
	return l.WriteFrame(frame)
}

func (t *transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	l := t.link
	t.mu.Unlock()

	if l != nil {
		return l.Close()
	}
	return nil
}

func (t *transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *transport) readLoop(l link) {
	for {
		frame, err := l.ReadFrame()
		if err != nil {
			switch {
			case t.isClosed():
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, errLinkClosed):
				t.ev.Closed()
			default:
				t.ev.Error(err)
			}
			return
		}
		t.ev.Message(frame)
	}
}

// acceptQueue hands accepted transports to Listener.Accept.
type acceptQueue struct {
	ch        chan accepted
	done      chan struct{}
	closeOnce sync.Once
}

type accepted struct {
	t      rpc.Transport
	remote rpc.Address
}

func newAcceptQueue() *acceptQueue {
	return &acceptQueue{
		ch:   make(chan accepted),
		done: make(chan struct{}),
	}
}

func (q *acceptQueue) push(t rpc.Transport, remote rpc.Address) bool {
	select {
	case q.ch <- accepted{t: t, remote: remote}:
		return true
	case <-q.done:
		return false
	}
}

func (q *acceptQueue) accept() (rpc.Transport, rpc.Address, error) {
	select {
	case a := <-q.ch:
		return a.t, a.remote, nil
	case <-q.done:
		return nil, rpc.Address{}, net.ErrClosed
	}
}

func (q *acceptQueue) close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// remoteAddress turns a "host:port" peer string into an rpc.Address.
func remoteAddress(scheme, hostPort string) rpc.Address {
	a := rpc.Address{Scheme: scheme}
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		a.Host = hostPort
		return a
	}
	a.Host = host
	if p, err := strconv.Atoi(port); err == nil {
		a.Port = p
	}
	return a
}
