// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"
)

// Events receives signals from a transport. Implementations are called from
// the transport's own goroutines.
type Events interface {
	// Connected reports that the link is usable.
	Connected()
	// Message delivers one inbound frame. Frames arrive in transport order.
	Message(frame []byte)
	// Closed reports that the link went away.
	Closed()
	// Error reports a link failure.
	Error(err error)
}

// Transport is a framed, bidirectional link to one peer.
//
// Bind is called exactly once, before any other method. A dialed transport
// starts dialing on Connect and reports the outcome with exactly one of
// Connected or Error. An accepted transport is already connected and begins
// delivering frames as soon as it is bound.
type Transport interface {
	Bind(ev Events)
	Connect() error
	Send(frame []byte) error
	Close() error
}

// Listener accepts inbound transports.
type Listener interface {
	Accept() (Transport, Address, error)
	Close() error
	Addr() Address
}

// DialOptions are passed to transport dialers.
type DialOptions struct {
	DialTimeout time.Duration
	TLS         *tls.Config
}

// ListenOptions are passed to transport listeners.
type ListenOptions struct {
	TLS *tls.Config
}

type (
	Dialer     func(addr Address, opts DialOptions) (Transport, error)
	ListenFunc func(addr Address, opts ListenOptions) (Listener, error)
)

var (
	registryMu sync.RWMutex
	dialers    = make(map[string]Dialer)
	listeners  = make(map[string]ListenFunc)
)

// RegisterTransport makes a transport available for a URL scheme.
func RegisterTransport(scheme string, d Dialer, l ListenFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if d != nil {
		dialers[scheme] = d
	}
	if l != nil {
		listeners[scheme] = l
	}
}

// Dial creates an unconnected transport for addr.
func Dial(addr Address, opts DialOptions) (Transport, error) {
	registryMu.RLock()
	d, ok := dialers[addr.Scheme]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("rpc: no transport registered for scheme %q", addr.Scheme)
	}
	return d(addr, opts)
}

// Listen opens a listener for addr.
func Listen(addr Address, opts ListenOptions) (Listener, error) {
	registryMu.RLock()
	l, ok := listeners[addr.Scheme]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("rpc: no listener registered for scheme %q", addr.Scheme)
	}
	return l(addr, opts)
}
