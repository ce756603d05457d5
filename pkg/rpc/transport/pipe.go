// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/LeeDigitalWorks/zapgate/pkg/rpc"
)

// The pipe scheme connects peers inside one process over net.Pipe, using
// the same framing as tcp. Addresses look like pipe://name.

func init() {
	rpc.RegisterTransport("pipe", DialPipe, ListenPipe)
}

var (
	pipesMu sync.Mutex
	pipes   = make(map[string]*pipeListener)

	pipeClients atomic.Int64
)

type pipeListener struct {
	name  string
	addr  rpc.Address
	queue *acceptQueue
}

// ListenPipe registers an in-process listener under the address host.
func ListenPipe(addr rpc.Address, _ rpc.ListenOptions) (rpc.Listener, error) {
	pipesMu.Lock()
	defer pipesMu.Unlock()
	if _, exists := pipes[addr.Host]; exists {
		return nil, fmt.Errorf("pipe %q already listening", addr.Host)
	}
	l := &pipeListener{name: addr.Host, addr: addr, queue: newAcceptQueue()}
	pipes[addr.Host] = l
	return l, nil
}

// DialPipe returns a transport that connects to a registered pipe listener.
func DialPipe(addr rpc.Address, _ rpc.DialOptions) (rpc.Transport, error) {
	return newDialed(func() (link, error) {
		pipesMu.Lock()
		l, ok := pipes[addr.Host]
		pipesMu.Unlock()
		if !ok {
			return nil, fmt.Errorf("pipe %q: connection refused", addr.Host)
		}

		client, server := net.Pipe()
		remote := rpc.Address{Scheme: "pipe", Host: fmt.Sprintf("%s-client-%d", addr.Host, pipeClients.Add(1))}
		if !l.queue.push(newAccepted(newStreamLink(server)), remote) {
			client.Close()
			server.Close()
			return nil, fmt.Errorf("pipe %q: connection refused", addr.Host)
		}
		return newStreamLink(client), nil
	}), nil
}

func (l *pipeListener) Accept() (rpc.Transport, rpc.Address, error) {
	return l.queue.accept()
}

func (l *pipeListener) Close() error {
	pipesMu.Lock()
	if pipes[l.name] == l {
		delete(pipes, l.name)
	}
	pipesMu.Unlock()
	l.queue.close()
	return nil
}

func (l *pipeListener) Addr() rpc.Address {
	return l.addr
}
