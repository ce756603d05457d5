// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/LeeDigitalWorks/zapgate/pkg/rpc"
)

const tcpKeepAlive = 30 * time.Second

func init() {
	rpc.RegisterTransport("tcp", DialTCP, ListenTCP)
	rpc.RegisterTransport("tls", DialTCP, ListenTCP)
}

// DialTCP returns a transport that dials addr when connected. The tls
// scheme requires opts.TLS.
func DialTCP(addr rpc.Address, opts rpc.DialOptions) (rpc.Transport, error) {
	if addr.Port == 0 {
		return nil, fmt.Errorf("tcp address %s has no port", addr)
	}
	if addr.Scheme == "tls" && opts.TLS == nil {
		return nil, fmt.Errorf("tls address %s requires a TLS config", addr)
	}

	return newDialed(func() (link, error) {
		d := &net.Dialer{Timeout: opts.DialTimeout, KeepAlive: tcpKeepAlive}
		var (
			c   net.Conn
			err error
		)
		if addr.Scheme == "tls" {
			c, err = (&tls.Dialer{NetDialer: d, Config: opts.TLS}).Dial("tcp", addr.HostPort())
		} else {
			c, err = d.Dial("tcp", addr.HostPort())
		}
		if err != nil {
			return nil, err
		}
		if tc, ok := c.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
		return newStreamLink(c), nil
	}), nil
}

type tcpListener struct {
	l      net.Listener
	scheme string
	addr   rpc.Address
}

// ListenTCP listens on addr. Port 0 picks a free port, reported by Addr.
func ListenTCP(addr rpc.Address, opts rpc.ListenOptions) (rpc.Listener, error) {
	var (
		l        net.Listener
		err      error
		hostPort = net.JoinHostPort(addr.Host, strconv.Itoa(addr.Port))
	)
	if addr.Scheme == "tls" {
		if opts.TLS == nil {
			return nil, fmt.Errorf("tls listener %s requires a TLS config", addr)
		}
		l, err = tls.Listen("tcp", hostPort, opts.TLS)
	} else {
		l, err = net.Listen("tcp", hostPort)
	}
	if err != nil {
		return nil, err
	}

	bound := addr
	if ta, ok := l.Addr().(*net.TCPAddr); ok {
		bound.Port = ta.Port
	}
	return &tcpListener{l: l, scheme: addr.Scheme, addr: bound}, nil
}

func (l *tcpListener) Accept() (rpc.Transport, rpc.Address, error) {
	c, err := l.l.Accept()
	if err != nil {
		return nil, rpc.Address{}, err
	}
	return newAccepted(newStreamLink(c)), remoteAddress(l.scheme, c.RemoteAddr().String()), nil
}

func (l *tcpListener) Close() error {
	return l.l.Close()
}

func (l *tcpListener) Addr() rpc.Address {
	return l.addr
}
