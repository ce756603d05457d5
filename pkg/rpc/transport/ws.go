// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/zapgate/pkg/logger"
	"github.com/LeeDigitalWorks/zapgate/pkg/rpc"

	"golang.org/x/net/websocket"
)

// DefaultWSPath is used when a ws address has no path.
const DefaultWSPath = "/rpc"

func init() {
	rpc.RegisterTransport("ws", DialWS, ListenWS)
	rpc.RegisterTransport("wss", DialWS, ListenWS)
}

// wsLink sends one frame per binary websocket message.
type wsLink struct {
	ws   *websocket.Conn
	done chan struct{}
	once sync.Once
}

func newWSLink(ws *websocket.Conn) *wsLink {
	ws.PayloadType = websocket.BinaryFrame
	ws.MaxPayloadBytes = MaxFrameSize
	return &wsLink{ws: ws, done: make(chan struct{})}
}

func (l *wsLink) ReadFrame() ([]byte, error) {
	var frame []byte
	if err := websocket.Message.Receive(l.ws, &frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (l *wsLink) WriteFrame(frame []byte) error {
	return websocket.Message.Send(l.ws, frame)
}

func (l *wsLink) Close() error {
	var err error
	l.once.Do(func() {
		err = l.ws.Close()
		close(l.done)
	})
	return err
}

func wsPath(addr rpc.Address) string {
	if addr.Path == "" {
		return DefaultWSPath
	}
	return addr.Path
}

// DialWS returns a websocket transport. wss uses opts.TLS, or the system
// roots when it is nil.
func DialWS(addr rpc.Address, opts rpc.DialOptions) (rpc.Transport, error) {
	origin := "http://" + addr.HostPort() + "/"
	if addr.Scheme == "wss" {
		origin = "https://" + addr.HostPort() + "/"
	}
	cfg, err := websocket.NewConfig(addr.Scheme+"://"+addr.HostPort()+wsPath(addr), origin)
	if err != nil {
		return nil, fmt.Errorf("ws config for %s: %w", addr, err)
	}
	cfg.TlsConfig = opts.TLS
	cfg.Dialer = &net.Dialer{Timeout: opts.DialTimeout}

	return newDialed(func() (link, error) {
		ws, err := websocket.DialConfig(cfg)
		if err != nil {
			return nil, err
		}
		return newWSLink(ws), nil
	}), nil
}

type wsListener struct {
	srv    *http.Server
	ln     net.Listener
	addr   rpc.Address
	scheme string
	queue  *acceptQueue
}

// ListenWS serves websocket upgrades on addr's path.
func ListenWS(addr rpc.Address, opts rpc.ListenOptions) (rpc.Listener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(addr.Host, strconv.Itoa(addr.Port)))
	if err != nil {
		return nil, err
	}
	if addr.Scheme == "wss" {
		if opts.TLS == nil {
			ln.Close()
			return nil, fmt.Errorf("wss listener %s requires a TLS config", addr)
		}
		ln = tls.NewListener(ln, opts.TLS)
	}

	bound := addr
	if ta, ok := ln.Addr().(*net.TCPAddr); ok {
		bound.Port = ta.Port
	}
	bound.Path = wsPath(addr)

	l := &wsListener{ln: ln, addr: bound, scheme: addr.Scheme, queue: newAcceptQueue()}

	mux := http.NewServeMux()
	mux.Handle(bound.Path, websocket.Server{Handler: l.handle})
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn().Err(err).Str("addr", bound.String()).Msg("websocket listener stopped")
		}
	}()
	return l, nil
}

// handle owns the websocket for its lifetime; returning closes it.
func (l *wsListener) handle(ws *websocket.Conn) {
	wl := newWSLink(ws)
	remote := remoteAddress(l.scheme, ws.Request().RemoteAddr)
	if !l.queue.push(newAccepted(wl), remote) {
		wl.Close()
		return
	}
	<-wl.done
}

func (l *wsListener) Accept() (rpc.Transport, rpc.Address, error) {
	return l.queue.accept()
}

func (l *wsListener) Close() error {
	l.queue.close()
	return l.srv.Close()
}

func (l *wsListener) Addr() rpc.Address {
	return l.addr
}
