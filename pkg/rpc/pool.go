// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeeDigitalWorks/zapgate/pkg/logger"

	"golang.org/x/time/rate"
)

// Pool hands out one shared multiplexed connection per peer address. A
// connection is evicted when it closes and the next Acquire dials afresh.
type Pool struct {
	mu     sync.RWMutex
	hosts  map[string]*hostEntry
	opts   Options
	closed atomic.Bool
}

type hostEntry struct {
	addr    Address
	dialMu  sync.Mutex // one dial at a time per address
	mux     atomic.Pointer[Mux]
	limiter *rate.Limiter
}

// NewPool creates a new connection pool
func NewPool(opts ...Option) *Pool {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &Pool{
		hosts: make(map[string]*hostEntry),
		opts:  options,
	}
}

// Acquire returns a connected Mux for address, dialing if needed.
// Concurrent callers for the same address share one dial.
func (p *Pool) Acquire(ctx context.Context, address string) (*Mux, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	he, err := p.getOrCreateHost(address)
	if err != nil {
		return nil, err
	}
	if m := he.mux.Load(); m != nil && m.conn.State() == StateConnected {
		return m, nil
	}

	he.dialMu.Lock()
	defer he.dialMu.Unlock()

	// Double-check after waiting for another dialer. A connection left
	// connecting by an abandoned wait is joined rather than redialed.
	if m := he.mux.Load(); m != nil {
		switch m.conn.State() {
		case StateConnected:
			return m, nil
		case StateInit, StateConnecting:
			if err := m.conn.Connect(ctx); err != nil {
				return nil, fmt.Errorf("connect %s: %w", he.addr, err)
			}
			return m, nil
		}
	}
	if err := he.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	m, err := p.dial(ctx, he)
	if err != nil {
		return nil, err
	}
	if p.closed.Load() {
		m.Close()
		return nil, ErrPoolClosed
	}
	return m, nil
}

func (p *Pool) getOrCreateHost(address string) (*hostEntry, error) {
	// Fast path: check if exists
	p.mu.RLock()
	he, exists := p.hosts[address]
	p.mu.RUnlock()
	if exists {
		return he, nil
	}

	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}

	// Slow path: create new
	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check
	if he, exists := p.hosts[address]; exists {
		return he, nil
	}

	limit := rate.Limit(p.opts.DialRate)
	if p.opts.DialRate <= 0 {
		limit = rate.Inf
	}
	he = &hostEntry{
		addr:    addr,
		limiter: rate.NewLimiter(limit, max(p.opts.DialBurst, 1)),
	}
	p.hosts[address] = he

	logger.Debug().Str("address", address).Msg("created new host entry")
	return he, nil
}

func (p *Pool) dial(ctx context.Context, he *hostEntry) (*Mux, error) {
	t, err := Dial(he.addr, DialOptions{DialTimeout: p.opts.ConnectTimeout, TLS: p.opts.TLS})
	if err != nil {
		return nil, err
	}

	var m *Mux
	conn := NewConn(he.addr, t,
		WithConnectTimeout(p.opts.ConnectTimeout),
		WithCloseHook(func(c *Conn, cause error) {
			if m != nil && he.mux.CompareAndSwap(m, nil) {
				logger.Debug().Str("address", he.addr.String()).Str("conn", c.ID()).AnErr("cause", cause).Msg("evicted connection from pool")
			}
		}),
	)
	muxOpts := []MuxOption{WithDefaultTimeout(p.opts.RequestTimeout)}
	if p.opts.Token != nil {
		muxOpts = append(muxOpts, WithToken(p.opts.Token))
	}
	m = NewMux(conn, p.opts.Handler, muxOpts...)
	he.mux.Store(m)

	// A failed attempt closes the conn, which evicts it through the hook.
	// An abandoned wait leaves it connecting for the next Acquire to join.
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", he.addr, err)
	}
	return m, nil
}

// Call acquires a connection to address and performs one call. A call that
// failed with ErrNotConnected or ErrConnectionClosed before its request was
// written is retried once on a fresh connection.
func (p *Pool) Call(ctx context.Context, address, op string, req *Message, timeout time.Duration) (*Message, error) {
	for attempt := 0; ; attempt++ {
		m, err := p.Acquire(ctx, address)
		if err != nil {
			return nil, err
		}
		resp, err := m.Call(ctx, op, req, timeout)
		if err != nil && attempt == 0 && notSent(err) {
			continue
		}
		return resp, err
	}
}

// Remove closes and forgets the connection for an address
func (p *Pool) Remove(address string) {
	p.mu.Lock()
	he, exists := p.hosts[address]
	if exists {
		delete(p.hosts, address)
	}
	p.mu.Unlock()

	if exists {
		if m := he.mux.Swap(nil); m != nil {
			m.Close()
		}
		logger.Debug().Str("address", address).Msg("removed host from pool")
	}
}

// Close closes all connections in the pool
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	p.mu.Lock()
	hosts := p.hosts
	p.hosts = make(map[string]*hostEntry)
	p.mu.Unlock()

	for _, he := range hosts {
		if m := he.mux.Swap(nil); m != nil {
			m.Close()
		}
	}
	return nil
}

// Addresses returns the addresses that currently hold a live connection
func (p *Pool) Addresses() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	addrs := make([]string, 0, len(p.hosts))
	for addr, he := range p.hosts {
		if m := he.mux.Load(); m != nil && !m.conn.IsClosed() {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}
