// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"crypto/tls"
	"time"
)

const (
	// DefaultConnectTimeout bounds how long a connection may stay connecting.
	DefaultConnectTimeout = 5 * time.Second
	// DefaultRequestTimeout applies to calls made with a zero timeout.
	DefaultRequestTimeout = 10 * time.Second

	// Dial throttling per address
	DefaultDialRate  = 10 // dials per second
	DefaultDialBurst = 3

	inboundQueueSize = 64
)

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithConnectTimeout overrides DefaultConnectTimeout.
func WithConnectTimeout(d time.Duration) ConnOption {
	return func(c *Conn) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// Accepted marks a connection built around an inbound link. It starts in
// the connected state.
func Accepted() ConnOption {
	return func(c *Conn) {
		c.state = StateConnected
	}
}

// WithCloseHook registers fn to run synchronously when the connection closes.
func WithCloseHook(fn func(c *Conn, cause error)) ConnOption {
	return func(c *Conn) {
		c.hooks = append(c.hooks, fn)
	}
}

// MuxOption configures a Mux.
type MuxOption func(*Mux)

// WithDefaultTimeout sets the timeout used by calls that pass zero.
func WithDefaultTimeout(d time.Duration) MuxOption {
	return func(m *Mux) {
		if d > 0 {
			m.defaultTimeout = d
		}
	}
}

// WithToken attaches the token returned by fn to every outbound request.
func WithToken(fn func() string) MuxOption {
	return func(m *Mux) {
		m.token = fn
	}
}

// Options configures a Pool
type Options struct {
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	DialRate       float64
	DialBurst      int
	TLS            *tls.Config

	// Handler serves requests the peer sends back over pooled connections.
	Handler Handler
	// Token is attached to every outbound request when set.
	Token func() string
}

// DefaultOptions returns Options with sensible defaults
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: DefaultConnectTimeout,
		RequestTimeout: DefaultRequestTimeout,
		DialRate:       DefaultDialRate,
		DialBurst:      DefaultDialBurst,
	}
}

// Option modifies pool Options
type Option func(*Options)

func WithPoolConnectTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.ConnectTimeout = d
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.RequestTimeout = d
	}
}

// WithDialRate limits how often one address may be dialed.
func WithDialRate(perSecond float64, burst int) Option {
	return func(o *Options) {
		o.DialRate = perSecond
		o.DialBurst = burst
	}
}

func WithTLS(cfg *tls.Config) Option {
	return func(o *Options) {
		o.TLS = cfg
	}
}

func WithHandler(h Handler) Option {
	return func(o *Options) {
		o.Handler = h
	}
}

func WithPoolToken(fn func() string) Option {
	return func(o *Options) {
		o.Token = fn
	}
}
