// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeeDigitalWorks/zapgate/pkg/logger"

	"github.com/rs/zerolog"
)

// State is the lifecycle state of a Conn.
type State int32

const (
	StateInit State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var lastStamp atomic.Int64

// nextStamp returns a strictly increasing nanosecond stamp, so connection ids
// stay unique even when two are created within the same clock tick.
func nextStamp() int64 {
	for {
		now := time.Now().UnixNano()
		last := lastStamp.Load()
		if now <= last {
			now = last + 1
		}
		if lastStamp.CompareAndSwap(last, now) {
			return now
		}
	}
}

// Conn is one logical RPC link to a peer, driven through
// init -> connecting -> connected -> closed over a Transport.
// Closed is terminal; any transport error closes the connection.
type Conn struct {
	id             string
	addr           Address
	transport      Transport
	connectTimeout time.Duration
	log            zerolog.Logger

	mu          sync.Mutex
	state       State
	seq         uint64
	connectDone chan struct{} // non-nil while a connect attempt is outstanding
	connectErr  error
	timer       *time.Timer
	closeErr    error
	hooks       []func(*Conn, error)

	sendMu sync.Mutex
	frames chan []byte
	done   chan struct{}
}

// NewConn wraps transport and binds itself as the transport's event sink.
func NewConn(addr Address, transport Transport, opts ...ConnOption) *Conn {
	c := &Conn{
		id:             addr.String() + "(" + strconv.FormatInt(nextStamp(), 36) + ")",
		addr:           addr,
		transport:      transport,
		connectTimeout: DefaultConnectTimeout,
		state:          StateInit,
		frames:         make(chan []byte, inboundQueueSize),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logger.Component("rpc").With().Str("conn", c.id).Logger()

	OpenConnections.Inc()
	if c.state == StateConnected {
		ConnTransitions.WithLabelValues(StateConnected.String()).Inc()
	}

	transport.Bind(c)
	return c
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Addr() Address {
	return c.addr
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) IsClosed() bool {
	return c.State() == StateClosed
}

// Done is closed when the connection closes.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection closed, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Frames delivers inbound frames in transport order.
func (c *Conn) Frames() <-chan []byte {
	return c.frames
}

// Connect brings the connection up, waiting until it is connected, fails,
// or ctx ends. Concurrent callers share a single attempt. Cancelling ctx only
// abandons the wait; the attempt itself is bounded by the connect timeout.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateClosed:
		c.mu.Unlock()
		return ErrConnectionClosed
	case StateConnecting:
		done := c.connectDone
		c.mu.Unlock()
		return c.waitConnect(ctx, done)
	}

	c.state = StateConnecting
	done := make(chan struct{})
	c.connectDone = done
	c.timer = time.AfterFunc(c.connectTimeout, func() {
		// Connected may have won the race for the lock.
		err := fmt.Errorf("%w after %s", ErrConnectTimeout, c.connectTimeout)
		if c.closeIn(err, StateConnecting) {
			c.log.Warn().Err(err).Msg("connect timed out")
		}
	})
	c.mu.Unlock()

	ConnTransitions.WithLabelValues(StateConnecting.String()).Inc()
	c.log.Debug().Msg("connecting")

	if err := c.transport.Connect(); err != nil {
		c.fail(newTransportError("connect", err))
	}
	return c.waitConnect(ctx, done)
}

func (c *Conn) waitConnect(ctx context.Context, done chan struct{}) error {
	select {
	case <-done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.connectErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes one frame. It fails with ErrNotConnected unless the connection
// is connected. A transport failure closes the connection before the error
// is returned.
func (c *Conn) Send(frame []byte) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}

	c.sendMu.Lock()
	err := c.transport.Send(frame)
	c.sendMu.Unlock()

	if err != nil {
		te := newTransportError("send", err)
		c.closeWith(te)
		return te
	}
	return nil
}

// Close closes the connection. It is idempotent. Close hooks, including the
// multiplexer's sweep of pending calls, have run by the time it returns.
func (c *Conn) Close() error {
	c.closeWith(ErrConnectionClosed)
	return nil
}

// AllocRequestID returns the next "<seq>@<connid>" id. Sequence numbers
// start at 1. Allocating on a closed connection is a programming error.
func (c *Conn) AllocRequestID() string {
	id, err := c.allocRequestID()
	if err != nil {
		panic(fmt.Sprintf("rpc: request id allocated on closed connection %s", c.id))
	}
	return id
}

func (c *Conn) allocRequestID() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return "", ErrConnectionClosed
	}
	c.seq++
	return strconv.FormatUint(c.seq, 10) + "@" + c.id, nil
}

// addCloseHook registers fn, running it at once if already closed.
func (c *Conn) addCloseHook(fn func(*Conn, error)) {
	c.mu.Lock()
	if c.state != StateClosed {
		c.hooks = append(c.hooks, fn)
		c.mu.Unlock()
		return
	}
	cause := c.closeErr
	c.mu.Unlock()
	fn(c, cause)
}

// Connected implements Events.
func (c *Conn) Connected() {
	c.mu.Lock()
	if c.state != StateInit && c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.connectDone != nil {
		c.connectErr = nil
		close(c.connectDone)
		c.connectDone = nil
	}
	c.mu.Unlock()

	ConnTransitions.WithLabelValues(StateConnected.String()).Inc()
	c.log.Debug().Msg("connected")
}

// Message implements Events.
func (c *Conn) Message(frame []byte) {
	select {
	case c.frames <- frame:
	case <-c.done:
	}
}

// Closed implements Events.
func (c *Conn) Closed() {
	c.closeWith(ErrConnectionClosed)
}

// Error implements Events.
func (c *Conn) Error(err error) {
	c.fail(newTransportError("io", err))
}

func (c *Conn) fail(err error) {
	if c.IsClosed() {
		return
	}
	if errors.Is(err, ErrConnectTimeout) {
		c.log.Warn().Err(err).Msg("connect timed out")
	} else {
		c.log.Warn().Err(err).Msg("connection error")
	}
	c.closeWith(err)
}

func (c *Conn) closeWith(cause error) {
	c.closeIn(cause, StateInit, StateConnecting, StateConnected)
}

// closeIn closes the connection with cause if it is in one of states and
// reports whether it did.
func (c *Conn) closeIn(cause error, states ...State) bool {
	c.mu.Lock()
	if !slices.Contains(states, c.state) {
		c.mu.Unlock()
		return false
	}
	prev := c.state
	c.state = StateClosed
	c.closeErr = cause
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.connectDone != nil {
		c.connectErr = cause
		close(c.connectDone)
		c.connectDone = nil
	}
	hooks := c.hooks
	c.hooks = nil
	close(c.done)
	c.mu.Unlock()

	ConnTransitions.WithLabelValues(StateClosed.String()).Inc()
	OpenConnections.Dec()
	c.log.Debug().Str("from", prev.String()).AnErr("cause", cause).Msg("closed")

	if err := c.transport.Close(); err != nil {
		c.log.Debug().Err(err).Msg("transport close")
	}
	for _, fn := range hooks {
		fn(c, cause)
	}
	return true
}
