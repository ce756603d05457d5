// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Request is an inbound request handed to a Handler.
type Request struct {
	ID   string
	Op   string
	Auth string
	Msg  *Message
	Conn *Conn
}

// Handler serves inbound requests. The returned error is sent to the caller
// as a RemoteError; use NewError or the Err* sentinels to pick its code.
type Handler interface {
	ServeRPC(ctx context.Context, req *Request) (*Message, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) (*Message, error)

func (f HandlerFunc) ServeRPC(ctx context.Context, req *Request) (*Message, error) {
	return f(ctx, req)
}

type result struct {
	msg *Message
	err error
}

type pendingCall struct {
	op string
	ch chan result // capacity 1, written at most once
}

// Mux correlates requests and replies on a single Conn. Each pending call
// completes exactly once: with its reply, a timeout, or ErrConnectionClosed
// when the connection closes.
type Mux struct {
	conn           *Conn
	handler        Handler
	defaultTimeout time.Duration
	token          func() string
	log            zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewMux attaches a multiplexer to conn. handler may be nil when the peer
// is not expected to send requests.
func NewMux(conn *Conn, handler Handler, opts ...MuxOption) *Mux {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mux{
		conn:           conn,
		handler:        handler,
		defaultTimeout: DefaultRequestTimeout,
		log:            conn.log,
		pending:        make(map[string]*pendingCall),
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	conn.addCloseHook(m.sweep)
	go m.dispatch()
	return m
}

func (m *Mux) Conn() *Conn {
	return m.conn
}

// Close closes the underlying connection.
func (m *Mux) Close() error {
	return m.conn.Close()
}

// Pending returns the number of calls awaiting a reply.
func (m *Mux) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Call sends op with req and waits for the reply. A zero timeout uses the
// mux default. Failing calls do not affect the connection or other calls,
// except that transport errors close the connection.
func (m *Mux) Call(ctx context.Context, op string, req *Message, timeout time.Duration) (*Message, error) {
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	if m.conn.State() != StateConnected {
		Calls.WithLabelValues(op, "error").Inc()
		return nil, unsentError{ErrNotConnected}
	}

	id, err := m.conn.allocRequestID()
	if err != nil {
		Calls.WithLabelValues(op, "closed").Inc()
		return nil, unsentError{err}
	}

	f := &Frame{Kind: KindRequest, RequestID: id, Op: op}
	if req != nil {
		f.Payload = req.Payload
		f.Buffers = req.Buffers
	}
	if m.token != nil {
		f.Auth = m.token()
	}
	b := f.Marshal()
	if err := checkFrameSize(b); err != nil {
		Calls.WithLabelValues(op, "error").Inc()
		return nil, fmt.Errorf("%s %s: %w", op, id, err)
	}

	pc := &pendingCall{op: op, ch: make(chan result, 1)}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		Calls.WithLabelValues(op, "closed").Inc()
		return nil, unsentError{ErrConnectionClosed}
	}
	m.pending[id] = pc
	m.mu.Unlock()
	PendingCalls.Inc()

	start := time.Now()
	defer func() {
		CallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	if err := m.conn.Send(b); err != nil {
		// The close a send failure causes may already have swept this call;
		// the caller gets the send error either way.
		m.remove(id)
		Calls.WithLabelValues(op, "error").Inc()
		if errors.Is(err, ErrNotConnected) {
			return nil, unsentError{err}
		}
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-pc.ch:
		return m.finish(op, r)
	case <-timer.C:
		if m.remove(id) {
			Calls.WithLabelValues(op, "timeout").Inc()
			m.log.Debug().Str("request_id", id).Str("op", op).Dur("timeout", timeout).Msg("call timed out")
			return nil, fmt.Errorf("%w: %s %s after %s", ErrTimeout, op, id, timeout)
		}
		return m.finish(op, <-pc.ch)
	case <-ctx.Done():
		if m.remove(id) {
			Calls.WithLabelValues(op, "cancelled").Inc()
			return nil, ctx.Err()
		}
		return m.finish(op, <-pc.ch)
	}
}

func (m *Mux) finish(op string, r result) (*Message, error) {
	var re *RemoteError
	switch {
	case r.err == nil:
		Calls.WithLabelValues(op, "ok").Inc()
	case errors.As(r.err, &re):
		Calls.WithLabelValues(op, "remote_error").Inc()
	case errors.Is(r.err, ErrConnectionClosed):
		Calls.WithLabelValues(op, "closed").Inc()
	default:
		Calls.WithLabelValues(op, "error").Inc()
	}
	return r.msg, r.err
}

// remove drops a pending entry, reporting whether it was still there.
func (m *Mux) remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[id]; !ok {
		return false
	}
	delete(m.pending, id)
	PendingCalls.Dec()
	return true
}

// complete resolves a pending call exactly once.
func (m *Mux) complete(id string, r result) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pc, ok := m.pending[id]
	if !ok {
		return false
	}
	delete(m.pending, id)
	PendingCalls.Dec()
	pc.ch <- r
	return true
}

// sweep fails every pending call. It runs inside the connection's close.
func (m *Mux) sweep(_ *Conn, cause error) {
	m.mu.Lock()
	m.closed = true
	pending := m.pending
	m.pending = make(map[string]*pendingCall)
	for _, pc := range pending {
		PendingCalls.Dec()
		pc.ch <- result{err: ErrConnectionClosed}
	}
	m.mu.Unlock()

	m.cancel()
	if len(pending) > 0 {
		m.log.Debug().Int("pending", len(pending)).AnErr("cause", cause).Msg("failed pending calls on close")
	}
}

func (m *Mux) dispatch() {
	for {
		select {
		case raw := <-m.conn.Frames():
			m.handleFrame(raw)
		case <-m.conn.Done():
			return
		}
	}
}

func (m *Mux) handleFrame(raw []byte) {
	f, err := UnmarshalFrame(raw)
	if err != nil {
		DroppedFrames.WithLabelValues("malformed").Inc()
		m.log.Debug().Err(err).Int("bytes", len(raw)).Msg("dropping malformed frame")
		return
	}

	switch f.Kind {
	case KindReply:
		r := result{msg: &Message{Payload: f.Payload, Buffers: f.Buffers}}
		if !f.OK {
			r = result{err: &RemoteError{Code: f.ErrorCode, Message: f.ErrorMessage}}
		}
		if !m.complete(f.RequestID, r) {
			DroppedFrames.WithLabelValues("unknown_id").Inc()
			m.log.Debug().Str("request_id", f.RequestID).Msg("dropping reply for unknown request")
		}
	case KindRequest:
		go m.serve(f)
	}
}

func (m *Mux) serve(f *Frame) {
	reply := &Frame{Kind: KindReply, RequestID: f.RequestID}

	var (
		resp *Message
		err  error
	)
	if m.handler == nil {
		err = NewError(CodeUnknownOp, "no handler for %s", f.Op)
	} else {
		resp, err = m.handler.ServeRPC(m.ctx, &Request{
			ID:   f.RequestID,
			Op:   f.Op,
			Auth: f.Auth,
			Msg:  &Message{Payload: f.Payload, Buffers: f.Buffers},
			Conn: m.conn,
		})
	}

	if err != nil {
		reply.ErrorCode = CodeOf(err)
		reply.ErrorMessage = err.Error()
		var re *RemoteError
		if errors.As(err, &re) {
			reply.ErrorMessage = re.Message
		}
	} else {
		reply.OK = true
		if resp != nil {
			reply.Payload = resp.Payload
			reply.Buffers = resp.Buffers
		}
	}
	b := reply.Marshal()
	if err := checkFrameSize(b); err != nil {
		m.log.Warn().Err(err).Str("request_id", f.RequestID).Str("op", f.Op).Msg("reply too large")
		reply = &Frame{Kind: KindReply, RequestID: f.RequestID, ErrorCode: CodeBadRequest, ErrorMessage: err.Error()}
		b = reply.Marshal()
	}
	code := reply.ErrorCode
	if reply.OK {
		code = "ok"
	}
	ServedRequests.WithLabelValues(f.Op, code).Inc()

	if err := m.conn.Send(b); err != nil {
		m.log.Debug().Err(err).Str("request_id", f.RequestID).Msg("failed to send reply")
	}
}
