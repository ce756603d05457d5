// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAddr = MustParseAddress("fake://agent-1:5050")

func newTestConn(t *testing.T, ft *fakeTransport, opts ...ConnOption) *Conn {
	t.Helper()
	c := NewConn(testAddr, ft, opts...)
	t.Cleanup(func() { c.Close() })
	return c
}

// ============================================================================
// State machine
// ============================================================================

func TestConn_ConnectTransitions(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestConn(t, ft)
	assert.Equal(t, StateInit, c.State())

	errCh := make(chan error, 1)
	go func() { errCh <- c.Connect(context.Background()) }()

	require.Eventually(t, func() bool { return c.State() == StateConnecting }, time.Second, time.Millisecond)
	ft.signalConnected()

	require.NoError(t, <-errCh)
	assert.Equal(t, StateConnected, c.State())

	// Connect on a connected conn returns immediately
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 1, ft.connects())

	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())
	assert.True(t, c.IsClosed())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrConnectionClosed)
}

func TestConn_ConcurrentConnectSharesAttempt(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestConn(t, ft)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Connect(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool { return c.State() == StateConnecting }, time.Second, time.Millisecond)
	ft.signalConnected()
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, ft.connects())
}

func TestConn_ConnectTimeout(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestConn(t, ft, WithConnectTimeout(50*time.Millisecond))

	start := time.Now()
	err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnectTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.Err(), ErrConnectTimeout)
	assert.True(t, ft.isClosed())

	// The late connect signal is ignored
	ft.signalConnected()
	assert.Equal(t, StateClosed, c.State())
}

func TestConn_ConnectTimeoutAfterConnectedIsIgnored(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestConn(t, ft, WithConnectTimeout(30*time.Millisecond))

	errCh := make(chan error, 1)
	go func() { errCh <- c.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return c.State() == StateConnecting }, time.Second, time.Millisecond)

	ft.signalConnected()
	require.NoError(t, <-errCh)

	// A timer that already fired loses to the connected state
	assert.False(t, c.closeIn(ErrConnectTimeout, StateConnecting))
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateConnected, c.State())
	assert.NoError(t, c.Err())
	assert.False(t, ft.isClosed())
}

func TestConn_ConnectContextCancelOnlyAbandonsWait(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestConn(t, ft)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.Connect(ctx), context.DeadlineExceeded)
	assert.Equal(t, StateConnecting, c.State())

	ft.signalConnected()
	require.NoError(t, c.Connect(context.Background()))
}

func TestConn_ConnectTransportFailure(t *testing.T) {
	ft := &fakeTransport{connectErr: errors.New("dial refused")}
	c := newTestConn(t, ft)

	err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrTransport)
	assert.Contains(t, err.Error(), "dial refused")
	assert.Equal(t, StateClosed, c.State())
}

func TestConn_CloseWhileConnecting(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestConn(t, ft)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return c.State() == StateConnecting }, time.Second, time.Millisecond)

	c.Close()
	assert.ErrorIs(t, <-errCh, ErrConnectionClosed)
}

func TestConn_AcceptedStartsConnected(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestConn(t, ft, Accepted())

	assert.Equal(t, StateConnected, c.State())
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 0, ft.connects())
}

func TestConn_ConnectedSignalWhileInit(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestConn(t, ft)

	ft.signalConnected()
	assert.Equal(t, StateConnected, c.State())
}

func TestConn_TransportErrorCloses(t *testing.T) {
	ft := &fakeTransport{autoConnect: true}
	var hookCause error
	c := newTestConn(t, ft, WithCloseHook(func(_ *Conn, cause error) { hookCause = cause }))
	require.NoError(t, c.Connect(context.Background()))

	ft.signalError(errors.New("connection reset"))
	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, hookCause, ErrTransport)

	select {
	case <-c.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestConn_CloseIsIdempotent(t *testing.T) {
	ft := &fakeTransport{autoConnect: true}
	calls := 0
	c := newTestConn(t, ft, WithCloseHook(func(*Conn, error) { calls++ }))
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	c.Closed()
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateClosed, c.State())
}

// ============================================================================
// Send
// ============================================================================

func TestConn_SendRequiresConnected(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestConn(t, ft)

	assert.ErrorIs(t, c.Send([]byte("x")), ErrNotConnected)
	c.Close()
	assert.ErrorIs(t, c.Send([]byte("x")), ErrNotConnected)
	assert.Empty(t, ft.sentFrames())
}

func TestConn_SendFailureClosesFirst(t *testing.T) {
	ft := &fakeTransport{autoConnect: true, sendErr: errors.New("broken pipe")}
	var stateInHook State
	var c *Conn
	c = newTestConn(t, ft, WithCloseHook(func(cc *Conn, _ error) { stateInHook = cc.State() }))
	require.NoError(t, c.Connect(context.Background()))

	err := c.Send([]byte("x"))
	require.ErrorIs(t, err, ErrTransport)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "send", te.Op)
	assert.Equal(t, StateClosed, stateInHook)
	assert.Equal(t, StateClosed, c.State())
}

// ============================================================================
// Request ids
// ============================================================================

func TestConn_RequestIDs(t *testing.T) {
	ft := &fakeTransport{autoConnect: true}
	c := newTestConn(t, ft)

	seen := make(map[string]bool)
	for i := 1; i <= 100; i++ {
		id := c.AllocRequestID()
		seq, connID, ok := strings.Cut(id, "@")
		require.True(t, ok, id)
		assert.Equal(t, c.ID(), connID)
		assert.Equal(t, i, mustAtoi(t, seq))
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestConn_IDsUniqueAcrossConns(t *testing.T) {
	a := newTestConn(t, &fakeTransport{})
	b := newTestConn(t, &fakeTransport{})

	assert.NotEqual(t, a.ID(), b.ID())
	assert.True(t, strings.HasPrefix(a.ID(), testAddr.String()+"("))
	assert.NotEqual(t, a.AllocRequestID(), b.AllocRequestID())
}

func TestConn_AllocOnClosedPanics(t *testing.T) {
	c := newTestConn(t, &fakeTransport{})
	c.Close()
	assert.Panics(t, func() { c.AllocRequestID() })
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n := 0
	for _, r := range s {
		require.True(t, r >= '0' && r <= '9', s)
		n = n*10 + int(r-'0')
	}
	return n
}
