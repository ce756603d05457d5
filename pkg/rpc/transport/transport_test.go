// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LeeDigitalWorks/zapgate/pkg/rpc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pipeSeq atomic.Int64

type echoArgs struct {
	Text string `json:"text"`
}

func echoServer() *rpc.Server {
	s := rpc.NewServer(nil)
	s.Handle("echo", func(ctx context.Context, req *rpc.Request) (*rpc.Message, error) {
		var args echoArgs
		if err := req.Msg.Decode(&args); err != nil {
			return nil, rpc.NewError(rpc.CodeBadRequest, "%v", err)
		}
		return rpc.NewMessage(args, req.Msg.Buffers...)
	})
	s.Handle("remote", func(ctx context.Context, req *rpc.Request) (*rpc.Message, error) {
		return rpc.NewMessage(echoArgs{Text: req.Conn.Addr().Scheme})
	})
	return s
}

// serve starts an echo server on listen and returns the address to dial.
func serve(t *testing.T, listen string) (string, *rpc.Server) {
	t.Helper()
	l, err := rpc.Listen(rpc.MustParseAddress(listen), rpc.ListenOptions{})
	require.NoError(t, err)

	s := echoServer()
	done := make(chan error, 1)
	go func() { done <- s.Serve(l) }()
	t.Cleanup(func() {
		s.Close()
		<-done
	})
	return l.Addr().String(), s
}

func listenAddrs() map[string]string {
	return map[string]string{
		"tcp":  "tcp://127.0.0.1:0",
		"ws":   "ws://127.0.0.1:0/rpc",
		"grpc": "grpc://127.0.0.1:0",
		"pipe": fmt.Sprintf("pipe://echo-%d", pipeSeq.Add(1)),
	}
}

// ============================================================================
// Round trips over every scheme
// ============================================================================

func TestTransports_RoundTrip(t *testing.T) {
	for scheme, listen := range listenAddrs() {
		t.Run(scheme, func(t *testing.T) {
			addr, s := serve(t, listen)
			pool := rpc.NewPool(rpc.WithPoolConnectTimeout(2 * time.Second))
			defer pool.Close()

			data := make([]byte, 1<<20)
			_, err := rand.Read(data)
			require.NoError(t, err)

			req, err := rpc.NewMessage(echoArgs{Text: scheme}, data, []byte("tail"))
			require.NoError(t, err)

			resp, err := pool.Call(context.Background(), addr, "echo", req, 5*time.Second)
			require.NoError(t, err)

			var out echoArgs
			require.NoError(t, resp.Decode(&out))
			assert.Equal(t, scheme, out.Text)
			assert.True(t, bytes.Equal(data, resp.Buffer(0)))
			assert.Equal(t, []byte("tail"), resp.Buffer(1))

			resp, err = pool.Call(context.Background(), addr, "remote", nil, 5*time.Second)
			require.NoError(t, err)
			require.NoError(t, resp.Decode(&out))
			assert.Equal(t, scheme, out.Text)
			assert.Equal(t, 1, s.Connections())
		})
	}
}

func TestTransports_ConcurrentCalls(t *testing.T) {
	for scheme, listen := range listenAddrs() {
		t.Run(scheme, func(t *testing.T) {
			addr, _ := serve(t, listen)
			pool := rpc.NewPool()
			defer pool.Close()

			var wg sync.WaitGroup
			for i := 0; i < 32; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					text := fmt.Sprintf("call-%d", i)
					req, _ := rpc.NewMessage(echoArgs{Text: text})
					resp, err := pool.Call(context.Background(), addr, "echo", req, 5*time.Second)
					if !assert.NoError(t, err) {
						return
					}
					var out echoArgs
					assert.NoError(t, resp.Decode(&out))
					assert.Equal(t, text, out.Text)
				}(i)
			}
			wg.Wait()
			assert.Len(t, pool.Addresses(), 1)
		})
	}
}

func TestTransports_ServerCloseFailsPending(t *testing.T) {
	for scheme, listen := range listenAddrs() {
		t.Run(scheme, func(t *testing.T) {
			addr, s := serve(t, listen)
			block := make(chan struct{})
			s.Handle("block", func(ctx context.Context, req *rpc.Request) (*rpc.Message, error) {
				select {
				case <-block:
				case <-ctx.Done():
				}
				return nil, ctx.Err()
			})
			defer close(block)

			pool := rpc.NewPool()
			defer pool.Close()
			m, err := pool.Acquire(context.Background(), addr)
			require.NoError(t, err)

			errCh := make(chan error, 1)
			go func() {
				_, err := m.Call(context.Background(), "block", nil, 10*time.Second)
				errCh <- err
			}()
			require.Eventually(t, func() bool { return m.Pending() == 1 }, 2*time.Second, time.Millisecond)

			require.NoError(t, s.Close())
			select {
			case err := <-errCh:
				assert.ErrorIs(t, err, rpc.ErrConnectionClosed)
			case <-time.After(5 * time.Second):
				t.Fatal("pending call survived server close")
			}
			require.Eventually(t, func() bool { return m.Conn().IsClosed() }, 2*time.Second, time.Millisecond)
		})
	}
}

func TestTransports_DialRefused(t *testing.T) {
	ctx := context.Background()
	pool := rpc.NewPool(rpc.WithPoolConnectTimeout(time.Second))
	defer pool.Close()

	_, err := pool.Acquire(ctx, "pipe://nobody-listening")
	require.ErrorIs(t, err, rpc.ErrTransport)

	// Grab a free port, then close it
	l, err := rpc.Listen(rpc.MustParseAddress("tcp://127.0.0.1:0"), rpc.ListenOptions{})
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	_, err = pool.Acquire(ctx, addr)
	require.ErrorIs(t, err, rpc.ErrTransport)
}

func TestTransports_UnknownScheme(t *testing.T) {
	_, err := rpc.Dial(rpc.MustParseAddress("carrier-pigeon://coop:1"), rpc.DialOptions{})
	require.Error(t, err)
}

// ============================================================================
// Stream framing
// ============================================================================

func TestStreamFraming(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte("one")))
	require.NoError(t, writeFrame(&buf, nil))
	require.NoError(t, writeFrame(&buf, []byte("three")))

	for _, want := range []string{"one", "", "three"} {
		got, err := readFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
}

func TestStreamFraming_Errors(t *testing.T) {
	t.Run("bad magic", func(t *testing.T) {
		raw := make([]byte, headerSize)
		binary.BigEndian.PutUint32(raw, 0xdeadbeef)
		_, err := readFrame(bytes.NewReader(raw))
		assert.ErrorContains(t, err, "magic")
	})

	t.Run("oversized", func(t *testing.T) {
		raw := make([]byte, headerSize)
		binary.BigEndian.PutUint32(raw[:4], frameMagic)
		binary.BigEndian.PutUint32(raw[4:], MaxFrameSize+1)
		_, err := readFrame(bytes.NewReader(raw))
		assert.ErrorContains(t, err, "exceeds")
	})

	t.Run("truncated body", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeFrame(&buf, []byte("truncated")))
		_, err := readFrame(bytes.NewReader(buf.Bytes()[:buf.Len()-2]))
		assert.ErrorContains(t, err, "unexpected EOF")
	})

	t.Run("write oversized", func(t *testing.T) {
		assert.Error(t, writeFrame(&bytes.Buffer{}, make([]byte, MaxFrameSize+1)))
	})
}

func TestRemoteAddress(t *testing.T) {
	a := remoteAddress("tcp", "10.1.2.3:4567")
	assert.Equal(t, "tcp://10.1.2.3:4567", a.String())

	a = remoteAddress("ws", "not-an-address")
	assert.Equal(t, "ws", a.Scheme)
	assert.NotEmpty(t, a.Host)
}
