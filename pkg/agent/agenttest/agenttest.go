// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package agenttest runs in-memory storage agents over the pipe transport
// for tests.
package agenttest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LeeDigitalWorks/zapgate/pkg/agent"
	"github.com/LeeDigitalWorks/zapgate/pkg/agent/client"
	"github.com/LeeDigitalWorks/zapgate/pkg/rpc"
	_ "github.com/LeeDigitalWorks/zapgate/pkg/rpc/transport"
	"github.com/LeeDigitalWorks/zapgate/pkg/types"

	"github.com/stretchr/testify/require"
)

var clusterSeq atomic.Int64

// Cluster is a set of running agents and a client pool pointed at them.
type Cluster struct {
	Agents []*agent.Agent
	Addrs  []string
	Pool   *rpc.Pool
	Client *client.Client

	mu      sync.Mutex
	servers []*rpc.Server
	done    []chan error
	stopped []bool
}

// Start launches n memory agents. Everything is torn down by t.Cleanup.
func Start(t testing.TB, n int) *Cluster {
	t.Helper()
	seq := clusterSeq.Add(1)
	c := &Cluster{
		Pool:    rpc.NewPool(rpc.WithRequestTimeout(5*time.Second), rpc.WithDialRate(0, 1)),
		stopped: make([]bool, n),
	}
	c.Client = client.New(c.Pool, 0)

	for i := 0; i < n; i++ {
		addr := fmt.Sprintf("pipe://agent-%d-%d", seq, i)
		a := agent.NewMemory(fmt.Sprintf("agent-%d", i))
		s := rpc.NewServer(nil)
		a.Register(s)

		l, err := rpc.Listen(rpc.MustParseAddress(addr), rpc.ListenOptions{})
		require.NoError(t, err)
		done := make(chan error, 1)
		go func() { done <- s.Serve(l) }()

		c.Agents = append(c.Agents, a)
		c.Addrs = append(c.Addrs, addr)
		c.servers = append(c.servers, s)
		c.done = append(c.done, done)
	}

	t.Cleanup(func() {
		c.Pool.Close()
		for i := range c.servers {
			c.Stop(i)
		}
		for _, a := range c.Agents {
			a.Close()
		}
	})
	return c
}

// Stop takes agent i off the network. Its stored chunks are kept.
func (c *Cluster) Stop(i int) {
	c.mu.Lock()
	if c.stopped[i] {
		c.mu.Unlock()
		return
	}
	c.stopped[i] = true
	c.mu.Unlock()

	c.servers[i].Close()
	<-c.done[i]
	c.Pool.Remove(c.Addrs[i])
}

// Holders returns the addresses of the agents holding chunk id.
func (c *Cluster) Holders(id types.ChunkID) []string {
	var out []string
	for i, a := range c.Agents {
		_, err := a.Store().Get(context.Background(), id, 0, 0)
		if err == nil {
			out = append(out, c.Addrs[i])
		}
	}
	return out
}
