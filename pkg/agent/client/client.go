// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package client is the typed RPC client for storage agents.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/LeeDigitalWorks/zapgate/pkg/agent"
	"github.com/LeeDigitalWorks/zapgate/pkg/rpc"
	"github.com/LeeDigitalWorks/zapgate/pkg/types"
)

// Client calls agents through a shared connection pool. Agents are named
// by their RPC address, e.g. "tcp://10.0.0.7:7400".
type Client struct {
	pool    *rpc.Pool
	timeout time.Duration
}

// New creates a client. timeout bounds each call; zero uses the pool's
// request timeout.
func New(pool *rpc.Pool, timeout time.Duration) *Client {
	return &Client{pool: pool, timeout: timeout}
}

func (c *Client) call(ctx context.Context, addr, op string, args any, buffers ...[]byte) (*rpc.Message, error) {
	req, err := rpc.NewMessage(args, buffers...)
	if err != nil {
		return nil, err
	}
	reply, err := c.pool.Call(ctx, addr, op, req, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, addr, err)
	}
	return reply, nil
}

// StoreChunk writes a chunk replica to the agent at addr.
func (c *Client) StoreChunk(ctx context.Context, addr string, id types.ChunkID, data []byte) (types.Replica, error) {
	reply, err := c.call(ctx, addr, agent.OpStoreChunk, agent.StoreChunkRequest{ChunkID: id}, data)
	if err != nil {
		return types.Replica{}, err
	}
	var out agent.StoreChunkReply
	if err := reply.Decode(&out); err != nil {
		return types.Replica{}, err
	}
	if out.Size != uint64(len(data)) {
		return types.Replica{}, fmt.Errorf("store_chunk %s: agent stored %d of %d bytes", addr, out.Size, len(data))
	}
	return types.Replica{AgentAddr: addr, Handle: out.Handle}, nil
}

// ReadChunk reads length bytes at offset from the chunk replica at addr.
// A short reply is an error.
func (c *Client) ReadChunk(ctx context.Context, addr string, id types.ChunkID, offset, length uint64) ([]byte, error) {
	reply, err := c.call(ctx, addr, agent.OpReadChunk, agent.ReadChunkRequest{ChunkID: id, Offset: offset, Length: length})
	if err != nil {
		return nil, err
	}
	data := reply.Buffer(0)
	if length > 0 && uint64(len(data)) != length {
		return nil, fmt.Errorf("read_chunk %s: short read of %s: got %d of %d bytes", addr, id, len(data), length)
	}
	return data, nil
}

// DeleteChunk removes the chunk replica at addr and reports whether the
// agent held it. Deleting a chunk the agent does not hold succeeds. With a
// non-zero storedBefore the agent keeps a replica stored again since then.
func (c *Client) DeleteChunk(ctx context.Context, addr string, id types.ChunkID, storedBefore time.Time) (bool, error) {
	args := agent.DeleteChunkRequest{ChunkID: id}
	if !storedBefore.IsZero() {
		args.IfStoredBefore = storedBefore.UnixNano()
	}
	reply, err := c.call(ctx, addr, agent.OpDeleteChunk, args)
	if err != nil {
		return false, err
	}
	var out agent.DeleteChunkReply
	if err := reply.Decode(&out); err != nil {
		return false, err
	}
	return out.Deleted, nil
}

// Stat returns the status of the agent at addr.
func (c *Client) Stat(ctx context.Context, addr string) (*agent.Status, error) {
	reply, err := c.call(ctx, addr, agent.OpStat, nil)
	if err != nil {
		return nil, err
	}
	var st agent.Status
	if err := reply.Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}
