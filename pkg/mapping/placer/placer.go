// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package placer chooses which agents receive new chunk replicas and in
// which order replicas are tried on read.
package placer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/LeeDigitalWorks/zapgate/pkg/types"
)

var ErrNoAgents = errors.New("no writable agents available")

// Agent is a placement target.
type Agent struct {
	Addr     string  `mapstructure:"addr" json:"addr"`
	Zone     string  `mapstructure:"zone" json:"zone,omitempty"`
	Weight   float64 `mapstructure:"weight" json:"weight,omitempty"`
	ReadOnly bool    `mapstructure:"read_only" json:"read_only,omitempty"`
}

// Placer selects agents for storing chunks
type Placer interface {
	// Place picks up to n distinct writable agents for a chunk, skipping
	// any address in exclude. It fails with ErrNoAgents when none remain.
	Place(ctx context.Context, id types.ChunkID, n int, exclude map[string]bool) ([]string, error)
	// Rank orders replicas by read preference. The input is not modified.
	Rank(replicas []types.Replica) []types.Replica
	// Refresh replaces the set of known agents
	Refresh(agents []Agent)
}

// RoundRobin spreads chunks across agents in turn
type RoundRobin struct {
	mu     sync.RWMutex
	agents []Agent
	idx    atomic.Uint64
}

func NewRoundRobin(agents []Agent) *RoundRobin {
	return &RoundRobin{agents: agents}
}

// Addrs is a convenience for building agents from bare addresses.
func Addrs(addrs ...string) []Agent {
	out := make([]Agent, len(addrs))
	for i, a := range addrs {
		out[i] = Agent{Addr: a}
	}
	return out
}

func (p *RoundRobin) Refresh(agents []Agent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agents = agents
}

func (p *RoundRobin) Place(ctx context.Context, id types.ChunkID, n int, exclude map[string]bool) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	total := len(p.agents)
	if total == 0 || n <= 0 {
		return nil, ErrNoAgents
	}

	start := int(p.idx.Add(1) % uint64(total))
	out := make([]string, 0, n)
	for i := 0; i < total && len(out) < n; i++ {
		a := p.agents[(start+i)%total]
		if a.ReadOnly || exclude[a.Addr] {
			continue
		}
		out = append(out, a.Addr)
	}
	if len(out) == 0 {
		return nil, ErrNoAgents
	}
	return out, nil
}

// Rank keeps the recorded replica order.
func (p *RoundRobin) Rank(replicas []types.Replica) []types.Replica {
	return append([]types.Replica(nil), replicas...)
}
