// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package placer

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/zapgate/pkg/types"
)

// Weighted picks agents at random in proportion to their weight, without
// repeating an agent within one placement. Agents with no weight count as 1.
type Weighted struct {
	mu     sync.Mutex
	agents []Agent
	rng    *rand.Rand
}

func NewWeighted(agents []Agent) *Weighted {
	return &Weighted{
		agents: agents,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *Weighted) Refresh(agents []Agent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agents = agents
}

func (p *Weighted) Place(ctx context.Context, id types.ChunkID, n int, exclude map[string]bool) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := make([]Agent, 0, len(p.agents))
	for _, a := range p.agents {
		if !a.ReadOnly && !exclude[a.Addr] {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 || n <= 0 {
		return nil, ErrNoAgents
	}

	out := make([]string, 0, n)
	for len(out) < n && len(candidates) > 0 {
		var total float64
		for _, a := range candidates {
			total += weightOf(a)
		}
		r := p.rng.Float64() * total
		pick := len(candidates) - 1
		for i, a := range candidates {
			r -= weightOf(a)
			if r < 0 {
				pick = i
				break
			}
		}
		out = append(out, candidates[pick].Addr)
		candidates = append(candidates[:pick], candidates[pick+1:]...)
	}
	return out, nil
}

func (p *Weighted) Rank(replicas []types.Replica) []types.Replica {
	return append([]types.Replica(nil), replicas...)
}

// Distribution returns each writable agent's expected share of placements
// as a percentage.
func (p *Weighted) Distribution() map[string]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var total float64
	for _, a := range p.agents {
		if !a.ReadOnly {
			total += weightOf(a)
		}
	}
	dist := make(map[string]float64)
	if total == 0 {
		return dist
	}
	for _, a := range p.agents {
		if !a.ReadOnly {
			dist[a.Addr] = weightOf(a) / total * 100
		}
	}
	return dist
}

func weightOf(a Agent) float64 {
	if a.Weight <= 0 {
		return 1
	}
	return a.Weight
}
