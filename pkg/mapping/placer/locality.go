// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package placer

import (
	"context"
	"sort"
	"sync"

	"github.com/LeeDigitalWorks/zapgate/pkg/types"
)

// Locality wraps a Placer and ranks replicas in the local zone first.
// Placement is left to the wrapped policy.
type Locality struct {
	inner Placer
	zone  string

	mu    sync.RWMutex
	zones map[string]string
}

func NewLocality(inner Placer, zone string, agents []Agent) *Locality {
	l := &Locality{inner: inner, zone: zone}
	l.setZones(agents)
	return l
}

func (l *Locality) setZones(agents []Agent) {
	zones := make(map[string]string, len(agents))
	for _, a := range agents {
		zones[a.Addr] = a.Zone
	}
	l.mu.Lock()
	l.zones = zones
	l.mu.Unlock()
}

func (l *Locality) Refresh(agents []Agent) {
	l.setZones(agents)
	l.inner.Refresh(agents)
}

func (l *Locality) Place(ctx context.Context, id types.ChunkID, n int, exclude map[string]bool) ([]string, error) {
	return l.inner.Place(ctx, id, n, exclude)
}

func (l *Locality) Rank(replicas []types.Replica) []types.Replica {
	out := l.inner.Rank(replicas)
	if l.zone == "" {
		return out
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		return l.zones[out[i].AgentAddr] == l.zone && l.zones[out[j].AgentAddr] != l.zone
	})
	return out
}
