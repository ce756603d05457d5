// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"testing"

	"github.com/LeeDigitalWorks/zapgate/pkg/mapping"
	"github.com/LeeDigitalWorks/zapgate/pkg/mapping/placer"
	"github.com/LeeDigitalWorks/zapgate/pkg/metadata/db"
	"github.com/LeeDigitalWorks/zapgate/pkg/rpc"
	"github.com/LeeDigitalWorks/zapgate/pkg/types"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	rng, err := parseRange("")
	require.NoError(t, err)
	assert.Nil(t, rng)

	rng, err = parseRange("1000-2000")
	require.NoError(t, err)
	assert.Equal(t, &mapping.Range{Start: 1000, End: 2000}, rng)

	for _, bad := range []string{"1000", "a-b", "1-", "-5"} {
		_, err := parseRange(bad)
		assert.ErrorIs(t, err, mapping.ErrInvalidRange, bad)
	}
}

func newTestCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	c := &cobra.Command{Use: "test"}
	addClusterFlags(c.Flags())
	require.NoError(t, c.Flags().Parse(args))
	return c
}

func TestLoadClusterOpts(t *testing.T) {
	c := newTestCommand(t,
		"--agents", "tcp://10.0.0.1:7400@a,tcp://10.0.0.2:7400",
		"--replicas", "2",
		"--chunk_size", "1MiB",
		"--metadata_driver", "redis",
		"--metadata_dsn", "redis://localhost:6379/0",
	)
	opts, err := loadClusterOpts(c)
	require.NoError(t, err)

	assert.Equal(t, []placer.Agent{
		{Addr: "tcp://10.0.0.1:7400", Zone: "a", Weight: 1},
		{Addr: "tcp://10.0.0.2:7400", Weight: 1},
	}, opts.Agents)
	assert.Equal(t, 2, opts.Mapping.Replicas)
	assert.Equal(t, uint64(1<<20), opts.Mapping.ChunkSize)
	assert.Equal(t, db.DriverRedis, opts.Metadata.Driver)
	assert.Equal(t, "redis://localhost:6379/0", opts.Metadata.DSN)
}

func TestLoadClusterOpts_BadAgent(t *testing.T) {
	c := newTestCommand(t, "--agents", "not an address")
	_, err := loadClusterOpts(c)
	assert.Error(t, err)
}

func TestLoadClusterOpts_ChunkSizeLimit(t *testing.T) {
	c := newTestCommand(t, "--chunk_size", "32MiB")
	opts, err := loadClusterOpts(c)
	require.NoError(t, err)
	assert.Equal(t, uint64(types.MaxChunkSize), opts.Mapping.ChunkSize)

	c = newTestCommand(t, "--chunk_size", "128MiB")
	_, err = loadClusterOpts(c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk_size")
}

func TestNewPlacer(t *testing.T) {
	agents := placer.Addrs("tcp://a:1", "tcp://b:1")

	p, err := newPlacer(clusterOpts{Agents: agents})
	require.NoError(t, err)
	assert.IsType(t, &placer.RoundRobin{}, p)

	p, err = newPlacer(clusterOpts{Agents: agents, Placement: "weighted"})
	require.NoError(t, err)
	assert.IsType(t, &placer.Weighted{}, p)

	p, err = newPlacer(clusterOpts{Agents: agents, Zone: "z"})
	require.NoError(t, err)
	assert.IsType(t, &placer.Locality{}, p)

	_, err = newPlacer(clusterOpts{Placement: "random"})
	assert.Error(t, err)
}

func TestOpenStore_Memory(t *testing.T) {
	s, err := openStore(t.Context(), db.DefaultConfig(db.DriverMemory))
	require.NoError(t, err)
	defer s.Close()
	assert.IsType(t, &db.MetricsStore{}, s)

	_, err = openStore(t.Context(), db.DefaultConfig("bogus"))
	assert.Error(t, err)
}

func TestAdvertiseAddr(t *testing.T) {
	assert.Equal(t, "tcp://10.0.0.7:7400", advertiseAddr(rpc.MustParseAddress("tcp://10.0.0.7:7400")))

	wild := advertiseAddr(rpc.MustParseAddress("tcp://0.0.0.0:7400"))
	assert.NotContains(t, wild, "0.0.0.0")
	assert.Contains(t, wild, ":7400")
}
