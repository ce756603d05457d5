// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package redis

import (
	"context"
	"testing"

	"github.com/LeeDigitalWorks/zapgate/pkg/metadata/db"
	"github.com/LeeDigitalWorks/zapgate/pkg/metadata/db/dbtest"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis creates a miniredis instance for testing
func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewWithClient(client, "test:")
}

func TestRedisStore(t *testing.T) {
	dbtest.Run(t, func(t *testing.T) db.Store {
		_, s := setupTestRedis(t)
		return s
	})
}

func TestRedisStore_KeyLayout(t *testing.T) {
	mr, s := setupTestRedis(t)
	defer s.Close()
	ctx := context.Background()

	m := dbtest.Mapping("photos", "cat.jpg", 10)
	_, err := s.UpsertMapping(ctx, m)
	require.NoError(t, err)
	_, err = s.IncrChunkRef(ctx, m.Fragments[0].ChunkID, 10)
	require.NoError(t, err)

	assert.True(t, mr.Exists("test:map:photos\x00cat.jpg"))
	members, err := mr.ZMembers("test:idx:photos")
	require.NoError(t, err)
	assert.Equal(t, []string{"cat.jpg"}, members)
	assert.Equal(t, "1", mr.HGet("test:chunk:"+string(m.Fragments[0].ChunkID), "refs"))

	_, err = s.DecrChunkRef(ctx, m.Fragments[0].ChunkID)
	require.NoError(t, err)
	zero, err := mr.ZMembers("test:zero")
	require.NoError(t, err)
	assert.Equal(t, []string{string(m.Fragments[0].ChunkID)}, zero)
}

func TestRedisStore_ConnectFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(Config{Addr: addr})
	assert.Error(t, err)

	_, err = Open("not a url")
	assert.Error(t, err)
}

func TestRedisStore_Open(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := Open("redis://" + mr.Addr() + "/0")
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, DefaultKeyPrefix, s.prefix)
}
