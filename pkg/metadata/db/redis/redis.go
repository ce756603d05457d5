// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package redis provides a Redis implementation of db.Store.
//
// Every mutation that must be atomic (mapping swaps, reference count
// changes, guarded chunk deletion) is a single Lua script execution, so
// concurrent gateways sharing one Redis never observe a half-applied change.
//
// Key layout, under a configurable prefix:
//
//	map:<bucket>\x00<key>   mapping JSON
//	idx:<bucket>            sorted set of keys (lexicographic) for listing
//	chunk:<id>              hash: size, refs, created, zero_since
//	replicas:<id>           hash: agent -> handle
//	zero                    sorted set of unreferenced chunk ids by zero_since (ms)
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/LeeDigitalWorks/zapgate/pkg/metadata/db"
	"github.com/LeeDigitalWorks/zapgate/pkg/types"

	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "zapgate:"

// Script sentinels returned as negative integers
const (
	scriptNotFound   = -1
	scriptReferenced = -2
)

// Config configures the Redis store.
type Config struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	PoolSize  int    `mapstructure:"pool_size"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// Store implements db.Store on Redis.
type Store struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ db.Store = (*Store)(nil)

// Open connects to the Redis server named by a redis:// URL.
func Open(dsn string) (*Store, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return connect(redis.NewClient(opts), DefaultKeyPrefix)
}

// New connects using cfg.
func New(cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return connect(client, prefix)
}

func connect(client *redis.Client, prefix string) (*Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewWithClient(client, prefix), nil
}

// NewWithClient creates a store over an existing client.
func NewWithClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Store{client: client, prefix: prefix, now: time.Now}
}

// Client exposes the underlying connection for components sharing it.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Prefix returns the key prefix of the store.
func (s *Store) Prefix() string {
	return s.prefix
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) mappingKey(bucket, key string) string {
	return s.prefix + "map:" + bucket + "\x00" + key
}

func (s *Store) indexKey(bucket string) string {
	return s.prefix + "idx:" + bucket
}

func (s *Store) chunkKey(id types.ChunkID) string {
	return s.prefix + "chunk:" + string(id)
}

func (s *Store) replicasKey(id types.ChunkID) string {
	return s.prefix + "replicas:" + string(id)
}

func (s *Store) zeroKey() string {
	return s.prefix + "zero"
}

// ============================================================================
// Scripts
// ============================================================================

// upsertScript installs a mapping and returns the one it replaced.
// KEYS: mapping, index. ARGV: json, member.
var upsertScript = redis.NewScript(`
local prev = redis.call("GET", KEYS[1])
redis.call("SET", KEYS[1], ARGV[1])
redis.call("ZADD", KEYS[2], 0, ARGV[2])
return prev
`)

// deleteScript removes a mapping and returns it.
// KEYS: mapping, index. ARGV: member.
var deleteScript = redis.NewScript(`
local prev = redis.call("GET", KEYS[1])
if not prev then
    return false
end
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[1])
return prev
`)

// incrScript adds a reference, registering the chunk if needed.
// KEYS: chunk, zero. ARGV: id, size, now_ns.
var incrScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    redis.call("HSET", KEYS[1], "size", ARGV[2], "refs", 0, "created", ARGV[3], "zero_since", 0)
end
local n = redis.call("HINCRBY", KEYS[1], "refs", 1)
redis.call("HSET", KEYS[1], "zero_since", 0)
redis.call("ZREM", KEYS[2], ARGV[1])
return n
`)

// decrScript drops a reference; a chunk reaching zero enters the zero set.
// KEYS: chunk, zero. ARGV: id, now_ns, now_ms.
var decrScript = redis.NewScript(`
local refs = tonumber(redis.call("HGET", KEYS[1], "refs"))
if not refs or refs <= 0 then
    return -1
end
local n = redis.call("HINCRBY", KEYS[1], "refs", -1)
if n == 0 then
    redis.call("HSET", KEYS[1], "zero_since", ARGV[2])
    redis.call("ZADD", KEYS[2], ARGV[3], ARGV[1])
end
return n
`)

// replicasScript records replicas of an existing chunk.
// KEYS: chunk, replicas. ARGV: agent, handle, agent, handle, ...
var replicasScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return -1
end
for i = 1, #ARGV, 2 do
    redis.call("HSETNX", KEYS[2], ARGV[i], ARGV[i + 1])
end
return 0
`)

// deleteChunkScript removes an unreferenced chunk.
// KEYS: chunk, replicas, zero. ARGV: id.
var deleteChunkScript = redis.NewScript(`
local refs = redis.call("HGET", KEYS[1], "refs")
if not refs then
    return -1
end
if tonumber(refs) > 0 then
    return -2
end
redis.call("DEL", KEYS[1], KEYS[2])
redis.call("ZREM", KEYS[3], ARGV[1])
return 0
`)

// ============================================================================
// Mappings
// ============================================================================

func (s *Store) FindMapping(ctx context.Context, bucket, key string) (*types.ObjectMapping, error) {
	raw, err := s.client.Get(ctx, s.mappingKey(bucket, types.NormalizeKey(key))).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, db.ErrMappingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get mapping: %w", err)
	}
	return decodeMapping(raw)
}

func (s *Store) UpsertMapping(ctx context.Context, m *types.ObjectMapping) (*types.ObjectMapping, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	stored := m.Clone()
	stored.Key = types.NormalizeKey(m.Key)
	raw, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("encode mapping: %w", err)
	}

	prev, err := upsertScript.Run(ctx, s.client,
		[]string{s.mappingKey(stored.Bucket, stored.Key), s.indexKey(stored.Bucket)},
		raw, stored.Key,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("upsert mapping: %w", err)
	}
	return decodeMapping([]byte(prev))
}

func (s *Store) DeleteMapping(ctx context.Context, bucket, key string) (*types.ObjectMapping, error) {
	key = types.NormalizeKey(key)
	prev, err := deleteScript.Run(ctx, s.client,
		[]string{s.mappingKey(bucket, key), s.indexKey(bucket)},
		key,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, db.ErrMappingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("delete mapping: %w", err)
	}
	return decodeMapping([]byte(prev))
}

func (s *Store) ListMappings(ctx context.Context, bucket, prefix string, limit int) ([]*types.ObjectMapping, error) {
	limit = db.ListLimit(limit)
	prefix = types.NormalizeKey(prefix)

	min, max := "-", "+"
	if prefix != "" {
		min, max = "["+prefix, "["+prefix+"\xff"
	}
	keys, err := s.client.ZRangeByLex(ctx, s.indexKey(bucket), &redis.ZRangeBy{
		Min:   min,
		Max:   max,
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list mapping keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	mkeys := make([]string, len(keys))
	for i, k := range keys {
		mkeys[i] = s.mappingKey(bucket, k)
	}
	vals, err := s.client.MGet(ctx, mkeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("get mappings: %w", err)
	}

	out := make([]*types.ObjectMapping, 0, len(vals))
	for _, v := range vals {
		// deleted between the range and the get
		str, ok := v.(string)
		if !ok {
			continue
		}
		m, err := decodeMapping([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func decodeMapping(raw []byte) (*types.ObjectMapping, error) {
	var m types.ObjectMapping
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode mapping: %w", err)
	}
	return &m, nil
}

// ============================================================================
// Chunk registry
// ============================================================================

func (s *Store) IncrChunkRef(ctx context.Context, id types.ChunkID, size uint64) (int64, error) {
	n, err := incrScript.Run(ctx, s.client,
		[]string{s.chunkKey(id), s.zeroKey()},
		string(id), strconv.FormatUint(size, 10), strconv.FormatInt(s.now().UnixNano(), 10),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("increment chunk ref count: %w", err)
	}
	return n, nil
}

func (s *Store) DecrChunkRef(ctx context.Context, id types.ChunkID) (int64, error) {
	now := s.now()
	n, err := decrScript.Run(ctx, s.client,
		[]string{s.chunkKey(id), s.zeroKey()},
		string(id), strconv.FormatInt(now.UnixNano(), 10), strconv.FormatInt(now.UnixMilli(), 10),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("decrement chunk ref count: %w", err)
	}
	if n == scriptNotFound {
		return 0, db.ErrChunkNotFound
	}
	return n, nil
}

func (s *Store) GetChunk(ctx context.Context, id types.ChunkID) (*types.ChunkInfo, error) {
	var (
		fields   *redis.MapStringStringCmd
		replicas *redis.MapStringStringCmd
	)
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		fields = p.HGetAll(ctx, s.chunkKey(id))
		replicas = p.HGetAll(ctx, s.replicasKey(id))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get chunk: %w", err)
	}
	return parseChunk(id, fields.Val(), replicas.Val())
}

func parseChunk(id types.ChunkID, fields, replicas map[string]string) (*types.ChunkInfo, error) {
	if len(fields) == 0 {
		return nil, db.ErrChunkNotFound
	}
	c := &types.ChunkInfo{ID: id}
	var err error
	if c.Size, err = strconv.ParseUint(fields["size"], 10, 64); err != nil {
		return nil, fmt.Errorf("chunk %s: bad size: %w", id, err)
	}
	if c.RefCount, err = strconv.ParseInt(fields["refs"], 10, 64); err != nil {
		return nil, fmt.Errorf("chunk %s: bad refs: %w", id, err)
	}
	if ns, _ := strconv.ParseInt(fields["created"], 10, 64); ns > 0 {
		c.CreatedAt = time.Unix(0, ns)
	}
	if ns, _ := strconv.ParseInt(fields["zero_since"], 10, 64); ns > 0 {
		c.ZeroRefSince = time.Unix(0, ns)
	}
	for agent, handle := range replicas {
		c.Replicas = append(c.Replicas, types.Replica{AgentAddr: agent, Handle: handle})
	}
	sort.Slice(c.Replicas, func(i, j int) bool { return c.Replicas[i].AgentAddr < c.Replicas[j].AgentAddr })
	return c, nil
}

func (s *Store) AddChunkReplicas(ctx context.Context, id types.ChunkID, replicas ...types.Replica) error {
	if len(replicas) == 0 {
		return nil
	}
	args := make([]any, 0, 2*len(replicas))
	for _, r := range replicas {
		args = append(args, r.AgentAddr, r.Handle)
	}
	n, err := replicasScript.Run(ctx, s.client, []string{s.chunkKey(id), s.replicasKey(id)}, args...).Int64()
	if err != nil {
		return fmt.Errorf("add chunk replicas: %w", err)
	}
	if n == scriptNotFound {
		return db.ErrChunkNotFound
	}
	return nil
}

func (s *Store) ListZeroRefChunks(ctx context.Context, olderThan time.Time, limit int) ([]*types.ChunkInfo, error) {
	limit = db.ListLimit(limit)
	ids, err := s.client.ZRangeByScore(ctx, s.zeroKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(olderThan.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list zero ref chunks: %w", err)
	}

	out := make([]*types.ChunkInfo, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetChunk(ctx, types.ChunkID(id))
		if errors.Is(err, db.ErrChunkNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		// revived since the range query
		if c.RefCount != 0 {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteChunk(ctx context.Context, id types.ChunkID) error {
	n, err := deleteChunkScript.Run(ctx, s.client,
		[]string{s.chunkKey(id), s.replicasKey(id), s.zeroKey()},
		string(id),
	).Int64()
	if err != nil {
		return fmt.Errorf("delete chunk: %w", err)
	}
	switch n {
	case scriptNotFound:
		return db.ErrChunkNotFound
	case scriptReferenced:
		return db.ErrChunkReferenced
	}
	return nil
}
