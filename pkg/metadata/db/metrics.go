// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"context"
	"errors"
	"time"

	"github.com/LeeDigitalWorks/zapgate/pkg/debug"
	"github.com/LeeDigitalWorks/zapgate/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics for metadata store operations
var (
	dbQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zapgate_db_query_duration_seconds",
			Help:    "Duration of metadata store operations in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"operation", "status"},
	)

	dbQueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zapgate_db_queries_total",
			Help: "Total number of metadata store operations",
		},
		[]string{"operation", "status"},
	)

	dbConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "zapgate_db_connections_active",
			Help: "Number of active database connections",
		},
	)

	dbConnectionsIdle = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "zapgate_db_connections_idle",
			Help: "Number of idle database connections",
		},
	)
)

func init() {
	debug.Registry().MustRegister(
		dbQueryDuration,
		dbQueryTotal,
		dbConnectionsActive,
		dbConnectionsIdle,
	)
}

// UpdateConnectionMetrics updates connection pool metrics from sql.DBStats
func UpdateConnectionMetrics(inUse, idle int) {
	dbConnectionsActive.Set(float64(inUse))
	dbConnectionsIdle.Set(float64(idle))
}

// recordMetric records timing and status for an operation. Not-found
// results are expected and counted separately from errors.
func recordMetric(operation string, start time.Time, err error) {
	duration := time.Since(start).Seconds()
	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrMappingNotFound), errors.Is(err, ErrChunkNotFound):
		status = "not_found"
	default:
		status = "error"
	}
	dbQueryDuration.WithLabelValues(operation, status).Observe(duration)
	dbQueryTotal.WithLabelValues(operation, status).Inc()
}

// MetricsStore wraps a Store and adds metrics instrumentation
type MetricsStore struct {
	store Store
}

var _ Store = (*MetricsStore)(nil)

// NewMetricsStore creates a new metrics-instrumented Store wrapper
func NewMetricsStore(s Store) *MetricsStore {
	return &MetricsStore{store: s}
}

// Unwrap returns the underlying Store implementation
func (m *MetricsStore) Unwrap() Store {
	return m.store
}

func (m *MetricsStore) Close() error {
	return m.store.Close()
}

func (m *MetricsStore) FindMapping(ctx context.Context, bucket, key string) (*types.ObjectMapping, error) {
	start := time.Now()
	om, err := m.store.FindMapping(ctx, bucket, key)
	recordMetric("find_mapping", start, err)
	return om, err
}

func (m *MetricsStore) UpsertMapping(ctx context.Context, om *types.ObjectMapping) (*types.ObjectMapping, error) {
	start := time.Now()
	prev, err := m.store.UpsertMapping(ctx, om)
	recordMetric("upsert_mapping", start, err)
	return prev, err
}

func (m *MetricsStore) DeleteMapping(ctx context.Context, bucket, key string) (*types.ObjectMapping, error) {
	start := time.Now()
	om, err := m.store.DeleteMapping(ctx, bucket, key)
	recordMetric("delete_mapping", start, err)
	return om, err
}

func (m *MetricsStore) ListMappings(ctx context.Context, bucket, prefix string, limit int) ([]*types.ObjectMapping, error) {
	start := time.Now()
	out, err := m.store.ListMappings(ctx, bucket, prefix, limit)
	recordMetric("list_mappings", start, err)
	return out, err
}

func (m *MetricsStore) IncrChunkRef(ctx context.Context, id types.ChunkID, size uint64) (int64, error) {
	start := time.Now()
	n, err := m.store.IncrChunkRef(ctx, id, size)
	recordMetric("incr_chunk_ref", start, err)
	return n, err
}

func (m *MetricsStore) DecrChunkRef(ctx context.Context, id types.ChunkID) (int64, error) {
	start := time.Now()
	n, err := m.store.DecrChunkRef(ctx, id)
	recordMetric("decr_chunk_ref", start, err)
	return n, err
}

func (m *MetricsStore) GetChunk(ctx context.Context, id types.ChunkID) (*types.ChunkInfo, error) {
	start := time.Now()
	c, err := m.store.GetChunk(ctx, id)
	recordMetric("get_chunk", start, err)
	return c, err
}

func (m *MetricsStore) AddChunkReplicas(ctx context.Context, id types.ChunkID, replicas ...types.Replica) error {
	start := time.Now()
	err := m.store.AddChunkReplicas(ctx, id, replicas...)
	recordMetric("add_chunk_replicas", start, err)
	return err
}

func (m *MetricsStore) ListZeroRefChunks(ctx context.Context, olderThan time.Time, limit int) ([]*types.ChunkInfo, error) {
	start := time.Now()
	out, err := m.store.ListZeroRefChunks(ctx, olderThan, limit)
	recordMetric("list_zero_ref_chunks", start, err)
	return out, err
}

func (m *MetricsStore) DeleteChunk(ctx context.Context, id types.ChunkID) error {
	start := time.Now()
	err := m.store.DeleteChunk(ctx, id)
	recordMetric("delete_chunk", start, err)
	return err
}
