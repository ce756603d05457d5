// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/LeeDigitalWorks/zapgate/pkg/metadata/db"
	"github.com/LeeDigitalWorks/zapgate/pkg/types"
)

// IncrChunkRef upserts the registry row and reads the new count back in the
// same transaction. The upsert holds the row lock until commit, so the
// count read is the one this call produced.
func (s *Store) IncrChunkRef(ctx context.Context, id types.ChunkID, size uint64) (int64, error) {
	var refs int64
	err := s.WithTx(ctx, func(tx *TxStore) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO chunk_registry (chunk_id, size, ref_count, created_at, zero_ref_since)
			 VALUES ($1, $2, 1, $3, 0)`+
				tx.Dialect().ConflictUpdate("chunk_id", "ref_count = ref_count + 1", "zero_ref_since = 0"),
			string(id), int64(size), s.now().UnixNano())
		if err != nil {
			return fmt.Errorf("increment chunk ref: %w", err)
		}
		return tx.QueryRow(ctx, `SELECT ref_count FROM chunk_registry WHERE chunk_id = $1`, string(id)).Scan(&refs)
	})
	return refs, err
}

func (s *Store) DecrChunkRef(ctx context.Context, id types.ChunkID) (int64, error) {
	var refs int64
	err := s.WithTx(ctx, func(tx *TxStore) error {
		// zero_ref_since is assigned first: MySQL evaluates SET clauses
		// left to right against already updated columns.
		res, err := tx.Exec(ctx,
			`UPDATE chunk_registry
			 SET zero_ref_since = CASE WHEN ref_count = 1 THEN $1 ELSE zero_ref_since END,
			     ref_count = ref_count - 1
			 WHERE chunk_id = $2 AND ref_count > 0`,
			s.now().UnixNano(), string(id))
		if err != nil {
			return fmt.Errorf("decrement chunk ref: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return db.ErrChunkNotFound
		}
		return tx.QueryRow(ctx, `SELECT ref_count FROM chunk_registry WHERE chunk_id = $1`, string(id)).Scan(&refs)
	})
	if err != nil {
		return 0, err
	}
	return refs, nil
}

const chunkColumns = `chunk_id, size, ref_count, created_at, zero_ref_since`

func (s *Store) GetChunk(ctx context.Context, id types.ChunkID) (*types.ChunkInfo, error) {
	c, err := scanChunk(s.QueryRow(ctx,
		`SELECT `+chunkColumns+` FROM chunk_registry WHERE chunk_id = $1`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ErrChunkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chunk: %w", err)
	}
	if c.Replicas, err = s.replicas(ctx, id); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) AddChunkReplicas(ctx context.Context, id types.ChunkID, replicas ...types.Replica) error {
	return s.WithTx(ctx, func(tx *TxStore) error {
		var one int
		err := tx.QueryRow(ctx, `SELECT 1 FROM chunk_registry WHERE chunk_id = $1 FOR UPDATE`, string(id)).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return db.ErrChunkNotFound
		}
		if err != nil {
			return fmt.Errorf("lock chunk: %w", err)
		}

		d := tx.Dialect()
		now := s.now().UnixNano()
		for _, r := range replicas {
			_, err := tx.Exec(ctx,
				`INSERT `+d.InsertIgnorePrefix()+`INTO chunk_replicas (chunk_id, agent, handle, added_at)
				 VALUES ($1, $2, $3, $4)`+d.InsertIgnoreSuffix("chunk_id, agent"),
				string(id), r.AgentAddr, r.Handle, now)
			if err != nil {
				return fmt.Errorf("add replica %s: %w", r.AgentAddr, err)
			}
		}
		return nil
	})
}

func (s *Store) ListZeroRefChunks(ctx context.Context, olderThan time.Time, limit int) ([]*types.ChunkInfo, error) {
	limit = db.ListLimit(limit)

	rows, err := s.Query(ctx,
		`SELECT `+chunkColumns+` FROM chunk_registry
		 WHERE ref_count = 0 AND zero_ref_since > 0 AND zero_ref_since < $1
		 ORDER BY chunk_id
		 LIMIT $2`,
		olderThan.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("list zero-ref chunks: %w", err)
	}

	var out []*types.ChunkInfo
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, c := range out {
		if c.Replicas, err = s.replicas(ctx, c.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) DeleteChunk(ctx context.Context, id types.ChunkID) error {
	return s.WithTx(ctx, func(tx *TxStore) error {
		var refs int64
		err := tx.QueryRow(ctx,
			`SELECT ref_count FROM chunk_registry WHERE chunk_id = $1 FOR UPDATE`, string(id)).Scan(&refs)
		if errors.Is(err, sql.ErrNoRows) {
			return db.ErrChunkNotFound
		}
		if err != nil {
			return fmt.Errorf("lock chunk: %w", err)
		}
		if refs > 0 {
			return db.ErrChunkReferenced
		}
		if _, err := tx.Exec(ctx, `DELETE FROM chunk_replicas WHERE chunk_id = $1`, string(id)); err != nil {
			return fmt.Errorf("delete replicas: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM chunk_registry WHERE chunk_id = $1`, string(id)); err != nil {
			return fmt.Errorf("delete chunk: %w", err)
		}
		return nil
	})
}

func (s *Store) replicas(ctx context.Context, id types.ChunkID) ([]types.Replica, error) {
	rows, err := s.Query(ctx,
		`SELECT agent, handle FROM chunk_replicas WHERE chunk_id = $1 ORDER BY agent`, string(id))
	if err != nil {
		return nil, fmt.Errorf("list replicas: %w", err)
	}
	defer rows.Close()

	var out []types.Replica
	for rows.Next() {
		var r types.Replica
		if err := rows.Scan(&r.AgentAddr, &r.Handle); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanChunk(row scanner) (*types.ChunkInfo, error) {
	var (
		c         types.ChunkInfo
		id        string
		size      int64
		createdAt int64
		zeroSince int64
	)
	if err := row.Scan(&id, &size, &c.RefCount, &createdAt, &zeroSince); err != nil {
		return nil, err
	}
	c.ID = types.ChunkID(id)
	c.Size = uint64(size)
	c.CreatedAt = time.Unix(0, createdAt).UTC()
	if zeroSince > 0 {
		c.ZeroRefSince = time.Unix(0, zeroSince).UTC()
	}
	return &c, nil
}
