// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package sql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/LeeDigitalWorks/zapgate/pkg/metadata/db"
	"github.com/LeeDigitalWorks/zapgate/pkg/types"

	"github.com/google/uuid"
)

const mappingColumns = `bucket, object_key, id, account, size, etag, created_at, fragments`

func (s *Store) FindMapping(ctx context.Context, bucket, key string) (*types.ObjectMapping, error) {
	row := s.QueryRow(ctx,
		`SELECT `+mappingColumns+` FROM object_mappings WHERE bucket = $1 AND object_key = $2`,
		bucket, types.NormalizeKey(key))
	m, err := scanMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ErrMappingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find mapping: %w", err)
	}
	return m, nil
}

// UpsertMapping first tries a plain insert. When the row already exists it
// locks it, reads the previous mapping and overwrites it, so concurrent
// writers to one key are serialized by the row lock.
func (s *Store) UpsertMapping(ctx context.Context, m *types.ObjectMapping) (*types.ObjectMapping, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	frags, err := json.Marshal(m.Fragments)
	if err != nil {
		return nil, fmt.Errorf("encode fragments: %w", err)
	}
	key := types.NormalizeKey(m.Key)

	var prev *types.ObjectMapping
	err = s.WithTx(ctx, func(tx *TxStore) error {
		d := tx.Dialect()
		res, err := tx.Exec(ctx,
			`INSERT `+d.InsertIgnorePrefix()+`INTO object_mappings (`+mappingColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`+d.InsertIgnoreSuffix("bucket, object_key"),
			m.Bucket, key, m.ID.String(), m.Account, int64(m.Size), m.ETag, m.CreatedAt.UnixNano(), string(frags))
		if err != nil {
			return fmt.Errorf("insert mapping: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 1 {
			return nil
		}

		prev, err = scanMapping(tx.QueryRow(ctx,
			`SELECT `+mappingColumns+` FROM object_mappings WHERE bucket = $1 AND object_key = $2 FOR UPDATE`,
			m.Bucket, key))
		if err != nil {
			return fmt.Errorf("lock mapping: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE object_mappings SET id = $1, account = $2, size = $3, etag = $4, created_at = $5, fragments = $6
			 WHERE bucket = $7 AND object_key = $8`,
			m.ID.String(), m.Account, int64(m.Size), m.ETag, m.CreatedAt.UnixNano(), string(frags), m.Bucket, key)
		if err != nil {
			return fmt.Errorf("update mapping: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return prev, nil
}

func (s *Store) DeleteMapping(ctx context.Context, bucket, key string) (*types.ObjectMapping, error) {
	key = types.NormalizeKey(key)

	var removed *types.ObjectMapping
	err := s.WithTx(ctx, func(tx *TxStore) error {
		var err error
		removed, err = scanMapping(tx.QueryRow(ctx,
			`SELECT `+mappingColumns+` FROM object_mappings WHERE bucket = $1 AND object_key = $2 FOR UPDATE`,
			bucket, key))
		if errors.Is(err, sql.ErrNoRows) {
			return db.ErrMappingNotFound
		}
		if err != nil {
			return fmt.Errorf("lock mapping: %w", err)
		}
		_, err = tx.Exec(ctx, `DELETE FROM object_mappings WHERE bucket = $1 AND object_key = $2`, bucket, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (s *Store) ListMappings(ctx context.Context, bucket, prefix string, limit int) ([]*types.ObjectMapping, error) {
	limit = db.ListLimit(limit)
	pattern := escapeLike(types.NormalizeKey(prefix)) + "%"

	rows, err := s.Query(ctx,
		`SELECT `+mappingColumns+` FROM object_mappings
		 WHERE bucket = $1 AND object_key LIKE $2
		 ORDER BY `+s.dialect.ByteOrder("object_key")+`
		 LIMIT $3`,
		bucket, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()

	var out []*types.ObjectMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMapping(row scanner) (*types.ObjectMapping, error) {
	var (
		m         types.ObjectMapping
		id        string
		size      int64
		createdAt int64
		frags     string
	)
	if err := row.Scan(&m.Bucket, &m.Key, &id, &m.Account, &size, &m.ETag, &createdAt, &frags); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse mapping id %q: %w", id, err)
	}
	if err := json.Unmarshal([]byte(frags), &m.Fragments); err != nil {
		return nil, fmt.Errorf("decode fragments: %w", err)
	}
	m.ID = parsed
	m.Size = uint64(size)
	m.CreatedAt = time.Unix(0, createdAt).UTC()
	return &m, nil
}
