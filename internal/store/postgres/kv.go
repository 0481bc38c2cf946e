package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"pushlink/internal/domain"
	"pushlink/internal/store/keyspace"
)

type KV struct {
	db *sql.DB
}

func NewKV(db *sql.DB) *KV {
	return &KV{db: db}
}

var _ domain.KV = (*KV)(nil)

const upsertQuery = `
	INSERT INTO kv (key, value, updated_at) VALUES ($1, $2, NOW())
	ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
`

func (s *KV) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

func (s *KV) Put(ctx context.Context, key string, value []byte) error {
	if _, err := s.db.ExecContext(ctx, upsertQuery, key, value); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *KV) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *KV) ListByPrefix(ctx context.Context, prefix string) ([]domain.KVPair, error) {
	query := `SELECT key, value FROM kv WHERE key >= $1 ORDER BY key`
	args := []any{prefix}
	if end := keyspace.PrefixEnd(prefix); end != "" {
		query = `SELECT key, value FROM kv WHERE key >= $1 AND key < $2 ORDER BY key`
		args = append(args, end)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()

	var res []domain.KVPair
	for rows.Next() {
		var p domain.KVPair
		if err := rows.Scan(&p.Key, &p.Value); err != nil {
			return nil, fmt.Errorf("scan kv: %w", err)
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (s *KV) Batch(ctx context.Context, ops []domain.KVOp) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		if op.Value == nil {
			_, err = tx.ExecContext(ctx, `DELETE FROM kv WHERE key = $1`, op.Key)
		} else {
			_, err = tx.ExecContext(ctx, upsertQuery, op.Key, op.Value)
		}
		if err != nil {
			return fmt.Errorf("batch %s: %w", op.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (s *KV) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDatabaseConnection, err)
	}
	return nil
}

func (s *KV) Close() error {
	return s.db.Close()
}
