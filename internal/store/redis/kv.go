// Package redis stores the KV keyspace in Redis under a fixed prefix.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"pushlink/internal/domain"
)

const (
	DefaultPrefix = "pushlink:"
	scanCount     = 500
)

type KV struct {
	client *goredis.Client
	prefix string
}

// Open parses a redis:// URL and checks the connection.
func Open(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func NewKV(client *goredis.Client, prefix string) *KV {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &KV{client: client, prefix: prefix}
}

var _ domain.KV = (*KV)(nil)

func (s *KV) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

func (s *KV) Put(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *KV) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *KV) ListByPrefix(ctx context.Context, prefix string) ([]domain.KVPair, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, globEscape(s.prefix+prefix)+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget %s: %w", prefix, err)
	}

	res := make([]domain.KVPair, 0, len(keys))
	for i, k := range keys {
		str, ok := vals[i].(string)
		if !ok {
			// deleted between SCAN and MGET
			continue
		}
		res = append(res, domain.KVPair{Key: strings.TrimPrefix(k, s.prefix), Value: []byte(str)})
	}
	return res, nil
}

func (s *KV) Batch(ctx context.Context, ops []domain.KVOp) error {
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, op := range ops {
			if op.Value == nil {
				pipe.Del(ctx, s.prefix+op.Key)
				continue
			}
			pipe.Set(ctx, s.prefix+op.Key, op.Value, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("batch: %w", err)
	}
	return nil
}

func (s *KV) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDatabaseConnection, err)
	}
	return nil
}

func (s *KV) Close() error {
	return s.client.Close()
}

func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
