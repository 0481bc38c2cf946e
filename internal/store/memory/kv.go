// Package memory is an in-process KV used by tests and STORE_DRIVER=memory.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"pushlink/internal/domain"
	"pushlink/internal/store/keyspace"
)

type KV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewKV() *KV {
	return &KV{data: make(map[string][]byte)}
}

var _ domain.KV = (*KV)(nil)

func (s *KV) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return keyspace.Clone(v), nil
}

func (s *KV) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	s.data[key] = keyspace.Clone(value)
	s.mu.Unlock()
	return nil
}

func (s *KV) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

func (s *KV) ListByPrefix(_ context.Context, prefix string) ([]domain.KVPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []domain.KVPair
	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) {
			res = append(res, domain.KVPair{Key: k, Value: keyspace.Clone(v)})
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Key < res[j].Key })
	return res, nil
}

func (s *KV) Batch(_ context.Context, ops []domain.KVOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		if op.Value == nil {
			delete(s.data, op.Key)
			continue
		}
		s.data[op.Key] = keyspace.Clone(op.Value)
	}
	return nil
}

func (s *KV) Ping(context.Context) error { return nil }

func (s *KV) Close() error { return nil }

// Len reports the number of stored keys.
func (s *KV) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
