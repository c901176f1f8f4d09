package kv

import (
	"context"
	"encoding/json"
	"sync"
)

type memBucket struct {
	keys   []string
	values map[string]json.RawMessage
}

// MemoryStore is a process-local Store for tests and ephemeral sessions.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*memBucket
	seqs    map[string]int64
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]*memBucket),
		seqs:    make(map[string]int64),
	}
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) bucket(name string) *memBucket {
	b, ok := m.buckets[name]
	if !ok {
		b = &memBucket{values: make(map[string]json.RawMessage)}
		m.buckets[name] = b
	}
	return b
}

func clone(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out
}

func (b *memBucket) put(key string, value json.RawMessage) {
	if _, ok := b.values[key]; !ok {
		b.keys = append(b.keys, key)
	}
	b.values[key] = clone(value)
}

func (b *memBucket) remove(key string) bool {
	if _, ok := b.values[key]; !ok {
		return false
	}
	delete(b.values, key)
	for i, k := range b.keys {
		if k == key {
			b.keys = append(b.keys[:i], b.keys[i+1:]...)
			break
		}
	}
	return true
}

// Put writes value under bucket/key.
func (m *MemoryStore) Put(_ context.Context, bucket, key string, value json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucket(bucket).put(key, value)
	return nil
}

// Get returns the value of bucket/key.
func (m *MemoryStore) Get(_ context.Context, bucket, key string) (json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.bucket(bucket).values[key]
	return clone(v), ok, nil
}

// GetAllByIndex returns records whose top-level string field equals value.
func (m *MemoryStore) GetAllByIndex(_ context.Context, bucket, field, value string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.bucket(bucket)
	var records []Record
	for _, k := range b.keys {
		var doc map[string]interface{}
		if err := json.Unmarshal(b.values[k], &doc); err != nil {
			continue
		}
		if s, ok := doc[field].(string); ok && s == value {
			records = append(records, Record{Key: k, Value: clone(b.values[k])})
		}
	}
	return records, nil
}

// List returns every record in the bucket in insertion order.
func (m *MemoryStore) List(_ context.Context, bucket string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.bucket(bucket)
	records := make([]Record, 0, len(b.keys))
	for _, k := range b.keys {
		records = append(records, Record{Key: k, Value: clone(b.values[k])})
	}
	return records, nil
}

// Delete removes bucket/key.
func (m *MemoryStore) Delete(_ context.Context, bucket, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bucket(bucket).remove(key), nil
}

// Update runs fn under the store lock.
func (m *MemoryStore) Update(_ context.Context, bucket, key string, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.bucket(bucket)
	next, err := fn(clone(b.values[key]))
	if err != nil {
		return err
	}
	if next == nil {
		b.remove(key)
		return nil
	}
	b.put(key, next)
	return nil
}

// NextID increments and returns the bucket's sequence.
func (m *MemoryStore) NextID(_ context.Context, bucket string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seqs[bucket]++
	return m.seqs[bucket], nil
}

// Ensure both backends implement Store at compile time.
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
