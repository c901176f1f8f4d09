// Package kv provides the durable key-value storage a client session keeps
// its queue and conflicts in.
//
// Values are JSON documents grouped into buckets. Iteration order within a
// bucket is insertion order; overwriting a key keeps its position.
package kv

import (
	"context"
	"encoding/json"
)

// Record is one stored document.
type Record struct {
	Key   string
	Value json.RawMessage
}

// UpdateFunc computes the next value of a key from its current value.
// current is nil when the key does not exist. Returning a nil next deletes
// the key; returning an error aborts without writing.
type UpdateFunc func(current json.RawMessage) (next json.RawMessage, err error)

// Store is a bucketed JSON document store.
type Store interface {
	// Put writes value under bucket/key, replacing any previous value.
	Put(ctx context.Context, bucket, key string, value json.RawMessage) error

	// Get returns the value of bucket/key. The bool is false when absent.
	Get(ctx context.Context, bucket, key string) (json.RawMessage, bool, error)

	// GetAllByIndex returns the records whose top-level string field equals value.
	GetAllByIndex(ctx context.Context, bucket, field, value string) ([]Record, error)

	// List returns every record in the bucket in insertion order.
	List(ctx context.Context, bucket string) ([]Record, error)

	// Delete removes bucket/key and reports whether it existed.
	Delete(ctx context.Context, bucket, key string) (bool, error)

	// Update runs fn atomically against the current value of bucket/key.
	Update(ctx context.Context, bucket, key string, fn UpdateFunc) error

	// NextID returns the next value of a per-bucket monotonic sequence,
	// starting at 1. Values are never reused.
	NextID(ctx context.Context, bucket string) (int64, error)

	Close() error
}
