package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := OpenSQLiteMemory(context.Background())
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func TestStore_PutGetDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, ok, err := s.Get(ctx, "queue", "1")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.Put(ctx, "queue", "1", json.RawMessage(`{"status":"pending"}`)))
		v, ok, err := s.Get(ctx, "queue", "1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.JSONEq(t, `{"status":"pending"}`, string(v))

		// buckets are independent
		_, ok, _ = s.Get(ctx, "conflicts", "1")
		assert.False(t, ok)

		deleted, err := s.Delete(ctx, "queue", "1")
		require.NoError(t, err)
		assert.True(t, deleted)
		deleted, err = s.Delete(ctx, "queue", "1")
		require.NoError(t, err)
		assert.False(t, deleted)
	})
}

func TestStore_ListInsertionOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, k := range []string{"c", "a", "b"} {
			require.NoError(t, s.Put(ctx, "b", k, json.RawMessage(`{}`)))
		}
		// overwrite keeps position
		require.NoError(t, s.Put(ctx, "b", "c", json.RawMessage(`{"v":2}`)))

		records, err := s.List(ctx, "b")
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, []string{"c", "a", "b"}, []string{records[0].Key, records[1].Key, records[2].Key})
		assert.JSONEq(t, `{"v":2}`, string(records[0].Value))
	})
}

func TestStore_GetAllByIndex(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "q", "1", json.RawMessage(`{"status":"pending"}`)))
		require.NoError(t, s.Put(ctx, "q", "2", json.RawMessage(`{"status":"failed"}`)))
		require.NoError(t, s.Put(ctx, "q", "3", json.RawMessage(`{"status":"pending"}`)))

		records, err := s.GetAllByIndex(ctx, "q", "status", "pending")
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "1", records[0].Key)
		assert.Equal(t, "3", records[1].Key)

		records, err = s.GetAllByIndex(ctx, "q", "status", "synced")
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}

func TestStore_Update(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		err := s.Update(ctx, "q", "1", func(current json.RawMessage) (json.RawMessage, error) {
			assert.Nil(t, current)
			return json.RawMessage(`{"n":1}`), nil
		})
		require.NoError(t, err)

		boom := errors.New("boom")
		err = s.Update(ctx, "q", "1", func(json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"n":99}`), boom
		})
		assert.ErrorIs(t, err, boom)
		v, _, _ := s.Get(ctx, "q", "1")
		assert.JSONEq(t, `{"n":1}`, string(v), "aborted update must not write")

		err = s.Update(ctx, "q", "1", func(json.RawMessage) (json.RawMessage, error) { return nil, nil })
		require.NoError(t, err)
		_, ok, _ := s.Get(ctx, "q", "1")
		assert.False(t, ok, "nil next deletes")
	})
}

// TestStore_UpdateConcurrent verifies read-modify-write does not lose increments.
func TestStore_UpdateConcurrent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "c", "n", json.RawMessage(`{"n":0}`)))

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.Update(ctx, "c", "n", func(cur json.RawMessage) (json.RawMessage, error) {
					var doc struct{ N int }
					if err := json.Unmarshal(cur, &doc); err != nil {
						return nil, err
					}
					return json.RawMessage(fmt.Sprintf(`{"n":%d}`, doc.N+1)), nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		v, _, err := s.Get(ctx, "c", "n")
		require.NoError(t, err)
		assert.JSONEq(t, `{"n":20}`, string(v))
	})
}

func TestStore_NextID(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for want := int64(1); want <= 3; want++ {
			id, err := s.NextID(ctx, "queue")
			require.NoError(t, err)
			assert.Equal(t, want, id)
		}
		id, err := s.NextID(ctx, "other")
		require.NoError(t, err)
		assert.Equal(t, int64(1), id)
	})
}

// TestSQLiteStore_reopen verifies documents survive a restart.
func TestSQLiteStore_reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenSQLite(ctx, dir, "client.db")
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "queue", "1", json.RawMessage(`{"status":"pending"}`)))
	_, err = s.NextID(ctx, "queue")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, dir, "client.db")
	require.NoError(t, err)
	defer s.Close()

	_, ok, err := s.Get(ctx, "queue", "1")
	require.NoError(t, err)
	assert.True(t, ok)
	id, err := s.NextID(ctx, "queue")
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)
}
