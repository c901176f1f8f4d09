package kv

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/kimhsiao/routesync/internal/db"
	apperrors "github.com/kimhsiao/routesync/internal/errors"
)

// SQLiteStore keeps documents in the kv_records table of a client database.
type SQLiteStore struct {
	db *db.DB
}

// OpenSQLite opens (or creates) the client database in dataDir and applies
// the client schema.
func OpenSQLite(ctx context.Context, dataDir, name string) (*SQLiteStore, error) {
	database, err := db.Open(dataDir, name)
	if err != nil {
		return nil, err
	}
	return newSQLite(ctx, database)
}

// OpenSQLiteMemory opens a private in-memory store.
func OpenSQLiteMemory(ctx context.Context) (*SQLiteStore, error) {
	database, err := db.OpenMemory()
	if err != nil {
		return nil, err
	}
	return newSQLite(ctx, database)
}

func newSQLite(ctx context.Context, database *db.DB) (*SQLiteStore, error) {
	if err := db.Migrate(ctx, database.DB, db.SchemaClient); err != nil {
		_ = database.Close()
		return nil, err
	}
	return &SQLiteStore{db: database}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func storageErr(op string, err error) error {
	return apperrors.Wrap(apperrors.ErrPersistence, op, err)
}

// Put writes value under bucket/key.
func (s *SQLiteStore) Put(ctx context.Context, bucket, key string, value json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO kv_records (bucket, key, value) VALUES (?, ?, ?)
	ON CONFLICT(bucket, key) DO UPDATE SET value = excluded.value
	`, bucket, key, string(value))
	if err != nil {
		return storageErr(fmt.Sprintf("put %s/%s", bucket, key), err)
	}
	return nil
}

// Get returns the value of bucket/key.
func (s *SQLiteStore) Get(ctx context.Context, bucket, key string) (json.RawMessage, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_records WHERE bucket = ? AND key = ?`, bucket, key).Scan(&value)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storageErr(fmt.Sprintf("get %s/%s", bucket, key), err)
	}
	return json.RawMessage(value), true, nil
}

// GetAllByIndex returns records whose top-level field equals value.
func (s *SQLiteStore) GetAllByIndex(ctx context.Context, bucket, field, value string) ([]Record, error) {
	return s.query(ctx, fmt.Sprintf("index %s.%s", bucket, field), `
	SELECT key, value FROM kv_records
	WHERE bucket = ? AND json_extract(value, '$.' || ?) = ?
	ORDER BY seq
	`, bucket, field, value)
}

// List returns every record in the bucket in insertion order.
func (s *SQLiteStore) List(ctx context.Context, bucket string) ([]Record, error) {
	return s.query(ctx, "list "+bucket,
		`SELECT key, value FROM kv_records WHERE bucket = ? ORDER BY seq`, bucket)
}

func (s *SQLiteStore) query(ctx context.Context, op, query string, args ...interface{}) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, storageErr(op, err)
		}
		records = append(records, Record{Key: key, Value: json.RawMessage(value)})
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return records, nil
}

// Delete removes bucket/key.
func (s *SQLiteStore) Delete(ctx context.Context, bucket, key string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_records WHERE bucket = ? AND key = ?`, bucket, key)
	if err != nil {
		return false, storageErr(fmt.Sprintf("delete %s/%s", bucket, key), err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// Update runs fn inside a transaction. The client database holds a single
// connection, so the read-modify-write cannot interleave with another writer.
func (s *SQLiteStore) Update(ctx context.Context, bucket, key string, fn UpdateFunc) error {
	op := fmt.Sprintf("update %s/%s", bucket, key)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	var current json.RawMessage
	var value string
	err = tx.QueryRowContext(ctx,
		`SELECT value FROM kv_records WHERE bucket = ? AND key = ?`, bucket, key).Scan(&value)
	switch {
	case stderrors.Is(err, sql.ErrNoRows):
	case err != nil:
		return storageErr(op, err)
	default:
		current = json.RawMessage(value)
	}

	next, err := fn(current)
	if err != nil {
		return err
	}

	if next == nil {
		_, err = tx.ExecContext(ctx, `DELETE FROM kv_records WHERE bucket = ? AND key = ?`, bucket, key)
	} else {
		_, err = tx.ExecContext(ctx, `
		INSERT INTO kv_records (bucket, key, value) VALUES (?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET value = excluded.value
		`, bucket, key, string(next))
	}
	if err != nil {
		return storageErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr(op, err)
	}
	return nil
}

// NextID increments and returns the bucket's sequence.
func (s *SQLiteStore) NextID(ctx context.Context, bucket string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
	INSERT INTO kv_sequences (bucket, value) VALUES (?, 1)
	ON CONFLICT(bucket) DO UPDATE SET value = value + 1
	RETURNING value
	`, bucket).Scan(&id)
	if err != nil {
		return 0, storageErr("next id "+bucket, err)
	}
	return id, nil
}
