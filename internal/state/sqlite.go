package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/kode4food/switchyard/internal/sqlstore"
)

// SQLiteBackend stores records in a single SQLite table. The handle uses one
// connection, so Atomic sections are serialized by the database itself
type SQLiteBackend struct {
	db  *sql.DB
	now func() time.Time
}

const createStateTable = `
CREATE TABLE IF NOT EXISTS state (
    group_id   TEXT NOT NULL,
    key        TEXT NOT NULL,
    value      TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (group_id, key)
)`

// NewSQLiteBackend opens the SQLite database at path and creates the state
// table if needed
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sqlstore.Open(path, createStateTable)
	if err != nil {
		return nil, err
	}
	return &SQLiteBackend{db: db, now: time.Now}, nil
}

// Atomic implements Backend
func (b *SQLiteBackend) Atomic(
	ctx context.Context, groupID string, keys []string, fn func(*Tx) error,
) error {
	keys = uniqueSorted(keys)
	return sqlstore.InTx(ctx, b.db, func(stx *sql.Tx) error {
		snap, err := b.load(ctx, stx, groupID, keys)
		if err != nil {
			return err
		}
		tx := NewTx(groupID, snap, b.now())
		if err := fn(tx); err != nil {
			return err
		}
		for _, w := range tx.Writes() {
			if err := b.write(ctx, stx, groupID, w); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get implements Backend
func (b *SQLiteBackend) Get(
	ctx context.Context, groupID, key string,
) (*Record, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT key, value, created_at, updated_at FROM state
		 WHERE group_id = ? AND key = ?`, groupID, key,
	)
	rec, err := scanRecord(groupID, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// Scan implements Backend
func (b *SQLiteBackend) Scan(
	ctx context.Context, groupID string,
) ([]*Record, error) {
	query := `SELECT group_id, key, value, created_at, updated_at FROM state`
	var args []any
	if groupID != "" {
		query += ` WHERE group_id = ?`
		args = append(args, groupID)
	}
	query += ` ORDER BY group_id, key`

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var res []*Record
	for rows.Next() {
		var g string
		var rec *Record
		rec, err = scanRecordWithGroup(&g, rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// Groups implements Backend
func (b *SQLiteBackend) Groups(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT DISTINCT group_id FROM state ORDER BY group_id`,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var res []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// Clear implements Backend
func (b *SQLiteBackend) Clear(
	ctx context.Context, groupID string,
) ([]*Record, error) {
	var removed []*Record
	err := sqlstore.InTx(ctx, b.db, func(stx *sql.Tx) error {
		rows, err := stx.QueryContext(ctx,
			`SELECT group_id, key, value, created_at, updated_at FROM state
			 WHERE group_id = ? ORDER BY key`, groupID,
		)
		if err != nil {
			return err
		}
		for rows.Next() {
			var g string
			rec, err := scanRecordWithGroup(&g, rows)
			if err != nil {
				_ = rows.Close()
				return err
			}
			removed = append(removed, rec)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		_, err = stx.ExecContext(ctx,
			`DELETE FROM state WHERE group_id = ?`, groupID,
		)
		return err
	})
	return removed, err
}

// Close implements Backend
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func (b *SQLiteBackend) load(
	ctx context.Context, stx *sql.Tx, groupID string, keys []string,
) (map[string]*Record, error) {
	snap := make(map[string]*Record, len(keys))
	if len(keys) == 0 {
		return snap, nil
	}
	args := make([]any, 0, len(keys)+1)
	args = append(args, groupID)
	for _, k := range keys {
		args = append(args, k)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	rows, err := stx.QueryContext(ctx,
		`SELECT key, value, created_at, updated_at FROM state
		 WHERE group_id = ? AND key IN (`+placeholders+`)`, args...,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		rec, err := scanRecord(groupID, rows)
		if err != nil {
			return nil, err
		}
		snap[rec.Key] = rec
	}
	return snap, rows.Err()
}

func (b *SQLiteBackend) write(
	ctx context.Context, stx *sql.Tx, groupID string, w Write,
) error {
	if w.Record == nil {
		_, err := stx.ExecContext(ctx,
			`DELETE FROM state WHERE group_id = ? AND key = ?`,
			groupID, w.Key,
		)
		return err
	}
	data, err := json.Marshal(w.Record.Value)
	if err != nil {
		return err
	}
	_, err = stx.ExecContext(ctx,
		`INSERT INTO state (group_id, key, value, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (group_id, key) DO UPDATE SET
		   value = excluded.value, updated_at = excluded.updated_at`,
		groupID, w.Key, string(data),
		w.Record.CreatedAt.UnixNano(), w.Record.UpdatedAt.UnixNano(),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(groupID string, row rowScanner) (*Record, error) {
	var key, value string
	var created, updated int64
	if err := row.Scan(&key, &value, &created, &updated); err != nil {
		return nil, err
	}
	return buildRecord(groupID, key, value, created, updated)
}

func scanRecordWithGroup(groupID *string, row rowScanner) (*Record, error) {
	var key, value string
	var created, updated int64
	if err := row.Scan(groupID, &key, &value, &created, &updated); err != nil {
		return nil, err
	}
	return buildRecord(*groupID, key, value, created, updated)
}

func buildRecord(
	groupID, key, value string, created, updated int64,
) (*Record, error) {
	var v any
	if err := json.Unmarshal([]byte(value), &v); err != nil {
		return nil, err
	}
	return &Record{
		Value:     v,
		CreatedAt: time.Unix(0, created),
		UpdatedAt: time.Unix(0, updated),
		GroupID:   groupID,
		Key:       key,
	}, nil
}
