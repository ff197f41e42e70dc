package lock

import (
	"context"
	"database/sql"
	"time"

	"github.com/kode4food/switchyard/internal/sqlstore"
	"github.com/kode4food/switchyard/pkg/api"
)

// SQLiteLocker keeps locks in a SQLite table so that instances sharing the
// database file contend for the same jobs
type SQLiteLocker struct {
	db         *sql.DB
	now        func() time.Time
	instanceID string
}

const createLockTable = `
CREATE TABLE IF NOT EXISTS locks (
    job_name    TEXT PRIMARY KEY,
    lock_id     TEXT NOT NULL,
    instance_id TEXT NOT NULL,
    acquired_at INTEGER NOT NULL,
    expires_at  INTEGER NOT NULL
)`

const acquireSQL = `
INSERT INTO locks (job_name, lock_id, instance_id, acquired_at, expires_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (job_name) DO UPDATE SET
    lock_id = excluded.lock_id,
    instance_id = excluded.instance_id,
    acquired_at = excluded.acquired_at,
    expires_at = excluded.expires_at
WHERE locks.expires_at <= excluded.acquired_at`

// NewSQLiteLocker opens the database at path for instanceID
func NewSQLiteLocker(path, instanceID string) (*SQLiteLocker, error) {
	db, err := sqlstore.Open(path, createLockTable)
	if err != nil {
		return nil, err
	}
	return &SQLiteLocker{db: db, now: time.Now, instanceID: instanceID}, nil
}

// Acquire implements Locker
func (s *SQLiteLocker) Acquire(
	ctx context.Context, job string, ttl time.Duration,
) (*api.Lock, error) {
	if err := checkAcquire(job, ttl); err != nil {
		return nil, err
	}
	l := newLock(job, s.instanceID, s.now(), ttl)
	res, err := s.db.ExecContext(ctx, acquireSQL,
		l.JobName, l.LockID, l.InstanceID,
		l.AcquiredAt.UnixNano(), l.ExpiresAt.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return nil, err
	}
	return l, nil
}

// Release implements Locker
func (s *SQLiteLocker) Release(ctx context.Context, l *api.Lock) error {
	if l == nil {
		return ErrNilLock
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM locks
		 WHERE job_name = ? AND lock_id = ? AND instance_id = ?`,
		l.JobName, l.LockID, l.InstanceID,
	)
	return err
}

// Renew implements Locker
func (s *SQLiteLocker) Renew(
	ctx context.Context, l *api.Lock, ttl time.Duration,
) (bool, error) {
	if err := checkRenew(l, ttl); err != nil {
		return false, err
	}
	now := s.now()
	expires := now.Add(ttl)
	res, err := s.db.ExecContext(ctx,
		`UPDATE locks SET expires_at = ?
		 WHERE job_name = ? AND lock_id = ? AND instance_id = ?
		   AND expires_at > ?`,
		expires.UnixNano(), l.JobName, l.LockID, l.InstanceID,
		now.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return false, err
	}
	l.ExpiresAt = expires
	return true, nil
}

// Healthy implements Locker
func (s *SQLiteLocker) Healthy(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

// Active implements Locker
func (s *SQLiteLocker) Active(ctx context.Context) ([]*api.Lock, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_name, lock_id, instance_id, acquired_at, expires_at
		 FROM locks WHERE expires_at > ? ORDER BY job_name`,
		s.now().UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	res := []*api.Lock{}
	for rows.Next() {
		var l api.Lock
		var acquired, expires int64
		err := rows.Scan(
			&l.JobName, &l.LockID, &l.InstanceID, &acquired, &expires,
		)
		if err != nil {
			return nil, err
		}
		l.AcquiredAt = time.Unix(0, acquired)
		l.ExpiresAt = time.Unix(0, expires)
		res = append(res, &l)
	}
	return res, rows.Err()
}

// Shutdown implements Locker
func (s *SQLiteLocker) Shutdown(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE instance_id = ?`, s.instanceID,
	)
	if err != nil {
		return err
	}
	return s.db.Close()
}
