package lock

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/kode4food/switchyard/pkg/api"
)

type (
	// MemoryTable holds the locks of every MemoryLocker sharing it, so
	// several instances can contend within one process
	MemoryTable struct {
		locks map[string]*api.Lock
		mu    sync.Mutex
	}

	// MemoryLocker is a Locker over a MemoryTable
	MemoryLocker struct {
		table      *MemoryTable
		now        func() time.Time
		instanceID string
	}
)

// NewMemoryTable creates an empty lock table
func NewMemoryTable() *MemoryTable {
	return &MemoryTable{locks: map[string]*api.Lock{}}
}

// NewMemoryLocker creates a locker for instanceID over table. A nil table
// gives the locker a private one
func NewMemoryLocker(table *MemoryTable, instanceID string) *MemoryLocker {
	if table == nil {
		table = NewMemoryTable()
	}
	return &MemoryLocker{
		table:      table,
		now:        time.Now,
		instanceID: instanceID,
	}
}

// WithClock replaces the locker's time source
func (m *MemoryLocker) WithClock(now func() time.Time) *MemoryLocker {
	m.now = now
	return m
}

// Acquire implements Locker
func (m *MemoryLocker) Acquire(
	_ context.Context, job string, ttl time.Duration,
) (*api.Lock, error) {
	if err := checkAcquire(job, ttl); err != nil {
		return nil, err
	}
	t := m.table
	t.mu.Lock()
	defer t.mu.Unlock()

	now := m.now()
	if cur, ok := t.locks[job]; ok && !cur.Expired(now) {
		return nil, nil
	}
	l := newLock(job, m.instanceID, now, ttl)
	t.locks[job] = l
	res := *l
	return &res, nil
}

// Release implements Locker
func (m *MemoryLocker) Release(_ context.Context, l *api.Lock) error {
	if l == nil {
		return ErrNilLock
	}
	t := m.table
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.locks[l.JobName]; ok && cur.Owns(l) {
		delete(t.locks, l.JobName)
	}
	return nil
}

// Renew implements Locker
func (m *MemoryLocker) Renew(
	_ context.Context, l *api.Lock, ttl time.Duration,
) (bool, error) {
	if err := checkRenew(l, ttl); err != nil {
		return false, err
	}
	t := m.table
	t.mu.Lock()
	defer t.mu.Unlock()

	now := m.now()
	cur, ok := t.locks[l.JobName]
	if !ok || !cur.Owns(l) || cur.Expired(now) {
		return false, nil
	}
	cur.ExpiresAt = now.Add(ttl)
	l.ExpiresAt = cur.ExpiresAt
	return true, nil
}

// Healthy implements Locker
func (m *MemoryLocker) Healthy(context.Context) bool {
	return true
}

// Active implements Locker
func (m *MemoryLocker) Active(context.Context) ([]*api.Lock, error) {
	t := m.table
	t.mu.Lock()
	defer t.mu.Unlock()

	now := m.now()
	res := []*api.Lock{}
	for job, l := range t.locks {
		if l.Expired(now) {
			delete(t.locks, job)
			continue
		}
		cp := *l
		res = append(res, &cp)
	}
	sortLocks(res)
	return res, nil
}

// Shutdown implements Locker
func (m *MemoryLocker) Shutdown(context.Context) error {
	t := m.table
	t.mu.Lock()
	defer t.mu.Unlock()
	for job, l := range t.locks {
		if l.InstanceID == m.instanceID {
			delete(t.locks, job)
		}
	}
	return nil
}

func sortLocks(locks []*api.Lock) {
	slices.SortFunc(locks, func(l, r *api.Lock) int {
		return strings.Compare(l.JobName, r.JobName)
	})
}
