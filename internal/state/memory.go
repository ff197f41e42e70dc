package state

import (
	"context"
	"slices"
	"sync"
	"time"
)

type (
	// MemoryBackend keeps records in process memory. Atomic sections lock
	// their keys in sorted order so overlapping transactions cannot
	// deadlock
	MemoryBackend struct {
		now    func() time.Time
		locks  *keyLocks
		groups map[string]map[string]*Record
		mu     sync.RWMutex
	}

	keyLocks struct {
		locks map[string]*keyLock
		mu    sync.Mutex
	}

	keyLock struct {
		sync.Mutex
		refs int
	}
)

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		now:    time.Now,
		locks:  &keyLocks{locks: map[string]*keyLock{}},
		groups: map[string]map[string]*Record{},
	}
}

// Atomic implements Backend
func (b *MemoryBackend) Atomic(
	_ context.Context, groupID string, keys []string, fn func(*Tx) error,
) error {
	names := make([]string, 0, len(keys))
	for _, k := range uniqueSorted(keys) {
		names = append(names, lockName(groupID, k))
	}
	unlock := b.locks.lock(names)
	defer unlock()

	b.mu.RLock()
	snap := make(map[string]*Record, len(keys))
	for _, k := range keys {
		if rec, ok := b.groups[groupID][k]; ok {
			snap[k] = cloneRecord(rec)
		}
	}
	b.mu.RUnlock()

	tx := NewTx(groupID, snap, b.now())
	if err := fn(tx); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, w := range tx.Writes() {
		b.apply(groupID, w)
	}
	return nil
}

// Get implements Backend
func (b *MemoryBackend) Get(
	_ context.Context, groupID, key string,
) (*Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return cloneRecord(b.groups[groupID][key]), nil
}

// Scan implements Backend
func (b *MemoryBackend) Scan(
	_ context.Context, groupID string,
) ([]*Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var res []*Record
	for g, recs := range b.groups {
		if groupID != "" && g != groupID {
			continue
		}
		for _, rec := range recs {
			res = append(res, cloneRecord(rec))
		}
	}
	sortRecords(res)
	return res, nil
}

// Groups implements Backend
func (b *MemoryBackend) Groups(context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	res := make([]string, 0, len(b.groups))
	for g := range b.groups {
		res = append(res, g)
	}
	slices.Sort(res)
	return res, nil
}

// Clear implements Backend
func (b *MemoryBackend) Clear(
	ctx context.Context, groupID string,
) ([]*Record, error) {
	recs, _ := b.Scan(ctx, groupID)
	keys := make([]string, 0, len(recs))
	for _, rec := range recs {
		keys = append(keys, rec.Key)
	}
	var removed []*Record
	err := b.Atomic(ctx, groupID, keys, func(tx *Tx) error {
		removed = removed[:0]
		for _, k := range keys {
			if rec, ok := tx.Get(k); ok {
				removed = append(removed, rec)
				tx.Delete(k)
			}
		}
		return nil
	})
	return removed, err
}

// Close implements Backend
func (b *MemoryBackend) Close() error {
	return nil
}

func (b *MemoryBackend) apply(groupID string, w Write) {
	recs := b.groups[groupID]
	if w.Record == nil {
		delete(recs, w.Key)
		if len(recs) == 0 {
			delete(b.groups, groupID)
		}
		return
	}
	if recs == nil {
		recs = map[string]*Record{}
		b.groups[groupID] = recs
	}
	recs[w.Key] = cloneRecord(w.Record)
}

func (l *keyLocks) lock(names []string) func() {
	held := make([]*keyLock, 0, len(names))
	for _, n := range names {
		l.mu.Lock()
		kl, ok := l.locks[n]
		if !ok {
			kl = &keyLock{}
			l.locks[n] = kl
		}
		kl.refs++
		l.mu.Unlock()
		kl.Lock()
		held = append(held, kl)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
			l.mu.Lock()
			held[i].refs--
			if held[i].refs == 0 {
				delete(l.locks, names[i])
			}
			l.mu.Unlock()
		}
	}
}

func lockName(groupID, key string) string {
	return groupID + "\x00" + key
}
