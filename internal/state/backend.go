package state

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"
)

type (
	// Backend persists state records. All multi-step changes go through
	// Atomic so that no read-modify-write can lose an update
	Backend interface {
		// Atomic runs fn against a consistent snapshot of keys in groupID
		// and commits the writes it stages as one unit. fn may be called
		// more than once when a backend retries on conflict
		Atomic(
			ctx context.Context, groupID string, keys []string,
			fn func(*Tx) error,
		) error

		// Get returns the record stored at (groupID, key), or nil
		Get(ctx context.Context, groupID, key string) (*Record, error)

		// Scan returns every record in groupID, or in all groups when
		// groupID is empty, ordered by group then key
		Scan(ctx context.Context, groupID string) ([]*Record, error)

		// Groups returns the ids of all non-empty groups in order
		Groups(ctx context.Context) ([]string, error)

		// Clear removes every record in groupID and returns them
		Clear(ctx context.Context, groupID string) ([]*Record, error)

		Close() error
	}

	// Record is one stored value with its bookkeeping timestamps
	Record struct {
		Value     any       `json:"value"`
		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
		GroupID   string    `json:"-"`
		Key       string    `json:"-"`
	}

	// Tx stages writes against the snapshot an Atomic call loaded
	Tx struct {
		snapshot map[string]*Record
		writes   map[string]*Record
		order    []string
		groupID  string
		now      time.Time
	}
)

// ErrTxConflict is returned when a backend gives up retrying an optimistic
// transaction under sustained contention
var ErrTxConflict = errors.New("state transaction conflict")

// NewTx creates a transaction over a loaded snapshot. Backends call this
// from their Atomic implementation
func NewTx(groupID string, snapshot map[string]*Record, now time.Time) *Tx {
	if snapshot == nil {
		snapshot = map[string]*Record{}
	}
	return &Tx{
		snapshot: snapshot,
		writes:   map[string]*Record{},
		groupID:  groupID,
		now:      now,
	}
}

// Get returns the current record for key, including staged writes
func (tx *Tx) Get(key string) (*Record, bool) {
	if rec, ok := tx.writes[key]; ok {
		return rec, rec != nil
	}
	rec, ok := tx.snapshot[key]
	return rec, ok && rec != nil
}

// Put stages a write of value at key
func (tx *Tx) Put(key string, value any) {
	created := tx.now
	if cur, ok := tx.Get(key); ok {
		created = cur.CreatedAt
	}
	tx.stage(key, &Record{
		Value:     value,
		CreatedAt: created,
		UpdatedAt: tx.now,
		GroupID:   tx.groupID,
		Key:       key,
	})
}

// Delete stages the removal of key
func (tx *Tx) Delete(key string) {
	tx.stage(key, nil)
}

// Writes returns staged records in first-write order. A nil record means
// the key is deleted
func (tx *Tx) Writes() []Write {
	res := make([]Write, 0, len(tx.order))
	for _, key := range tx.order {
		res = append(res, Write{Key: key, Record: tx.writes[key]})
	}
	return res
}

func (tx *Tx) stage(key string, rec *Record) {
	if _, ok := tx.writes[key]; !ok {
		tx.order = append(tx.order, key)
	}
	tx.writes[key] = rec
}

// Write is one staged change produced by a transaction
type Write struct {
	Record *Record
	Key    string
}

func encodeRecord(rec *Record) ([]byte, error) {
	return json.Marshal(rec)
}

func decodeRecord(groupID, key string, data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	rec.GroupID = groupID
	rec.Key = key
	return &rec, nil
}

func sortRecords(recs []*Record) {
	slices.SortFunc(recs, func(l, r *Record) int {
		if c := cmp.Compare(l.GroupID, r.GroupID); c != 0 {
			return c
		}
		return cmp.Compare(l.Key, r.Key)
	})
}

func uniqueSorted(keys []string) []string {
	res := slices.Clone(keys)
	slices.Sort(res)
	return slices.Compact(res)
}
