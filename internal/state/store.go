package state

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/kode4food/switchyard/pkg/api"
)

type (
	// Store exposes the atomic state primitives over a Backend and notifies
	// watchers of every committed mutation
	Store struct {
		backend  Backend
		watchers map[int]Watcher
		nextID   int
		mu       sync.RWMutex
	}

	// Watcher is called synchronously, in registration order, after a
	// mutation commits. The context carries the mutating call's trace id
	Watcher func(context.Context, *api.StateMutation)

	// UpdateFunc computes a new value from the current one. exists is false
	// when the key is missing
	UpdateFunc func(current any, exists bool) (any, error)
)

// New creates a Store over backend
func New(backend Backend) *Store {
	return &Store{
		backend:  backend,
		watchers: map[int]Watcher{},
	}
}

// Watch registers w for every future mutation and returns a function that
// removes it
func (s *Store) Watch(w Watcher) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = w
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers, id)
	}
}

// Get returns the value at (groupID, key) and whether it exists
func (s *Store) Get(
	ctx context.Context, groupID, key string,
) (any, bool, error) {
	if err := checkKey(groupID, key); err != nil {
		return nil, false, err
	}
	rec, err := s.backend.Get(ctx, groupID, key)
	if err != nil || rec == nil {
		return nil, false, err
	}
	return rec.Value, true, nil
}

// Exists reports whether (groupID, key) holds a value
func (s *Store) Exists(ctx context.Context, groupID, key string) (bool, error) {
	_, ok, err := s.Get(ctx, groupID, key)
	return ok, err
}

// Set stores value at (groupID, key) and returns the stored form
func (s *Store) Set(
	ctx context.Context, groupID, key string, value any,
) (any, error) {
	return s.one(ctx, groupID, &api.StateOp{
		Type: api.OpSet, Key: key, Value: value,
	})
}

// Delete removes (groupID, key) and returns the value it held
func (s *Store) Delete(ctx context.Context, groupID, key string) (any, error) {
	return s.one(ctx, groupID, &api.StateOp{Type: api.OpDelete, Key: key})
}

// Clear removes every key in groupID
func (s *Store) Clear(ctx context.Context, groupID string) error {
	if groupID == "" {
		return fmt.Errorf("%w: %w", api.ErrValidation, api.ErrStateGroupEmpty)
	}
	removed, err := s.backend.Clear(ctx, groupID)
	if err != nil {
		return err
	}
	changes := make([]*change, 0, len(removed))
	for _, rec := range removed {
		changes = append(changes, &change{
			key: rec.Key, op: api.OpClear, old: rec.Value,
			existed: true, deleted: true,
		})
	}
	s.notify(ctx, groupID, changes)
	return nil
}

// GetGroup returns every value in groupID ordered by key
func (s *Store) GetGroup(ctx context.Context, groupID string) ([]any, error) {
	recs, err := s.scan(ctx, groupID)
	if err != nil {
		return nil, err
	}
	res := make([]any, 0, len(recs))
	for _, rec := range recs {
		res = append(res, rec.Value)
	}
	return res, nil
}

// Keys returns the keys of groupID in order
func (s *Store) Keys(ctx context.Context, groupID string) ([]string, error) {
	recs, err := s.scan(ctx, groupID)
	if err != nil {
		return nil, err
	}
	res := make([]string, 0, len(recs))
	for _, rec := range recs {
		res = append(res, rec.Key)
	}
	return res, nil
}

// Groups returns the ids of all non-empty groups
func (s *Store) Groups(ctx context.Context) ([]string, error) {
	return s.backend.Groups(ctx)
}

// Items returns the entries of groupID (or of every group when groupID is
// empty) whose values satisfy all filters
func (s *Store) Items(
	ctx context.Context, groupID string, filters ...*api.StateFilter,
) ([]*api.StateItem, error) {
	for _, f := range filters {
		if err := f.Validate(); err != nil {
			return nil, err
		}
	}
	recs, err := s.backend.Scan(ctx, groupID)
	if err != nil {
		return nil, err
	}
	res := []*api.StateItem{}
	for _, rec := range recs {
		if !Matches(rec.Value, filters) {
			continue
		}
		res = append(res, &api.StateItem{
			Value:     rec.Value,
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
			GroupID:   rec.GroupID,
			Key:       rec.Key,
			Type:      api.TypeOf(rec.Value),
		})
	}
	return res, nil
}

// Increment atomically adds delta to a numeric value, treating a missing
// key as zero. A zero delta increments by one
func (s *Store) Increment(
	ctx context.Context, groupID, key string, delta float64,
) (float64, error) {
	res, err := s.one(ctx, groupID, &api.StateOp{
		Type: api.OpIncrement, Key: key, Delta: delta,
	})
	if err != nil {
		return 0, err
	}
	return res.(float64), nil
}

// Decrement atomically subtracts delta from a numeric value, treating a
// missing key as zero and never going below zero
func (s *Store) Decrement(
	ctx context.Context, groupID, key string, delta float64,
) (float64, error) {
	res, err := s.one(ctx, groupID, &api.StateOp{
		Type: api.OpDecrement, Key: key, Delta: delta,
	})
	if err != nil {
		return 0, err
	}
	return res.(float64), nil
}

// Push appends items to an array value, creating it when missing
func (s *Store) Push(
	ctx context.Context, groupID, key string, items ...any,
) ([]any, error) {
	return asSlice(s.one(ctx, groupID, &api.StateOp{
		Type: api.OpPush, Key: key, Items: items,
	}))
}

// Unshift prepends items to an array value, creating it when missing
func (s *Store) Unshift(
	ctx context.Context, groupID, key string, items ...any,
) ([]any, error) {
	return asSlice(s.one(ctx, groupID, &api.StateOp{
		Type: api.OpUnshift, Key: key, Items: items,
	}))
}

// Pop removes and returns the last element of an array value, or nil when
// the array is empty or missing
func (s *Store) Pop(ctx context.Context, groupID, key string) (any, error) {
	return s.one(ctx, groupID, &api.StateOp{Type: api.OpPop, Key: key})
}

// Shift removes and returns the first element of an array value, or nil
// when the array is empty or missing
func (s *Store) Shift(ctx context.Context, groupID, key string) (any, error) {
	return s.one(ctx, groupID, &api.StateOp{Type: api.OpShift, Key: key})
}

// SetField sets one field of an object value, creating it when missing
func (s *Store) SetField(
	ctx context.Context, groupID, key, field string, value any,
) (map[string]any, error) {
	return asMap(s.one(ctx, groupID, &api.StateOp{
		Type: api.OpSetField, Key: key, Field: field, Value: value,
	}))
}

// DeleteField removes one field of an object value
func (s *Store) DeleteField(
	ctx context.Context, groupID, key, field string,
) (map[string]any, error) {
	return asMap(s.one(ctx, groupID, &api.StateOp{
		Type: api.OpDeleteField, Key: key, Field: field,
	}))
}

// CompareAndSwap stores next only if the current value equals expected. A
// nil expected value matches a missing key
func (s *Store) CompareAndSwap(
	ctx context.Context, groupID, key string, expected, next any,
) (bool, error) {
	res, err := s.one(ctx, groupID, &api.StateOp{
		Type: api.OpCompareAndSwap, Key: key, Expected: expected, Value: next,
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// Update atomically replaces a value with the result of fn
func (s *Store) Update(
	ctx context.Context, groupID, key string, fn UpdateFunc,
) (any, error) {
	if err := checkKey(groupID, key); err != nil {
		return nil, err
	}
	var res any
	var ch *change
	err := s.backend.Atomic(ctx, groupID, []string{key},
		func(tx *Tx) error {
			rec, exists := tx.Get(key)
			var cur any
			if exists {
				cur = rec.Value
			}
			next, err := fn(clone(cur), exists)
			if err != nil {
				return err
			}
			if next, err = Normalize(next); err != nil {
				return err
			}
			tx.Put(key, next)
			res = next
			ch = &change{
				key: key, op: api.OpUpdate, old: cur, new: next,
				existed: exists,
			}
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, groupID, []*change{ch})
	return res, nil
}

// Transaction applies ops in order as one atomic unit. Any failing op
// aborts the whole list without writing; storage failures are returned as
// errors instead
func (s *Store) Transaction(
	ctx context.Context, groupID string, ops []*api.StateOp,
) (*api.TransactionResult, error) {
	results, err := s.run(ctx, groupID, ops)
	if err != nil {
		if isOpError(err) {
			return &api.TransactionResult{
				Results: []any{},
				Error:   err.Error(),
			}, nil
		}
		return nil, err
	}
	return &api.TransactionResult{Success: true, Results: results}, nil
}

// Batch applies each op independently and reports per-op results
func (s *Store) Batch(
	ctx context.Context, groupID string, ops []*api.StateOp,
) (*api.BatchResult, error) {
	res := &api.BatchResult{
		Results: make([]*api.BatchItemResult, 0, len(ops)),
	}
	for _, op := range ops {
		item := &api.BatchItemResult{ID: op.ID}
		val, err := s.one(ctx, groupID, op)
		if err != nil {
			if !isOpError(err) {
				return nil, err
			}
			item.Error = err.Error()
		}
		item.Value = val
		res.Results = append(res.Results, item)
	}
	return res, nil
}

// Close releases the backend
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) one(
	ctx context.Context, groupID string, op *api.StateOp,
) (any, error) {
	res, err := s.run(ctx, groupID, []*api.StateOp{op})
	if err != nil {
		return nil, err
	}
	return res[0], nil
}

func (s *Store) run(
	ctx context.Context, groupID string, ops []*api.StateOp,
) ([]any, error) {
	if groupID == "" {
		return nil, fmt.Errorf("%w: %w", api.ErrValidation, api.ErrStateGroupEmpty)
	}
	prepared, keys, err := prepareOps(ops)
	if err != nil {
		return nil, err
	}

	var results []any
	var changes []*change
	err = s.backend.Atomic(ctx, groupID, keys, func(tx *Tx) error {
		results = make([]any, 0, len(prepared))
		changes = changes[:0]
		for _, op := range prepared {
			res, ch, err := execOp(tx, op)
			if err != nil {
				return err
			}
			results = append(results, clone(res))
			if ch != nil {
				changes = append(changes, ch)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, groupID, changes)
	return results, nil
}

func (s *Store) scan(ctx context.Context, groupID string) ([]*Record, error) {
	if groupID == "" {
		return nil, fmt.Errorf("%w: %w", api.ErrValidation, api.ErrStateGroupEmpty)
	}
	return s.backend.Scan(ctx, groupID)
}

func (s *Store) notify(ctx context.Context, groupID string, changes []*change) {
	if len(changes) == 0 {
		return
	}
	s.mu.RLock()
	ids := make([]int, 0, len(s.watchers))
	for id := range s.watchers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	watchers := make([]Watcher, 0, len(ids))
	for _, id := range ids {
		watchers = append(watchers, s.watchers[id])
	}
	s.mu.RUnlock()
	if len(watchers) == 0 {
		return
	}

	traceID := api.TraceIDFrom(ctx)
	for _, ch := range changes {
		m := &api.StateMutation{
			GroupID: groupID,
			Key:     ch.key,
			Op:      ch.op,
			Old:     ch.old,
			New:     ch.new,
			TraceID: traceID,
			Existed: ch.existed,
			Deleted: ch.deleted,
		}
		for _, w := range watchers {
			w(ctx, m)
		}
	}
}

func prepareOps(ops []*api.StateOp) ([]*api.StateOp, []string, error) {
	prepared := make([]*api.StateOp, 0, len(ops))
	keys := make([]string, 0, len(ops))
	for _, op := range ops {
		if op == nil {
			return nil, nil, fmt.Errorf("%w: %w", api.ErrValidation,
				api.ErrInvalidStateOp)
		}
		if err := op.Validate(); err != nil {
			return nil, nil, err
		}
		p := *op
		var err error
		if p.Value, err = Normalize(op.Value); err != nil {
			return nil, nil, fmt.Errorf("%w: %w", api.ErrValidation, err)
		}
		if p.Expected, err = Normalize(op.Expected); err != nil {
			return nil, nil, fmt.Errorf("%w: %w", api.ErrValidation, err)
		}
		if len(op.Items) > 0 {
			items, err := Normalize(op.Items)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %w", api.ErrValidation, err)
			}
			p.Items = items.([]any)
		}
		prepared = append(prepared, &p)
		keys = append(keys, op.Key)
	}
	return prepared, keys, nil
}

func checkKey(groupID, key string) error {
	if groupID == "" {
		return fmt.Errorf("%w: %w", api.ErrValidation, api.ErrStateGroupEmpty)
	}
	if key == "" {
		return fmt.Errorf("%w: %w", api.ErrValidation, api.ErrStateKeyEmpty)
	}
	return nil
}

func isOpError(err error) bool {
	return api.IsValidation(err) ||
		errors.Is(err, ErrNotNumeric) ||
		errors.Is(err, ErrNotArray) ||
		errors.Is(err, ErrNotObject)
}

func asSlice(v any, err error) ([]any, error) {
	if err != nil {
		return nil, err
	}
	res, _ := v.([]any)
	return res, nil
}

func asMap(v any, err error) (map[string]any, error) {
	if err != nil {
		return nil, err
	}
	res, _ := v.(map[string]any)
	return res, nil
}
