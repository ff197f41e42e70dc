package state

import (
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores each group as one Redis hash whose fields are state
// keys. Atomic sections use WATCH/MULTI and retry on conflict
type RedisBackend struct {
	client *redis.Client
	now    func() time.Time
	prefix string
}

const (
	maxTxAttempts  = 1000
	maxTxBackoff   = 5 * time.Millisecond
	scanBatchCount = 100
)

// NewRedisBackend creates a backend on client with every key under prefix
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	return &RedisBackend{
		client: client,
		now:    time.Now,
		prefix: prefix + ":state:",
	}
}

// Atomic implements Backend
func (b *RedisBackend) Atomic(
	ctx context.Context, groupID string, keys []string, fn func(*Tx) error,
) error {
	hk := b.groupKey(groupID)
	keys = uniqueSorted(keys)
	for range maxTxAttempts {
		var fnErr error
		err := b.client.Watch(ctx, func(rtx *redis.Tx) error {
			snap, err := b.load(ctx, rtx, groupID, keys)
			if err != nil {
				return err
			}
			tx := NewTx(groupID, snap, b.now())
			if fnErr = fn(tx); fnErr != nil {
				return nil
			}
			writes := tx.Writes()
			if len(writes) == 0 {
				return nil
			}
			_, err = rtx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				return stageWrites(ctx, p, hk, writes)
			})
			return err
		}, hk)
		if errors.Is(err, redis.TxFailedErr) {
			sleepJitter(ctx)
			continue
		}
		if err != nil {
			return err
		}
		return fnErr
	}
	return ErrTxConflict
}

// Get implements Backend
func (b *RedisBackend) Get(
	ctx context.Context, groupID, key string,
) (*Record, error) {
	data, err := b.client.HGet(ctx, b.groupKey(groupID), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord(groupID, key, data)
}

// Scan implements Backend
func (b *RedisBackend) Scan(
	ctx context.Context, groupID string,
) ([]*Record, error) {
	groups := []string{groupID}
	if groupID == "" {
		var err error
		if groups, err = b.Groups(ctx); err != nil {
			return nil, err
		}
	}
	var res []*Record
	for _, g := range groups {
		all, err := b.client.HGetAll(ctx, b.groupKey(g)).Result()
		if err != nil {
			return nil, err
		}
		for k, v := range all {
			rec, err := decodeRecord(g, k, []byte(v))
			if err != nil {
				return nil, err
			}
			res = append(res, rec)
		}
	}
	sortRecords(res)
	return res, nil
}

// Groups implements Backend
func (b *RedisBackend) Groups(ctx context.Context) ([]string, error) {
	var res []string
	iter := b.client.Scan(ctx, 0, b.prefix+"*", scanBatchCount).Iterator()
	for iter.Next(ctx) {
		res = append(res, strings.TrimPrefix(iter.Val(), b.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	slices.Sort(res)
	return slices.Compact(res), nil
}

// Clear implements Backend
func (b *RedisBackend) Clear(
	ctx context.Context, groupID string,
) ([]*Record, error) {
	hk := b.groupKey(groupID)
	var removed []*Record
	for range maxTxAttempts {
		err := b.client.Watch(ctx, func(rtx *redis.Tx) error {
			all, err := rtx.HGetAll(ctx, hk).Result()
			if err != nil {
				return err
			}
			removed = removed[:0]
			for k, v := range all {
				rec, err := decodeRecord(groupID, k, []byte(v))
				if err != nil {
					return err
				}
				removed = append(removed, rec)
			}
			_, err = rtx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Del(ctx, hk)
				return nil
			})
			return err
		}, hk)
		if errors.Is(err, redis.TxFailedErr) {
			sleepJitter(ctx)
			continue
		}
		if err != nil {
			return nil, err
		}
		sortRecords(removed)
		return removed, nil
	}
	return nil, ErrTxConflict
}

// Close implements Backend
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

func (b *RedisBackend) load(
	ctx context.Context, rtx *redis.Tx, groupID string, keys []string,
) (map[string]*Record, error) {
	snap := make(map[string]*Record, len(keys))
	if len(keys) == 0 {
		return snap, nil
	}
	vals, err := rtx.HMGet(ctx, b.groupKey(groupID), keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := decodeRecord(groupID, keys[i], []byte(s))
		if err != nil {
			return nil, err
		}
		snap[keys[i]] = rec
	}
	return snap, nil
}

func (b *RedisBackend) groupKey(groupID string) string {
	return b.prefix + groupID
}

func stageWrites(
	ctx context.Context, p redis.Pipeliner, hk string, writes []Write,
) error {
	for _, w := range writes {
		if w.Record == nil {
			p.HDel(ctx, hk, w.Key)
			continue
		}
		data, err := encodeRecord(w.Record)
		if err != nil {
			return err
		}
		p.HSet(ctx, hk, w.Key, data)
	}
	return nil
}

func sleepJitter(ctx context.Context) {
	d := time.Duration(rand.Int64N(int64(maxTxBackoff)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
