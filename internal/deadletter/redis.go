package deadletter

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/kode4food/switchyard/pkg/api"
)

// RedisStore keeps each dead-letter queue as a Redis list of JSON records
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store on client with every key under prefix
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix + ":dlq:"}
}

// Put implements Store
func (r *RedisStore) Put(ctx context.Context, dl *api.DeadLetter) error {
	if err := checkLetter(dl); err != nil {
		return err
	}
	data, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	return r.client.RPush(ctx, r.key(dl.Topic, dl.Subscriber), data).Err()
}

// List implements Store
func (r *RedisStore) List(
	ctx context.Context, topic api.Topic, subscriber string,
) ([]*api.DeadLetter, error) {
	raw, err := r.client.LRange(ctx, r.key(topic, subscriber), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	res := make([]*api.DeadLetter, 0, len(raw))
	for _, s := range raw {
		var dl api.DeadLetter
		if err := json.Unmarshal([]byte(s), &dl); err != nil {
			return nil, err
		}
		res = append(res, &dl)
	}
	return res, nil
}

// Take implements Store
func (r *RedisStore) Take(
	ctx context.Context, topic api.Topic, subscriber, id string,
) (*api.DeadLetter, error) {
	key := r.key(topic, subscriber)
	raw, err := r.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	for _, s := range raw {
		var dl api.DeadLetter
		if err := json.Unmarshal([]byte(s), &dl); err != nil {
			return nil, err
		}
		if dl.ID != id {
			continue
		}
		n, err := r.client.LRem(ctx, key, 1, s).Result()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, ErrNotFound
		}
		return &dl, nil
	}
	return nil, ErrNotFound
}

// Count implements Store
func (r *RedisStore) Count(
	ctx context.Context, topic api.Topic, subscriber string,
) (int, error) {
	n, err := r.client.LLen(ctx, r.key(topic, subscriber)).Result()
	return int(n), err
}

// Close implements Store
func (r *RedisStore) Close() error {
	return nil
}

func (r *RedisStore) key(topic api.Topic, subscriber string) string {
	return r.prefix + QueueName(topic, subscriber)
}
