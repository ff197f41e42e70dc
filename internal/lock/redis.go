package lock

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kode4food/switchyard/pkg/api"
)

// RedisLocker stores each lock as a JSON string under an expiring key.
// Acquisition is SET NX PX; release and renewal run as Lua scripts that
// compare the stored lock and instance ids
type RedisLocker struct {
	client     *redis.Client
	now        func() time.Time
	prefix     string
	instanceID string
}

const scanCount = 100

const (
	releaseLua = `
local current = redis.call('GET', KEYS[1])
if not current then
	return 0
end
local lock = cjson.decode(current)
if lock.lock_id == ARGV[1] and lock.instance_id == ARGV[2] then
	return redis.call('DEL', KEYS[1])
end
return 0
`

	renewLua = `
local current = redis.call('GET', KEYS[1])
if not current then
	return 0
end
local lock = cjson.decode(current)
if lock.lock_id == ARGV[1] and lock.instance_id == ARGV[2] then
	redis.call('SET', KEYS[1], ARGV[3], 'PX', ARGV[4])
	return 1
end
return 0
`
)

var (
	releaseScript = redis.NewScript(releaseLua)
	renewScript   = redis.NewScript(renewLua)
)

// NewRedisLocker creates a locker for instanceID with keys under prefix
func NewRedisLocker(
	client *redis.Client, prefix, instanceID string,
) *RedisLocker {
	return &RedisLocker{
		client:     client,
		now:        time.Now,
		prefix:     prefix + ":lock:",
		instanceID: instanceID,
	}
}

// Acquire implements Locker
func (r *RedisLocker) Acquire(
	ctx context.Context, job string, ttl time.Duration,
) (*api.Lock, error) {
	if err := checkAcquire(job, ttl); err != nil {
		return nil, err
	}
	l := newLock(job, r.instanceID, r.now(), ttl)
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	ok, err := r.client.SetNX(ctx, r.key(job), data, ttl).Result()
	if err != nil || !ok {
		return nil, err
	}
	return l, nil
}

// Release implements Locker
func (r *RedisLocker) Release(ctx context.Context, l *api.Lock) error {
	if l == nil {
		return ErrNilLock
	}
	return releaseScript.Run(
		ctx, r.client, []string{r.key(l.JobName)}, l.LockID, l.InstanceID,
	).Err()
}

// Renew implements Locker
func (r *RedisLocker) Renew(
	ctx context.Context, l *api.Lock, ttl time.Duration,
) (bool, error) {
	if err := checkRenew(l, ttl); err != nil {
		return false, err
	}
	renewed := *l
	renewed.ExpiresAt = r.now().Add(ttl)
	data, err := json.Marshal(&renewed)
	if err != nil {
		return false, err
	}
	res, err := renewScript.Run(ctx, r.client, []string{r.key(l.JobName)},
		l.LockID, l.InstanceID, string(data), ttl.Milliseconds(),
	).Int()
	if err != nil || res != 1 {
		return false, err
	}
	l.ExpiresAt = renewed.ExpiresAt
	return true, nil
}

// Healthy implements Locker
func (r *RedisLocker) Healthy(ctx context.Context) bool {
	return r.client.Ping(ctx).Err() == nil
}

// Active implements Locker
func (r *RedisLocker) Active(ctx context.Context) ([]*api.Lock, error) {
	res := []*api.Lock{}
	err := r.each(ctx, func(l *api.Lock) error {
		res = append(res, l)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortLocks(res)
	return res, nil
}

// Shutdown implements Locker
func (r *RedisLocker) Shutdown(ctx context.Context) error {
	return r.each(ctx, func(l *api.Lock) error {
		if l.InstanceID != r.instanceID {
			return nil
		}
		return r.Release(ctx, l)
	})
}

func (r *RedisLocker) each(ctx context.Context, fn func(*api.Lock) error) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return err
		}
		var l api.Lock
		if err := json.Unmarshal(data, &l); err != nil {
			continue
		}
		if err := fn(&l); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (r *RedisLocker) key(job string) string {
	return r.prefix + job
}
