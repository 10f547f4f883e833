package lock

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// KEYS[1] lock key; ARGV[1] lease ms, ARGV[2] owner.
// Returns nil when acquired, otherwise the holder's PTTL.
var acquireScript = redis.NewScript(`
if redis.call('exists', KEYS[1]) == 0 or redis.call('hexists', KEYS[1], ARGV[2]) == 1 then
    redis.call('hincrby', KEYS[1], ARGV[2], 1)
    redis.call('pexpire', KEYS[1], ARGV[1])
    return nil
end
local ttl = redis.call('pttl', KEYS[1])
if ttl == 0 then
    return 1
end
return ttl
`)

// KEYS[1] lock key; ARGV[1] channel, ARGV[2] message, ARGV[3] lease ms, ARGV[4] owner.
var releaseScript = redis.NewScript(`
if redis.call('exists', KEYS[1]) == 0 then
    redis.call('publish', ARGV[1], ARGV[2])
    return 3
end
if redis.call('hexists', KEYS[1], ARGV[4]) == 0 then
    return 0
end
local counter = redis.call('hincrby', KEYS[1], ARGV[4], -1)
if counter > 0 then
    redis.call('pexpire', KEYS[1], ARGV[3])
    return 2
end
redis.call('del', KEYS[1])
redis.call('publish', ARGV[1], ARGV[2])
return 1
`)

// KEYS[1] lock key; ARGV[1] lease ms, ARGV[2] owner.
var renewScript = redis.NewScript(`
if redis.call('hexists', KEYS[1], ARGV[2]) == 1 then
    redis.call('pexpire', KEYS[1], ARGV[1])
    return 1
end
return 0
`)

// KEYS[1] lock key; ARGV[1] channel, ARGV[2] message.
var forceUnlockScript = redis.NewScript(`
if redis.call('del', KEYS[1]) == 1 then
    redis.call('publish', ARGV[1], ARGV[2])
    return 1
end
return 0
`)

// RedisStore implements Store on a Redis hash per lock: one field per owner
// holding its reentrancy count, with the expiry set on the key as a whole.
// Wake messages are published from inside the scripts, so a RedisBus on the
// same deployment observes them.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore returns a new Redis store using the provided client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// TryAcquire implements Store.TryAcquire.
func (r *RedisStore) TryAcquire(ctx context.Context, key, owner string, lease time.Duration) (AcquireResult, error) {
	ttl, err := acquireScript.Run(ctx, r.client, []string{key}, lease.Milliseconds(), owner).Int64()
	if stdErrors.Is(err, redis.Nil) {
		return AcquireResult{Acquired: true}, nil
	}
	if err != nil {
		return AcquireResult{}, err
	}
	if ttl < 0 {
		return AcquireResult{Remaining: -1}, nil
	}
	return AcquireResult{Remaining: time.Duration(ttl) * time.Millisecond}, nil
}

// Release implements Store.Release.
func (r *RedisStore) Release(ctx context.Context, key, channel, owner string, lease time.Duration) (ReleaseOutcome, error) {
	code, err := releaseScript.Run(ctx, r.client, []string{key}, channel, UnlockMessage, lease.Milliseconds(), owner).Int64()
	if err != nil {
		return ReleaseNotOwner, err
	}
	switch ReleaseOutcome(code) {
	case ReleaseNotOwner, ReleaseReleased, ReleaseStillHeld, ReleaseAlreadyFree:
		return ReleaseOutcome(code), nil
	}
	return ReleaseNotOwner, fmt.Errorf("unexpected release reply %d", code)
}

// Renew implements Store.Renew.
func (r *RedisStore) Renew(ctx context.Context, key, owner string, lease time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, r.client, []string{key}, lease.Milliseconds(), owner).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ForceUnlock implements Store.ForceUnlock.
func (r *RedisStore) ForceUnlock(ctx context.Context, key, channel string) (bool, error) {
	n, err := forceUnlockScript.Run(ctx, r.client, []string{key}, channel, UnlockMessage).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// HoldCount implements Store.HoldCount.
func (r *RedisStore) HoldCount(ctx context.Context, key, owner string) (int, error) {
	n, err := r.client.HGet(ctx, key, owner).Int()
	if stdErrors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// IsLocked implements Store.IsLocked.
func (r *RedisStore) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RemainingLease implements Store.RemainingLease.
func (r *RedisStore) RemainingLease(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := r.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	switch {
	case ttl == -2:
		return 0, nil
	case ttl < 0:
		return -1, nil
	}
	return ttl, nil
}
