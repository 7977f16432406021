// Package lease keeps two workers from crawling the same job at once.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "linkscope:lease:"

// Only the owner may extend or drop a lease.
const (
	renewScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`
	releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`
)

type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

// Redis implements crawler.Lease with SET NX PX and owner-checked scripts.
type Redis struct {
	client redisClient
}

// NewRedis wraps a go-redis client.
func NewRedis(client redisClient) *Redis {
	return &Redis{client: client}
}

// NewRedisClient dials Redis with the given options.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
}

// Acquire takes the lease if nobody holds it.
func (r *Redis) Acquire(ctx context.Context, jobID uuid.UUID, owner string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key(jobID), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return ok, nil
}

// Renew extends the lease if owner still holds it.
func (r *Redis) Renew(ctx context.Context, jobID uuid.UUID, owner string, ttl time.Duration) (bool, error) {
	n, err := r.client.Eval(ctx, renewScript, []string{key(jobID)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return n == 1, nil
}

// Release drops the lease if owner still holds it.
func (r *Redis) Release(ctx context.Context, jobID uuid.UUID, owner string) error {
	if err := r.client.Eval(ctx, releaseScript, []string{key(jobID)}, owner).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// Held reports whether any worker holds the lease.
func (r *Redis) Held(ctx context.Context, jobID uuid.UUID) (bool, error) {
	n, err := r.client.Exists(ctx, key(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("check lease: %w", err)
	}
	return n == 1, nil
}

func key(jobID uuid.UUID) string {
	return keyPrefix + jobID.String()
}
