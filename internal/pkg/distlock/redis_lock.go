package distlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces lock keys next to the verifier's other Redis keys.
const KeyPrefix = "verifier:lock:"

// ErrNotOwner is returned by Extend once the lock has expired or been taken
// by another replica.
var ErrNotOwner = errors.New("lock no longer owned")

// ownerOp runs a command on KEYS[1] only while it still holds our token.
// ARGV[2] selects the command: "del" or "pexpire" with ARGV[3] milliseconds.
var ownerOp = redis.NewScript(`
if redis.call("get", KEYS[1]) ~= ARGV[1] then
	return 0
end
if ARGV[2] == "del" then
	return redis.call("del", KEYS[1])
end
return redis.call("pexpire", KEYS[1], ARGV[3])
`)

// RedisLock is a SET NX lock with a TTL and a per-instance token.
type RedisLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{
		client: client,
		key:    KeyPrefix + key,
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	return ok, nil
}

// Release is a no-op when another holder owns the key.
func (l *RedisLock) Release(ctx context.Context) error {
	return ownerOp.Run(ctx, l.client, []string{l.key}, l.token, "del").Err()
}

// Extend pushes the TTL out during long sweeps.
func (l *RedisLock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := ownerOp.Run(ctx, l.client, []string{l.key}, l.token, "pexpire", ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("extend %s: %w", l.key, ErrNotOwner)
	}
	return nil
}
