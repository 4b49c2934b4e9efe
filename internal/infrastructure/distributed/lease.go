package distributed

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// extend refreshes the lease only when this holder still owns it.
var extend = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

var release = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Lease elects one relay instance for periodic work on shared state, such
// as sweeping silent devices out of the Redis device store. A holder keeps
// the lease by calling Acquire more often than ttl.
type Lease struct {
	client *redis.Client
	key    string
	holder string
	ttl    time.Duration
}

func NewLease(client *redis.Client, key, holder string, ttl time.Duration) *Lease {
	return &Lease{client: client, key: key, holder: holder, ttl: ttl}
}

// Acquire takes the lease if it is free and renews it if this holder owns
// it. It reports whether the caller holds the lease afterwards.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.holder, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}

	n, err := extend.Run(ctx, l.client, []string{l.key}, l.holder, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to renew lease %s: %w", l.key, err)
	}
	return n == 1, nil
}

// Release gives the lease up early. Releasing a lease held by someone else
// is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	if err := release.Run(ctx, l.client, []string{l.key}, l.holder).Err(); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.key, err)
	}
	return nil
}

// Holder returns the current owner, empty when the lease is free.
func (l *Lease) Holder(ctx context.Context) (string, error) {
	v, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}
