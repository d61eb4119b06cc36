package scheduler

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/rendis/weave/internal/store"
)

// Locker provides named, expiring mutual exclusion across scheduler
// processes. TryLock reports false, not an error, when someone else holds
// the key.
type Locker interface {
	TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, owner string) error
}

// unlockScript deletes the key only while owner still holds it.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX.
type RedisLocker struct {
	client redis.UniversalClient
}

func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, key, owner, ttl).Result()
}

func (l *RedisLocker) Unlock(ctx context.Context, key, owner string) error {
	return unlockScript.Run(ctx, l.client, []string{key}, owner).Err()
}

// StoreLocker implements Locker on the store's lease table, for deployments
// without Redis.
type StoreLocker struct {
	leases store.LeaseStore
	now    func() time.Time
}

func NewStoreLocker(leases store.LeaseStore) *StoreLocker {
	return &StoreLocker{leases: leases, now: func() time.Time { return time.Now().UTC() }}
}

func (l *StoreLocker) TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return l.leases.TryAcquireLease(ctx, key, owner, ttl, l.now())
}

func (l *StoreLocker) Unlock(ctx context.Context, key, owner string) error {
	return l.leases.ReleaseLease(ctx, key, owner)
}

// Sweep deletes leases that expired before the given time.
func (l *StoreLocker) Sweep(ctx context.Context, before time.Time) (int64, error) {
	return l.leases.SweepLeases(ctx, before)
}

var (
	_ Locker = (*RedisLocker)(nil)
	_ Locker = (*StoreLocker)(nil)
)
