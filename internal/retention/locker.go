package retention

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/xtxerr/beacon/internal/errors"
)

// Locker serializes retention passes on a partition so that only one manager
// instance works a (tenant, deviceType) at a time.
type Locker interface {
	// Acquire takes the named lock for at most ttl. It returns ErrLockHeld
	// when another owner holds it; the release function is never nil on
	// success.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// RedisLocker implements Locker with Redis SETNX for multi-node deployments.
// Each acquisition carries a unique token so a release after the TTL expired
// cannot delete a lock a newer owner took over.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker creates a Redis-backed locker.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "acquire lock %s", key)
	}
	if !ok {
		return nil, errors.ErrLockHeld
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}
	return release, nil
}

// LocalLocker implements Locker in-process for single-node deployments and
// tests. Locks expire by TTL so a pass that dies without releasing cannot
// wedge the partition forever.
type LocalLocker struct {
	mu    sync.Mutex
	holds map[string]time.Time
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{holds: make(map[string]time.Time)}
}

// Acquire implements Locker.
func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if deadline, held := l.holds[key]; held && time.Now().Before(deadline) {
		return nil, errors.ErrLockHeld
	}
	l.holds[key] = time.Now().Add(ttl)

	release := func() {
		l.mu.Lock()
		delete(l.holds, key)
		l.mu.Unlock()
	}
	return release, nil
}
