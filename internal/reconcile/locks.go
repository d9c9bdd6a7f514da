package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// LockManager provides the per-order mutual exclusion the reconciler
// holds for a full attempt. Acquire is non-blocking: a held lock means
// a concurrent duplicate invocation, not an error.
type LockManager interface {
	Acquire(ctx context.Context, orderID string) (release func(), acquired bool, err error)
}

// MemoryLockManager is the in-process lock registry used in single-node
// deployments and tests.
type MemoryLockManager struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryLockManager creates an empty lock registry.
func NewMemoryLockManager() *MemoryLockManager {
	return &MemoryLockManager{held: make(map[string]struct{})}
}

func (m *MemoryLockManager) Acquire(_ context.Context, orderID string) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.held[orderID]; taken {
		return nil, false, nil
	}
	m.held[orderID] = struct{}{}

	var once sync.Once
	release := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, orderID)
			m.mu.Unlock()
		})
	}
	return release, true, nil
}

// redisReleaseScript deletes the lock only when the token still matches,
// so an expired lock re-acquired by another run is never released here.
const redisReleaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

// RedisLockManager backs the lock registry with a shared store for
// multi-node deployments. Claims use SET NX with a TTL so a crashed
// holder cannot leak the lock forever.
type RedisLockManager struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisLockManager creates a redis-backed lock manager. The TTL must
// comfortably exceed the longest reconciliation attempt.
func NewRedisLockManager(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisLockManager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLockManager{client: client, ttl: ttl, logger: logger.Named("order-locks")}
}

func (r *RedisLockManager) Acquire(ctx context.Context, orderID string) (func(), bool, error) {
	key := "regsync:order-lock:" + orderID
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim order lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// Release must run even when the attempt's context is gone.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.client.Eval(releaseCtx, redisReleaseScript, []string{key}, token).Err(); err != nil {
				r.logger.Warn("failed to release order lock, relying on TTL expiry",
					zap.String("order_id", orderID),
					zap.Error(err))
			}
		})
	}
	return release, true, nil
}
