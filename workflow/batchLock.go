package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bsm/redislock"

	"bitbucket.org/mmdatafocus/pharma_backend/config"
	"bitbucket.org/mmdatafocus/pharma_backend/models"
)

func batchLockKey(key models.BatchKey) string {
	return fmt.Sprintf("lock:stock:%d:%s", key.ProductId, key.BatchNumber)
}

// AcquireBatchLocks obtains the write lock for every key, ascending key
// order, so concurrent writers touching overlapping key sets cannot
// deadlock. Waits are bounded by LOCK_TIMEOUT_SECONDS; a bounded wait
// that elapses returns ErrLockTimeout. The returned release function is
// safe to call exactly once, after the enclosing transaction finishes.
func AcquireBatchLocks(ctx context.Context, keys ...models.BatchKey) (func(), error) {
	locker := config.GetRedisLock()
	if locker == nil {
		return nil, errors.New("redis lock client is not initialized")
	}

	sorted := dedupeKeys(keys)
	timeout := config.LockTimeout()
	waitCtx, cancel := context.WithTimeout(ctx, timeout)

	locks := make([]*redislock.Lock, 0, len(sorted))
	release := func() {
		for i := len(locks) - 1; i >= 0; i-- {
			_ = locks[i].Release(context.Background())
		}
		cancel()
	}
	// TTL outlives the bounded wait so a lock held across a slow
	// transaction does not expire mid-write.
	ttl := timeout + 10*time.Second
	for _, k := range sorted {
		lock, err := locker.Obtain(waitCtx, batchLockKey(k), ttl, &redislock.Options{
			RetryStrategy: redislock.LinearBackoff(100 * time.Millisecond),
		})
		if err != nil {
			release()
			if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
				return nil, models.ErrLockTimeout
			}
			return nil, err
		}
		locks = append(locks, lock)
	}
	return release, nil
}

func dedupeKeys(keys []models.BatchKey) []models.BatchKey {
	sorted := append([]models.BatchKey(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })
	out := sorted[:0]
	for i, k := range sorted {
		if i == 0 || k != sorted[i-1] {
			out = append(out, k)
		}
	}
	return out
}
