package catalogsource

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"go.uber.org/zap"
)

const snapshotLockKey = "snapshot-lock"

// WithSnapshotLock makes Documents take a cluster-wide lock before it
// refreshes. Replicas that reload together then call the service once and
// read the rest from the shared cache. The lock is best effort: after wait
// the refresh proceeds without it.
func WithSnapshotLock(locker *redislock.Client, wait time.Duration) Option {
	return func(c *Client) {
		c.locker = locker
		c.lockWait = wait
	}
}

func (c *Client) lockKey() string {
	if c.cfg.Redis.Prefix == "" {
		return snapshotLockKey
	}
	return c.cfg.Redis.Prefix + ":" + snapshotLockKey
}

// lockSnapshot obtains the snapshot lock and returns its release func.
func (c *Client) lockSnapshot(ctx context.Context) func() {
	if c.locker == nil {
		return func() {}
	}
	wait := c.lockWait
	if wait <= 0 {
		wait = 30 * time.Second
	}
	obtainCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	lock, err := c.locker.Obtain(obtainCtx, c.lockKey(), wait, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(50 * time.Millisecond),
	})
	if err != nil {
		msg := "error obtaining snapshot lock, refreshing without it"
		if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
			msg = "snapshot lock busy, refreshing without it"
		}
		c.logger.Warn(msg, zap.String("key", c.lockKey()), zap.Error(err))
		return func() {}
	}
	return func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			c.logger.Warn("releasing snapshot lock", zap.Error(err))
		}
	}
}
