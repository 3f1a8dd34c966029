package rediscache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const editBucketPrefix = "rl:edits:"

// EditLimiter counts queue view edits per wall-clock second in Redis, so every bot replica
// draws from the same messenger edit budget.
type EditLimiter struct {
	c *redis.Client
	// bucket outlives its second so a replica with a slightly skewed clock still lands on it.
	bucketTTL time.Duration
}

func NewEditLimiter(addr string) *EditLimiter {
	return &EditLimiter{
		c:         redis.NewClient(&redis.Options{Addr: addr}),
		bucketTTL: 2 * time.Second,
	}
}

func editBucket(at time.Time) string {
	return editBucketPrefix + at.UTC().Format("20060102150405")
}

// AllowEdit books one edit in the bucket of at. It returns false once perSecond edits were
// already booked in that second; a non-positive perSecond disables the limit. count is the
// bucket size after this call.
func (l *EditLimiter) AllowEdit(ctx context.Context, at time.Time, perSecond int64) (bool, int64, error) {
	if perSecond <= 0 {
		return true, 0, nil
	}
	key := editBucket(at)
	pipe := l.c.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.bucketTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, errors.Wrapf(err, "book view edit in %s", key)
	}
	n := incr.Val()
	return n <= perSecond, n, nil
}

func (l *EditLimiter) Close() error {
	return l.c.Close()
}
