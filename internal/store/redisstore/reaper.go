package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Reaper executes the on-disconnect removals of connections whose heartbeat
// has gone stale. Several reapers may run at once; each stale connection is
// claimed by exactly one of them.
type Reaper struct {
	tree tree
	log  *logrus.Entry
}

func NewReaper(rdb *redis.Client, keyPrefix string, logger *logrus.Entry) *Reaper {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Reaper{
		tree: tree{rdb: rdb, prefix: keyPrefix},
		log:  logger.WithField("component", "reaper"),
	}
}

// Reap removes connections that have not sent a heartbeat within staleAfter.
func (r *Reaper) Reap(ctx context.Context, staleAfter time.Duration) (int, error) {
	return r.ReapBefore(ctx, time.Now().Add(-staleAfter))
}

// ReapBefore removes connections whose last heartbeat is older than cutoff.
func (r *Reaper) ReapBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := r.tree.rdb.ZRangeByScore(ctx, r.tree.livenessKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: list stale connections: %w", err)
	}

	reaped := 0
	for _, id := range ids {
		removed, err := disconnect(ctx, r.tree, id)
		if err != nil {
			r.log.WithError(err).WithField("conn_id", id).Warn("failed to reap connection")
			continue
		}
		if removed {
			reaped++
			r.log.WithField("conn_id", id).Info("reaped stale connection")
		}
	}
	return reaped, nil
}

// OnlineConnections returns the number of connections with a live heartbeat.
func (r *Reaper) OnlineConnections(ctx context.Context, staleAfter time.Duration) (int64, error) {
	cutoff := time.Now().Add(-staleAfter).UnixMilli()
	return r.tree.rdb.ZCount(ctx, r.tree.livenessKey(), strconv.FormatInt(cutoff, 10), "+inf").Result()
}

// disconnect claims connID's liveness entry and, if the claim succeeds, runs
// its on-disconnect removals. It reports whether this call did the work.
func disconnect(ctx context.Context, t tree, connID string) (bool, error) {
	claimed, err := t.rdb.ZRem(ctx, t.livenessKey(), connID).Result()
	if err != nil {
		return false, fmt.Errorf("redis: claim %s: %w", connID, err)
	}
	if claimed == 0 {
		return false, nil
	}

	key := t.disconnectKey(connID)
	paths, err := t.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return true, fmt.Errorf("redis: on-disconnect set of %s: %w", connID, err)
	}
	for _, p := range paths {
		if err := t.delete(ctx, p); err != nil {
			return true, err
		}
	}
	if err := t.rdb.Del(ctx, key).Err(); err != nil {
		return true, fmt.Errorf("redis: clear on-disconnect set of %s: %w", connID, err)
	}
	return true, nil
}
