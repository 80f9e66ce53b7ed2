// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/stelioszach03/nyc-subway-monitor/pkg/transit"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/util/log"
)

// SnapshotCache keeps the latest per-line position snapshot in Redis so the
// position API can answer without a database round trip on every poll. The
// cache is strictly best-effort: a Redis failure degrades to the store.
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSnapshotCache connects to Redis and verifies reachability.
func NewSnapshotCache(ctx context.Context, redisURL string, ttl time.Duration) (*SnapshotCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return &SnapshotCache{client: client, ttl: ttl}, nil
}

// Close releases the Redis connection pool.
func (c *SnapshotCache) Close() error { return c.client.Close() }

// Ping verifies cache reachability.
func (c *SnapshotCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func snapshotKey(line string) string { return "positions:" + line }

// PutPositions stores the latest snapshot for a line.
func (c *SnapshotCache) PutPositions(ctx context.Context, line string, positions []transit.VehiclePosition) {
	payload, err := json.Marshal(positions)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, snapshotKey(line), payload, c.ttl).Err(); err != nil {
		log.Debugf("cache: snapshot write for line %s failed: %v", line, err)
	}
}

// GetPositions returns the cached snapshot for a line. The second return is
// false on a miss or any cache failure.
func (c *SnapshotCache) GetPositions(ctx context.Context, line string) ([]transit.VehiclePosition, bool) {
	payload, err := c.client.Get(ctx, snapshotKey(line)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Debugf("cache: snapshot read for line %s failed: %v", line, err)
		}
		return nil, false
	}
	var out []transit.VehiclePosition
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, false
	}
	return out, true
}

// InvalidateLine drops a line's snapshot after new positions land.
func (c *SnapshotCache) InvalidateLine(ctx context.Context, line string) {
	if err := c.client.Del(ctx, snapshotKey(line)).Err(); err != nil {
		log.Debugf("cache: invalidate line %s failed: %v", line, err)
	}
}
