// Package cache wraps the runtime inventory with a Redis-backed cache.
// Listing every container, image and volume with sizes is the most
// expensive engine call the daemon makes; cycles that run between
// runtime events can reuse the last listing.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/qman/qman/internal/domain"
	"github.com/qman/qman/internal/ports"
)

const defaultTTL = 10 * time.Minute

// Inventory decorates a ports.RuntimeInventory with caching. A cache
// failure is never fatal; the wrapped source is always authoritative.
type Inventory struct {
	source ports.RuntimeInventory
	rdb    *redis.Client
	key    string
	ttl    time.Duration
	logger *logrus.Logger
}

// NewInventory builds the caching decorator. hostID keeps cache keys
// distinct when several hosts share one Redis.
func NewInventory(source ports.RuntimeInventory, rdb *redis.Client, hostID string, ttl time.Duration, logger *logrus.Logger) *Inventory {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Inventory{
		source: source,
		rdb:    rdb,
		key:    fmt.Sprintf("qman:inventory:%s", hostID),
		ttl:    ttl,
		logger: logger,
	}
}

var _ ports.RuntimeInventory = (*Inventory)(nil)

// Inventory returns the cached listing when present, otherwise lists
// from the source and stores the result.
func (c *Inventory) Inventory(ctx context.Context) (domain.Inventory, error) {
	if raw, err := c.rdb.Get(ctx, c.key).Bytes(); err == nil {
		var inv domain.Inventory
		if jsonErr := json.Unmarshal(raw, &inv); jsonErr == nil {
			return inv, nil
		}
		// A corrupt entry is dropped and refreshed below.
		c.rdb.Del(ctx, c.key)
	} else if err != redis.Nil {
		c.logger.WithError(err).Warn("inventory cache read failed")
	}

	inv, err := c.source.Inventory(ctx)
	if err != nil {
		return domain.Inventory{}, err
	}

	if raw, err := json.Marshal(inv); err == nil {
		if err := c.rdb.Set(ctx, c.key, raw, c.ttl).Err(); err != nil {
			c.logger.WithError(err).Warn("inventory cache write failed")
		}
	}
	return inv, nil
}

// Invalidate drops the cached listing. Called whenever runtime events
// show the inventory changed.
func (c *Inventory) Invalidate(ctx context.Context) {
	if err := c.rdb.Del(ctx, c.key).Err(); err != nil && err != redis.Nil {
		c.logger.WithError(err).Warn("inventory cache invalidation failed")
	}
}
