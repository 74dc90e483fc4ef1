package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"optiver-forecast/dates"
	"optiver-forecast/logger"
	"optiver-forecast/metrics"
)

// DateMappingCache keeps committed date mappings in process memory and,
// when configured, in Redis so every service instance shares them.
// Mappings are immutable so keys are written without expiration.
type DateMappingCache struct {
	redis *RedisClient
	local sync.Map // int -> dates.Mapping
	log   *logger.Logger
}

// NewDateMappingCache creates a cache. redis may be nil.
func NewDateMappingCache(redis *RedisClient, log *logger.Logger) *DateMappingCache {
	if log == nil {
		log = logger.NewNop()
	}
	return &DateMappingCache{redis: redis, log: log}
}

func dateMappingKey(dateID int) string {
	return fmt.Sprintf("date_mapping:%d", dateID)
}

// GetMapping implements dates.Cache
func (c *DateMappingCache) GetMapping(ctx context.Context, dateID int) (dates.Mapping, bool) {
	if v, ok := c.local.Load(dateID); ok {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return v.(dates.Mapping), true
	}
	if c.redis == nil {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return dates.Mapping{}, false
	}

	var m dates.Mapping
	if err := c.redis.Get(ctx, dateMappingKey(dateID), &m); err != nil {
		if errors.Is(err, redis.Nil) {
			metrics.CacheLookups.WithLabelValues("miss").Inc()
		} else {
			metrics.CacheLookups.WithLabelValues("error").Inc()
			c.log.Warn("Date mapping cache read failed", logger.NewField("date_id", dateID), logger.NewField("error", err.Error()))
		}
		return dates.Mapping{}, false
	}

	metrics.CacheLookups.WithLabelValues("hit").Inc()
	c.local.Store(dateID, m)
	return m, true
}

// SetMapping implements dates.Cache
func (c *DateMappingCache) SetMapping(ctx context.Context, m dates.Mapping) {
	c.local.Store(m.DateID, m)
	if c.redis == nil {
		return
	}
	if err := c.redis.Set(ctx, dateMappingKey(m.DateID), m, 0); err != nil {
		c.log.Warn("Date mapping cache write failed", logger.NewField("date_id", m.DateID), logger.NewField("error", err.Error()))
	}
}

// Forget drops a mapping after it was deleted from the database.
func (c *DateMappingCache) Forget(ctx context.Context, dateID int) {
	c.local.Delete(dateID)
	if c.redis == nil {
		return
	}
	if err := c.redis.Delete(ctx, dateMappingKey(dateID)); err != nil {
		c.log.Warn("Date mapping cache delete failed", logger.NewField("date_id", dateID), logger.NewField("error", err.Error()))
	}
}
