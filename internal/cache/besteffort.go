package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/echoyidotfun/demind-agent-service/internal/metrics"
)

// BestEffort wraps a Store so that no cache failure reaches the caller.
// A nil store turns every operation into a no-op; reads then always miss.
type BestEffort struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewBestEffort(store Store, logger *zap.Logger, m *metrics.Metrics) *BestEffort {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BestEffort{
		store:   store,
		logger:  logger.Named("cache"),
		metrics: m,
	}
}

// Enabled reports whether a backing store is configured
func (c *BestEffort) Enabled() bool {
	return c != nil && c.store != nil
}

// GetJSON decodes the value at key into dest and reports a hit
func (c *BestEffort) GetJSON(ctx context.Context, key string, dest interface{}) bool {
	if !c.Enabled() {
		return false
	}

	data, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.fail("get", key, err)
		}
		return false
	}

	if err := json.Unmarshal(data, dest); err != nil {
		c.fail("decode", key, err)
		return false
	}
	return true
}

// SetJSON encodes v and stores it with ttl
func (c *BestEffort) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) {
	if !c.Enabled() {
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		c.fail("encode", key, err)
		return
	}

	if err := c.store.Set(ctx, key, data, ttl); err != nil {
		c.fail("set", key, err)
	}
}

func (c *BestEffort) Delete(ctx context.Context, keys ...string) {
	if !c.Enabled() || len(keys) == 0 {
		return
	}
	if err := c.store.Delete(ctx, keys...); err != nil {
		c.fail("delete", keys[0], err)
	}
}

func (c *BestEffort) fail(op, key string, err error) {
	var cacheErr *Error
	if !errors.As(err, &cacheErr) {
		cacheErr = &Error{Op: op, Key: key, Err: err}
	}

	c.metrics.CacheError(op)
	c.logger.Warn("Cache operation failed",
		zap.String("op", cacheErr.Op),
		zap.String("key", cacheErr.Key),
		zap.Error(cacheErr.Err))
}
