// SPDX-License-Identifier: MIT

package eventcache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const opTimeout = 2 * time.Second

// RedisCache stores each session's ring as a Redis list.
type RedisCache struct {
	client   *redis.Client
	prefix   string
	cfg      Config
	logger   zerolog.Logger
	warnOnce sync.Once
	now      func() time.Time
}

// NewRedis wraps an existing client; the prefix matches the state store's.
func NewRedis(client *redis.Client, prefix string, cfg Config, logger zerolog.Logger) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: prefix,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

func (c *RedisCache) key(sessionID string) string {
	return c.prefix + "sio:events:" + sessionID
}

func (c *RedisCache) ttl(isEphemeral bool) time.Duration {
	if isEphemeral {
		return c.cfg.EphemeralTTL
	}
	return c.cfg.TTL
}

// warn logs the first backend failure loudly, later ones at debug.
func (c *RedisCache) warn(err error, op string) {
	logged := false
	c.warnOnce.Do(func() {
		c.logger.Warn().Err(err).Str("op", op).Msg("event cache unavailable, degrading to no-op")
		logged = true
	})
	if !logged {
		c.logger.Debug().Err(err).Str("op", op).Msg("event cache op failed")
	}
}

func (c *RedisCache) Append(ctx context.Context, sessionID string, event json.RawMessage, isEphemeral bool) {
	entry, err := json.Marshal(Entry{TS: c.now().UnixMilli(), Event: event})
	if err != nil {
		c.logger.Debug().Err(err).Str("session_id", sessionID).Msg("event cache marshal failed")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := c.key(sessionID)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, entry)
		pipe.LTrim(ctx, key, int64(-c.cfg.BufferSize), -1)
		pipe.Expire(ctx, key, c.ttl(isEphemeral))
		return nil
	})
	if err != nil {
		c.warn(err, "append")
	}
}

func (c *RedisCache) GetAll(ctx context.Context, sessionID string) []Entry {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := c.client.LRange(ctx, c.key(sessionID), 0, -1).Result()
	if err != nil {
		c.warn(err, "get_all")
		return nil
	}

	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			c.logger.Debug().Err(err).Str("session_id", sessionID).Msg("skipping malformed cache entry")
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

func (c *RedisCache) Delete(ctx context.Context, sessionID string) {
	c.DeleteBatch(ctx, []string{sessionID})
}

// DeleteBatch issues exactly one variadic DEL regardless of batch size.
func (c *RedisCache) DeleteBatch(ctx context.Context, sessionIDs []string) {
	if len(sessionIDs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	keys := make([]string, len(sessionIDs))
	for i, id := range sessionIDs {
		keys[i] = c.key(id)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.warn(err, "delete_batch")
	}
}
