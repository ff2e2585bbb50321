package memcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/threadkeep/threadkeep/engine/conversation"
	"github.com/threadkeep/threadkeep/engine/core"
	"github.com/threadkeep/threadkeep/engine/crypto"
	"github.com/threadkeep/threadkeep/pkg/logger"
)

const keyPrefix = "tk:memepoch:"

// RedisCache stores encrypted snapshots in Redis with a sliding TTL.
// Values are sealed through the encryption envelope; plaintext never
// reaches the backend.
type RedisCache struct {
	client  redis.UniversalClient
	crypto  *crypto.Service
	ttl     time.Duration
	metrics *metrics
}

func NewRedisCache(client redis.UniversalClient, cryptoSvc *crypto.Service, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisCache{
		client:  client,
		crypto:  cryptoSvc,
		ttl:     ttl,
		metrics: newMetrics("redis"),
	}
}

func cacheKey(conversationID core.ID, clientID string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, conversationID, clientID)
}

func (c *RedisCache) Get(ctx context.Context, conversationID core.ID, clientID string) (*Snapshot, bool) {
	// GETEX slides the TTL on every read.
	sealed, err := c.client.GetEx(ctx, cacheKey(conversationID, clientID), c.ttl).Bytes()
	if err == redis.Nil {
		c.metrics.miss(ctx)
		return nil, false
	}
	if err != nil {
		c.fail(ctx, "get", err)
		return nil, false
	}
	plaintext, err := c.crypto.Decrypt(ctx, sealed)
	if err != nil {
		c.fail(ctx, "decrypt", err)
		return nil, false
	}
	var snap Snapshot
	if err := json.Unmarshal(plaintext, &snap); err != nil {
		c.fail(ctx, "decode", err)
		return nil, false
	}
	c.metrics.hit(ctx)
	return &snap, true
}

func (c *RedisCache) Put(ctx context.Context, conversationID core.ID, clientID string, snap *Snapshot) {
	plaintext, err := json.Marshal(snap)
	if err != nil {
		c.fail(ctx, "encode", err)
		return
	}
	sealed, err := c.crypto.Encrypt(ctx, plaintext)
	if err != nil {
		c.fail(ctx, "encrypt", err)
		return
	}
	if err := c.client.Set(ctx, cacheKey(conversationID, clientID), sealed, c.ttl).Err(); err != nil {
		c.fail(ctx, "set", err)
	}
}

func (c *RedisCache) Append(ctx context.Context, conversationID core.ID, clientID string, epoch int64, entries []*conversation.Entry) {
	snap, ok := c.Get(ctx, conversationID, clientID)
	if !ok {
		return
	}
	if snap.Epoch != epoch {
		// A competing writer moved the epoch; drop the stale snapshot.
		c.Delete(ctx, conversationID, clientID)
		return
	}
	snap.Entries = append(snap.Entries, entries...)
	for _, e := range entries {
		if e.ContentType != "" {
			snap.ContentType = e.ContentType
		}
	}
	c.Put(ctx, conversationID, clientID, snap)
}

func (c *RedisCache) Delete(ctx context.Context, conversationID core.ID, clientID string) {
	if err := c.client.Del(ctx, cacheKey(conversationID, clientID)).Err(); err != nil {
		c.fail(ctx, "del", err)
	}
}

func (c *RedisCache) DeleteConversation(ctx context.Context, conversationID core.ID) {
	pattern := fmt.Sprintf("%s%s:*", keyPrefix, conversationID)
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			c.fail(ctx, "scan", err)
			return
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.fail(ctx, "del", err)
				return
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

// fail counts the error and logs at debug; cache trouble must never
// surface to callers.
func (c *RedisCache) fail(ctx context.Context, op string, err error) {
	c.metrics.err(ctx)
	logger.FromContext(ctx).Debug("memcache degraded to miss", "op", op, "error", err)
}
