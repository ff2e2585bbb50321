package recorder

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/threadkeep/threadkeep/engine/core"
)

// Backend persists a mirror of each stream so replays survive process
// restarts and reach readers on other replicas.
type Backend interface {
	// Reset clears any previous stream record for the conversation.
	Reset(ctx context.Context, conversationID core.ID) error
	AppendToken(ctx context.Context, conversationID core.ID, token string) error
	MarkComplete(ctx context.Context, conversationID core.ID) error
	// Stream returns the tokens at and after from, whether the stream has
	// completed, and whether any record exists at all.
	Stream(ctx context.Context, conversationID core.ID, from int) (tokens []string, complete bool, found bool, err error)
	Delete(ctx context.Context, conversationID core.ID) error
	// Poll paces follow-reads of a stream another process is producing.
	Poll(ctx context.Context) <-chan time.Time
}

const (
	streamKeyPrefix  = "tk:recstream:"
	defaultStreamTTL = time.Hour
	defaultPollEvery = 200 * time.Millisecond
)

// RedisBackend mirrors streams into Redis lists. Tokens are appended
// with RPUSH; completion is a companion flag key. Records expire so
// abandoned streams clean themselves up.
type RedisBackend struct {
	client    redis.UniversalClient
	ttl       time.Duration
	pollEvery time.Duration
}

func NewRedisBackend(client redis.UniversalClient, ttl time.Duration) *RedisBackend {
	if ttl <= 0 {
		ttl = defaultStreamTTL
	}
	return &RedisBackend{client: client, ttl: ttl, pollEvery: defaultPollEvery}
}

func streamKey(conversationID core.ID) string {
	return streamKeyPrefix + string(conversationID)
}

func doneKey(conversationID core.ID) string {
	return streamKey(conversationID) + ":done"
}

func (b *RedisBackend) Reset(ctx context.Context, conversationID core.ID) error {
	if err := b.client.Del(ctx, streamKey(conversationID), doneKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("resetting stream record: %w", err)
	}
	return nil
}

func (b *RedisBackend) AppendToken(ctx context.Context, conversationID core.ID, token string) error {
	key := streamKey(conversationID)
	pipe := b.client.TxPipeline()
	pipe.RPush(ctx, key, token)
	pipe.Expire(ctx, key, b.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appending token: %w", err)
	}
	return nil
}

func (b *RedisBackend) MarkComplete(ctx context.Context, conversationID core.ID) error {
	if err := b.client.Set(ctx, doneKey(conversationID), "1", b.ttl).Err(); err != nil {
		return fmt.Errorf("marking stream complete: %w", err)
	}
	return nil
}

func (b *RedisBackend) Stream(ctx context.Context, conversationID core.ID, from int) ([]string, bool, bool, error) {
	pipe := b.client.Pipeline()
	rangeCmd := pipe.LRange(ctx, streamKey(conversationID), int64(from), -1)
	existsCmd := pipe.Exists(ctx, streamKey(conversationID), doneKey(conversationID))
	doneCmd := pipe.Exists(ctx, doneKey(conversationID))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, false, false, fmt.Errorf("reading stream record: %w", err)
	}
	if existsCmd.Val() == 0 {
		return nil, false, false, nil
	}
	return rangeCmd.Val(), doneCmd.Val() > 0, true, nil
}

func (b *RedisBackend) Delete(ctx context.Context, conversationID core.ID) error {
	if err := b.client.Del(ctx, streamKey(conversationID), doneKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("deleting stream record: %w", err)
	}
	return nil
}

func (b *RedisBackend) Poll(ctx context.Context) <-chan time.Time {
	return time.After(b.pollEvery)
}
