package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/agentcore/memoryd/internal/config"
	registrycache "github.com/agentcore/memoryd/internal/registry/cache"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const defaultTTL = 10 * time.Minute

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.MemoryEntriesCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: MEMORY_SERVICE_REDIS_URL is required")
	}
	ttl := cfg.CacheEpochTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return LoadFromURLWithTTL(ctx, cfg.RedisURL, ttl)
}

// LoadFromURL creates a MemoryEntriesCache from a Redis-compatible URL.
// This is exported so other plugins (e.g. Infinispan RESP) can reuse the implementation.
func LoadFromURL(ctx context.Context, redisURL string) (registrycache.MemoryEntriesCache, error) {
	return LoadFromURLWithTTL(ctx, redisURL, defaultTTL)
}

// LoadFromURLWithTTL creates a cache with an explicit memory-entry TTL.
func LoadFromURLWithTTL(ctx context.Context, redisURL string, ttl time.Duration) (registrycache.MemoryEntriesCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	return LoadFromOptionsWithTTL(ctx, opts, ttl)
}

// LoadFromOptions creates a MemoryEntriesCache from go-redis Options.
// This allows callers to customize options (e.g. Protocol for RESP2).
func LoadFromOptions(ctx context.Context, opts *goredis.Options) (registrycache.MemoryEntriesCache, error) {
	return LoadFromOptionsWithTTL(ctx, opts, defaultTTL)
}

func LoadFromOptionsWithTTL(ctx context.Context, opts *goredis.Options, ttl time.Duration) (registrycache.MemoryEntriesCache, error) {
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisEntriesCache{client: client, ttl: ttl}, nil
}

type redisEntriesCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func entriesKey(convID uuid.UUID, clientID string) string {
	return fmt.Sprintf("mem-entries:%s:%s", convID.String(), clientID)
}

func (c *redisEntriesCache) Available() bool {
	return true
}

func (c *redisEntriesCache) Get(ctx context.Context, conversationID uuid.UUID, clientID string) (*registrycache.CachedMemoryEntries, error) {
	data, err := c.client.Get(ctx, entriesKey(conversationID, clientID)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cached registrycache.CachedMemoryEntries
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, err
	}
	return &cached, nil
}

func (c *redisEntriesCache) Set(ctx context.Context, conversationID uuid.UUID, clientID string, entries registrycache.CachedMemoryEntries, ttl time.Duration) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	if ttl == 0 {
		ttl = c.ttl
	}
	return c.client.Set(ctx, entriesKey(conversationID, clientID), data, ttl).Err()
}

func (c *redisEntriesCache) Remove(ctx context.Context, conversationID uuid.UUID, clientID string) error {
	return c.client.Del(ctx, entriesKey(conversationID, clientID)).Err()
}

// ── resumer stream / cancel pub-sub ─────────────────────────────────────────
//
// The stream is a Redis Stream keyed per conversation; each entry carries the
// token text and the cumulative byte offset after it. Offsets are assigned by
// an INCRBY on a companion counter key: the resumer contract has exactly one
// producer per conversation at a time (the recorder), so this does not race.
// Cancellation is a one-shot Pub/Sub message on a companion channel.

func resumerStreamKey(id uuid.UUID) string  { return fmt.Sprintf("resumer:stream:%s", id) }
func resumerOffsetKey(id uuid.UUID) string  { return fmt.Sprintf("resumer:offset:%s", id) }
func resumerCompleteKey(id uuid.UUID) string {
	return fmt.Sprintf("resumer:complete:%s", id)
}
func resumerCancelChannel(id uuid.UUID) string {
	return fmt.Sprintf("resumer:cancel:%s", id)
}

func (c *redisEntriesCache) PublishToken(ctx context.Context, conversationID uuid.UUID, token string, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	offset, err := c.client.IncrBy(ctx, resumerOffsetKey(conversationID), int64(len(token))).Result()
	if err != nil {
		return 0, fmt.Errorf("redis cache: advancing stream offset: %w", err)
	}
	if _, err := c.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: resumerStreamKey(conversationID),
		Values: map[string]interface{}{"token": token, "offset": offset},
	}).Result(); err != nil {
		return 0, fmt.Errorf("redis cache: publishing token: %w", err)
	}
	c.client.Expire(ctx, resumerOffsetKey(conversationID), ttl)
	c.client.Expire(ctx, resumerStreamKey(conversationID), ttl)
	return offset, nil
}

func (c *redisEntriesCache) CompleteStream(ctx context.Context, conversationID uuid.UUID, completedOffset int64) error {
	return c.client.Set(ctx, resumerCompleteKey(conversationID), completedOffset, c.ttl).Err()
}

func (c *redisEntriesCache) IsComplete(ctx context.Context, conversationID uuid.UUID) (bool, error) {
	n, err := c.client.Exists(ctx, resumerCompleteKey(conversationID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *redisEntriesCache) Subscribe(ctx context.Context, conversationID uuid.UUID, fromOffset int64) (<-chan registrycache.StreamToken, error) {
	out := make(chan registrycache.StreamToken, 16)
	go func() {
		defer close(out)
		lastID := "0"
		for {
			if ctx.Err() != nil {
				return
			}
			res, err := c.client.XRead(ctx, &goredis.XReadArgs{
				Streams: []string{resumerStreamKey(conversationID), lastID},
				Block:   2 * time.Second,
				Count:   100,
			}).Result()
			if err != nil && err != goredis.Nil {
				if ctx.Err() != nil {
					return
				}
			}
			for _, s := range res {
				for _, msg := range s.Messages {
					lastID = msg.ID
					offStr, _ := msg.Values["offset"].(string)
					off, _ := strconv.ParseInt(offStr, 10, 64)
					if off <= fromOffset {
						continue
					}
					tok, _ := msg.Values["token"].(string)
					select {
					case out <- registrycache.StreamToken{Token: tok, Offset: off}:
					case <-ctx.Done():
						return
					}
				}
			}
			if n, _ := c.client.Exists(ctx, resumerCompleteKey(conversationID)).Result(); n > 0 {
				return
			}
		}
	}()
	return out, nil
}

func (c *redisEntriesCache) PublishCancel(ctx context.Context, conversationID uuid.UUID) error {
	return c.client.Publish(ctx, resumerCancelChannel(conversationID), "1").Err()
}

func (c *redisEntriesCache) SubscribeCancel(ctx context.Context, conversationID uuid.UUID) (<-chan struct{}, error) {
	sub := c.client.Subscribe(ctx, resumerCancelChannel(conversationID))
	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		defer sub.Close()
		select {
		case <-sub.Channel():
			select {
			case ch <- struct{}{}:
			default:
			}
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

var _ registrycache.MemoryEntriesCache = (*redisEntriesCache)(nil)
