package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/agentcore/memoryd/internal/model"
	"github.com/google/uuid"
)

type entriesCacheKey struct{}

// WithEntriesCacheContext returns a new context carrying the given MemoryEntriesCache.
func WithEntriesCacheContext(ctx context.Context, c MemoryEntriesCache) context.Context {
	return context.WithValue(ctx, entriesCacheKey{}, c)
}

// EntriesCacheFromContext retrieves the MemoryEntriesCache from the context.
// Returns nil if none was set.
func EntriesCacheFromContext(ctx context.Context) MemoryEntriesCache {
	c, _ := ctx.Value(entriesCacheKey{}).(MemoryEntriesCache)
	return c
}

// CachedMemoryEntries holds cached memory entries for a conversation/client pair.
type CachedMemoryEntries struct {
	Entries []model.Entry
	Epoch   *int64
}

// StreamToken is one chunk of a resumable response's token stream, tagged
// with its cumulative byte offset (offset of the last byte of Token within
// the full UTF-8-encoded stream).
type StreamToken struct {
	Token  string
	Offset int64
}

// MemoryEntriesCache caches memory entries for sync operations and backs the
// resumer's stream/cancel pub-sub. A single cache backend (redis, infinispan)
// serves both concerns since they share the same connection and TTL model.
type MemoryEntriesCache interface {
	Available() bool
	Get(ctx context.Context, conversationID uuid.UUID, clientID string) (*CachedMemoryEntries, error)
	Set(ctx context.Context, conversationID uuid.UUID, clientID string, entries CachedMemoryEntries, ttl time.Duration) error
	Remove(ctx context.Context, conversationID uuid.UUID, clientID string) error

	// PublishToken appends token to conversationID's stream. The returned
	// offset is the stream's new cumulative byte length.
	PublishToken(ctx context.Context, conversationID uuid.UUID, token string, ttl time.Duration) (offset int64, err error)

	// CompleteStream marks conversationID's stream as complete at
	// completedOffset; Subscribe stops yielding once it observes completion.
	CompleteStream(ctx context.Context, conversationID uuid.UUID, completedOffset int64) error

	// IsComplete reports whether CompleteStream has been called for
	// conversationID within the stream's TTL.
	IsComplete(ctx context.Context, conversationID uuid.UUID) (bool, error)

	// Subscribe yields every StreamToken recorded after fromOffset, then
	// blocks for more until the stream completes or ctx is cancelled. The
	// returned channel is closed when the stream completes or ctx ends.
	Subscribe(ctx context.Context, conversationID uuid.UUID, fromOffset int64) (<-chan StreamToken, error)

	// PublishCancel delivers a one-shot cancel signal for conversationID.
	PublishCancel(ctx context.Context, conversationID uuid.UUID) error

	// SubscribeCancel blocks until a cancel signal is published for
	// conversationID or ctx is cancelled.
	SubscribeCancel(ctx context.Context, conversationID uuid.UUID) (<-chan struct{}, error)
}

// Loader creates a cache from config.
type Loader func(ctx context.Context) (MemoryEntriesCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}
