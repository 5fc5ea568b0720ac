package noop

import (
	"context"
	"time"

	"github.com/agentcore/memoryd/internal/registry/cache"
	"github.com/google/uuid"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.MemoryEntriesCache, error) {
			return &noopEntriesCache{}, nil
		},
	})
}

type noopEntriesCache struct{}

func (n *noopEntriesCache) Available() bool { return false }
func (n *noopEntriesCache) Get(_ context.Context, _ uuid.UUID, _ string) (*cache.CachedMemoryEntries, error) {
	return nil, nil
}
func (n *noopEntriesCache) Set(_ context.Context, _ uuid.UUID, _ string, _ cache.CachedMemoryEntries, _ time.Duration) error {
	return nil
}
func (n *noopEntriesCache) Remove(_ context.Context, _ uuid.UUID, _ string) error { return nil }

// Stream/cancel pub-sub is unavailable when resume is disabled; the resumer
// degrades by treating every replay/cancel as "no record" (spec: resumer
// disabled returns an unavailable sentinel, record() is a no-op).
func (n *noopEntriesCache) PublishToken(_ context.Context, _ uuid.UUID, _ string, _ time.Duration) (int64, error) {
	return 0, nil
}
func (n *noopEntriesCache) CompleteStream(_ context.Context, _ uuid.UUID, _ int64) error { return nil }
func (n *noopEntriesCache) IsComplete(_ context.Context, _ uuid.UUID) (bool, error)      { return false, nil }
func (n *noopEntriesCache) Subscribe(_ context.Context, _ uuid.UUID, _ int64) (<-chan cache.StreamToken, error) {
	ch := make(chan cache.StreamToken)
	close(ch)
	return ch, nil
}
func (n *noopEntriesCache) PublishCancel(_ context.Context, _ uuid.UUID) error { return nil }
func (n *noopEntriesCache) SubscribeCancel(_ context.Context, _ uuid.UUID) (<-chan struct{}, error) {
	ch := make(chan struct{})
	return ch, nil
}

var _ cache.MemoryEntriesCache = (*noopEntriesCache)(nil)
