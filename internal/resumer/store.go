package resumer

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	registrycache "github.com/agentcore/memoryd/internal/registry/cache"
	registrystore "github.com/agentcore/memoryd/internal/registry/store"
	"github.com/google/uuid"
)

// RedirectError converts an owning-replica address (as returned by
// ReplayWithAddress/RequestCancelWithAddress) into the store.RedirectError
// sentinel the HTTP layer maps to the REDIRECT error code.
func RedirectError(address string) *registrystore.RedirectError {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return &registrystore.RedirectError{Host: address}
	}
	port, _ := strconv.Atoi(portStr)
	return &registrystore.RedirectError{Host: host, Port: port}
}

// Store implements the Resumable Response Engine (spec §4.J) on top of the
// Cache Adapter's stream/cancel pub-sub and the LocatorStore's advertised-
// address records. It replaces a local-temp-file-backed implementation: a
// token stream recorded on one replica must be replayable, and cancellable,
// from any other replica, which a local file cannot provide.
type Store struct {
	cache        registrycache.MemoryEntriesCache
	locatorStore LocatorStore
	recordTTL    time.Duration

	mu        sync.Mutex
	recorders map[string]*Recorder
}

// NewStore constructs a resumer Store. cache must be the same Cache Adapter
// instance used elsewhere in the process (its Available() gates whether the
// resumer is enabled, per spec §6 responseResumer.enabled).
func NewStore(cache registrycache.MemoryEntriesCache, locatorStore LocatorStore, recordTTL time.Duration) *Store {
	if recordTTL <= 0 {
		recordTTL = 15 * time.Minute
	}
	return &Store{
		cache:        cache,
		locatorStore: locatorStore,
		recordTTL:    recordTTL,
		recorders:    make(map[string]*Recorder),
	}
}

// Enabled reports whether the resumer can actually record/replay. When the
// underlying cache is unavailable (noop), callers should treat record() as a
// no-op and replay/cancel/check as returning the "unavailable" sentinel.
func (s *Store) Enabled() bool {
	return s.cache != nil && s.cache.Available()
}

// Recorder wraps a single generation's token production on this replica.
type Recorder struct {
	store          *Store
	conversationID uuid.UUID
	offset         int64
	cancelRequested bool
	completed      bool

	mu sync.Mutex
}

// RecorderWithAddress starts recording tokens for conversationID, advertising
// this replica's address so peers can redirect clients here. It also starts
// a goroutine that treats receipt of a cancel signal as completion (spec
// §4.J cancellation semantics).
func (s *Store) RecorderWithAddress(ctx context.Context, conversationID string, advertisedAddress string) (*Recorder, error) {
	id, err := uuid.Parse(conversationID)
	if err != nil {
		return nil, fmt.Errorf("resumer: invalid conversation id %q: %w", conversationID, err)
	}
	if err := s.locatorStore.Upsert(ctx, conversationID, locatorFromAddress(advertisedAddress, ""), s.recordTTL); err != nil {
		return nil, fmt.Errorf("resumer: recording locator: %w", err)
	}

	rec := &Recorder{store: s, conversationID: id}

	s.mu.Lock()
	s.recorders[conversationID] = rec
	s.mu.Unlock()

	go s.watchCancel(context.Background(), id, rec)

	return rec, nil
}

func (s *Store) watchCancel(ctx context.Context, id uuid.UUID, rec *Recorder) {
	ch, err := s.cache.SubscribeCancel(ctx, id)
	if err != nil {
		return
	}
	select {
	case _, ok := <-ch:
		if ok {
			rec.mu.Lock()
			rec.cancelRequested = true
			rec.mu.Unlock()
			_ = rec.Complete()
		}
	case <-ctx.Done():
	}
}

// Record appends token to the stream. Offsets are cumulative byte counts
// over the UTF-8-encoded tokens emitted so far.
func (r *Recorder) Record(token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completed {
		return nil
	}
	offset, err := r.store.cache.PublishToken(context.Background(), r.conversationID, token, r.store.recordTTL)
	if err != nil {
		return fmt.Errorf("resumer: recording token: %w", err)
	}
	r.offset = offset
	return nil
}

// Complete marks the generation finished. Idempotent: repeat calls (e.g. the
// cancel-watcher racing the producer's own completion) are no-ops.
func (r *Recorder) Complete() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completed {
		return nil
	}
	r.completed = true
	if err := r.store.cache.CompleteStream(context.Background(), r.conversationID, r.offset); err != nil {
		return fmt.Errorf("resumer: completing stream: %w", err)
	}
	r.store.mu.Lock()
	delete(r.store.recorders, r.conversationID.String())
	r.store.mu.Unlock()
	return nil
}

// CancelRequested reports whether a cancel signal was observed for this
// recorder. The generation pipeline should short-circuit when true.
func (r *Recorder) CancelRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelRequested
}

// HasResponseInProgress is a best-effort check used by callers waiting for a
// cancellation to settle.
func (s *Store) HasResponseInProgress(ctx context.Context, conversationID string) (bool, error) {
	id, err := uuid.Parse(conversationID)
	if err != nil {
		return false, nil
	}
	done, err := s.cache.IsComplete(ctx, id)
	if err != nil {
		return false, err
	}
	exists, err := s.locatorStore.Exists(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return exists && !done, nil
}

// Check returns the subset of conversationIDs that have a non-completed
// record — used by clients to discover reconnectable streams.
func (s *Store) Check(ctx context.Context, conversationIDs []string) ([]string, error) {
	var live []string
	for _, id := range conversationIDs {
		inProgress, err := s.HasResponseInProgress(ctx, id)
		if err != nil {
			return nil, err
		}
		if inProgress {
			live = append(live, id)
		}
	}
	return live, nil
}

// ReplayWithAddress subscribes to conversationID's stream starting strictly
// after fromOffset, yielding tokens until completion or cancellation. If the
// record is owned by a different advertised address than callerAddress, it
// returns that address as a redirect instead of a stream. If no record
// exists, it returns a closed, empty channel (spec: "replay ends immediately
// with an empty sequence").
func (s *Store) ReplayWithAddress(ctx context.Context, conversationID string, callerAddress string, fromOffset int64) (<-chan string, string, error) {
	id, err := uuid.Parse(conversationID)
	if err != nil {
		return nil, "", fmt.Errorf("resumer: invalid conversation id %q: %w", conversationID, err)
	}

	locator, err := s.locatorStore.Get(ctx, conversationID)
	if err != nil {
		return nil, "", err
	}
	if locator == nil {
		empty := make(chan string)
		close(empty)
		return empty, "", nil
	}
	if !locator.MatchesAddress(callerAddress) {
		return nil, locator.Address(), nil
	}

	tokens, err := s.cache.Subscribe(ctx, id, fromOffset)
	if err != nil {
		return nil, "", err
	}
	out := make(chan string)
	go func() {
		defer close(out)
		for t := range tokens {
			select {
			case out <- t.Token:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, "", nil
}

// RequestCancelWithAddress is redirect-gated like ReplayWithAddress: if this
// replica does not own the recording, it returns the owning address instead
// of publishing the cancel.
func (s *Store) RequestCancelWithAddress(ctx context.Context, conversationID string, callerAddress string) (string, error) {
	id, err := uuid.Parse(conversationID)
	if err != nil {
		return "", fmt.Errorf("resumer: invalid conversation id %q: %w", conversationID, err)
	}
	locator, err := s.locatorStore.Get(ctx, conversationID)
	if err != nil {
		return "", err
	}
	if locator == nil {
		return "", nil
	}
	if !locator.MatchesAddress(callerAddress) {
		return locator.Address(), nil
	}
	return "", s.cache.PublishCancel(ctx, id)
}
