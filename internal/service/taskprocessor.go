package service

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/agentcore/memoryd/internal/model"
	registryattach "github.com/agentcore/memoryd/internal/registry/attach"
	registryembed "github.com/agentcore/memoryd/internal/registry/embed"
	registrystore "github.com/agentcore/memoryd/internal/registry/store"
	registryvector "github.com/agentcore/memoryd/internal/registry/vector"
	"github.com/google/uuid"
)

// TaskProcessor polls for ready tasks and executes them: vector_store_delete
// removes a conversation group's embeddings, entry_vector_index_retry retries
// a single entry's embed+upsert after a transient failure, and
// attachment_eviction deletes an attachment's blob from storage.
type TaskProcessor struct {
	store       registrystore.MemoryStore
	vector      registryvector.VectorStore
	embedder    registryembed.Embedder
	attachStore registryattach.AttachmentStore
	interval    time.Duration
	baseDelay   time.Duration
	maxDelay    time.Duration
	batchSize   int
}

// NewTaskProcessor creates a new background task processor.
func NewTaskProcessor(store registrystore.MemoryStore, vector registryvector.VectorStore, embedder registryembed.Embedder, attachStore registryattach.AttachmentStore) *TaskProcessor {
	return &TaskProcessor{
		store:       store,
		vector:      vector,
		embedder:    embedder,
		attachStore: attachStore,
		interval:    1 * time.Minute,
		baseDelay:   1 * time.Minute,
		maxDelay:    2 * time.Hour,
		batchSize:   100,
	}
}

// nextRetryDelay grows the retry delay exponentially with the number of
// times this task has already failed, capped at maxDelay.
func (p *TaskProcessor) nextRetryDelay(retryCount int) time.Duration {
	delay := p.baseDelay
	for i := 0; i < retryCount && delay < p.maxDelay; i++ {
		delay *= 2
	}
	if delay > p.maxDelay {
		delay = p.maxDelay
	}
	return delay
}

// Start begins the periodic task processing loop. Returns when ctx is cancelled.
func (p *TaskProcessor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.processBatch(ctx)
		}
	}
}

func (p *TaskProcessor) processBatch(ctx context.Context) {
	tasks, err := p.store.ClaimReadyTasks(ctx, p.batchSize)
	if err != nil {
		log.Error("TaskProcessor: claim tasks failed", "err", err)
		return
	}
	for _, task := range tasks {
		if err := p.executeTask(ctx, task.TaskType, task.TaskBody); err != nil {
			delay := p.nextRetryDelay(task.RetryCount)
			log.Error("TaskProcessor: task failed", "taskId", task.ID, "type", task.TaskType, "err", err, "retryCount", task.RetryCount, "nextRetryIn", delay)
			if fErr := p.store.FailTask(ctx, task.ID, err.Error(), delay); fErr != nil {
				log.Error("TaskProcessor: fail task record failed", "taskId", task.ID, "err", fErr)
			}
		} else {
			if dErr := p.store.DeleteTask(ctx, task.ID); dErr != nil {
				log.Error("TaskProcessor: delete task failed", "taskId", task.ID, "err", dErr)
			}
		}
	}
}

func (p *TaskProcessor) executeTask(ctx context.Context, taskType string, body map[string]any) error {
	switch taskType {
	case model.TaskTypeVectorStoreDelete:
		return p.executeVectorStoreDelete(ctx, body)
	case model.TaskTypeEntryVectorIndexRetry:
		return p.executeEntryVectorIndexRetry(ctx, body)
	case model.TaskTypeAttachmentEviction:
		return p.executeAttachmentEviction(ctx, body)
	default:
		return fmt.Errorf("unknown task type: %s", taskType)
	}
}

func (p *TaskProcessor) executeVectorStoreDelete(ctx context.Context, body map[string]any) error {
	if p.vector == nil || !p.vector.IsEnabled() {
		return nil // skip silently — vector store not configured
	}
	groupIDStr, ok := body["conversationGroupId"].(string)
	if !ok {
		return fmt.Errorf("missing or invalid conversationGroupId in task body")
	}
	groupID, err := uuid.Parse(groupIDStr)
	if err != nil {
		return fmt.Errorf("invalid conversationGroupId %q: %w", groupIDStr, err)
	}
	return p.vector.DeleteByConversationGroupID(ctx, groupID)
}

// executeEntryVectorIndexRetry re-embeds and re-upserts a single entry that
// failed during the background indexer's batch pass. The task body carries
// everything needed so the retry doesn't depend on the entry still matching
// FindEntriesPendingVectorIndexing's selection criteria.
func (p *TaskProcessor) executeEntryVectorIndexRetry(ctx context.Context, body map[string]any) error {
	if p.vector == nil || !p.vector.IsEnabled() || p.embedder == nil {
		return nil // skip silently — indexing not configured
	}
	entryID, err := uuidFromBody(body, "entryId")
	if err != nil {
		return err
	}
	conversationID, err := uuidFromBody(body, "conversationId")
	if err != nil {
		return err
	}
	groupID, err := uuidFromBody(body, "conversationGroupId")
	if err != nil {
		return err
	}
	text, ok := body["indexedContent"].(string)
	if !ok || text == "" {
		return fmt.Errorf("missing or invalid indexedContent in task body")
	}

	embeddings, err := p.embedder.EmbedTexts(ctx, []string{text})
	if err != nil {
		return fmt.Errorf("embed retry failed: %w", err)
	}
	if len(embeddings) != 1 {
		return fmt.Errorf("embedder returned %d embeddings, expected 1", len(embeddings))
	}
	if err := p.vector.Upsert(ctx, []registryvector.UpsertRequest{{
		ConversationGroupID: groupID,
		ConversationID:      conversationID,
		EntryID:             entryID,
		Embedding:           embeddings[0],
		ModelName:           p.embedder.ModelName(),
	}}); err != nil {
		return fmt.Errorf("vector upsert retry failed: %w", err)
	}
	return p.store.SetIndexedAt(ctx, entryID, groupID, time.Now())
}

func (p *TaskProcessor) executeAttachmentEviction(ctx context.Context, body map[string]any) error {
	if p.attachStore == nil {
		return nil // skip silently — no blob store configured
	}
	storageKey, ok := body["storageKey"].(string)
	if !ok || storageKey == "" {
		return fmt.Errorf("missing or invalid storageKey in task body")
	}
	return p.attachStore.Delete(ctx, storageKey)
}

func uuidFromBody(body map[string]any, key string) (uuid.UUID, error) {
	s, ok := body[key].(string)
	if !ok {
		return uuid.UUID{}, fmt.Errorf("missing or invalid %s in task body", key)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return id, nil
}
