package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/agentcore/memoryd/internal/model"
	registryattach "github.com/agentcore/memoryd/internal/registry/attach"
	registrystore "github.com/agentcore/memoryd/internal/registry/store"
)

type AttachmentCleanupService struct {
	store       registrystore.MemoryStore
	attachStore registryattach.AttachmentStore
	interval    time.Duration
}

func NewAttachmentCleanupService(store registrystore.MemoryStore, attachStore registryattach.AttachmentStore, interval time.Duration) *AttachmentCleanupService {
	return &AttachmentCleanupService{
		store:       store,
		attachStore: attachStore,
		interval:    interval,
	}
}

func (s *AttachmentCleanupService) Start(ctx context.Context) {
	if s == nil || s.store == nil || s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupOnce(ctx)
		}
	}
}

func (s *AttachmentCleanupService) cleanupOnce(ctx context.Context) {
	var afterCursor *string
	for {
		attachments, cursor, err := s.store.AdminListAttachments(ctx, registrystore.AdminAttachmentQuery{
			Status:      "expired",
			Limit:       200,
			AfterCursor: afterCursor,
		})
		if err != nil {
			log.Error("Attachment cleanup list failed", "err", err)
			return
		}
		for _, attachment := range attachments {
			// Cleanup only unlinked attachments.
			if attachment.EntryID != nil {
				continue
			}
			if err := s.store.AdminDeleteAttachment(ctx, attachment.ID); err != nil {
				log.Error("Attachment cleanup delete failed", "attachmentId", attachment.ID.String(), "err", err)
				continue
			}
			if s.attachStore != nil && attachment.StorageKey != nil && attachment.RefCount <= 1 {
				body := map[string]interface{}{"storageKey": *attachment.StorageKey}
				if err := s.store.CreateTask(ctx, model.TaskTypeAttachmentEviction, body); err != nil {
					log.Warn("Attachment cleanup: create eviction task failed", "attachmentId", attachment.ID.String(), "err", err)
				}
			}
		}
		if cursor == nil {
			return
		}
		afterCursor = cursor
	}
}
