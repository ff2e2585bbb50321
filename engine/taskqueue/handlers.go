package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/threadkeep/threadkeep/engine/conversation"
	"github.com/threadkeep/threadkeep/engine/core"
	"github.com/threadkeep/threadkeep/engine/vector"
	"github.com/threadkeep/threadkeep/pkg/logger"
)

// VectorDeleteBody is the payload of a vector_store_delete task.
type VectorDeleteBody struct {
	ConversationGroupID core.ID `json:"conversationGroupId"`
}

// NewVectorDeleteTask enqueues embedding cleanup for one group.
func NewVectorDeleteTask(groupID core.ID) (*Task, error) {
	return New(TypeVectorDelete, VectorDeleteBody{ConversationGroupID: groupID})
}

// NewVectorIndexRetryTask builds the singleton that re-indexes
// conversations whose content never reached the vector store.
func NewVectorIndexRetryTask() (*Task, error) {
	return NewSingleton(TypeVectorIndexRetry, TypeVectorIndexRetry, struct{}{})
}

// SeedIndexRetry enqueues the index catch-up singleton. Call it at boot
// and on a schedule; the task name dedupes, so reseeding while a run is
// already queued is a no-op.
func SeedIndexRetry(ctx context.Context, repo Repository) error {
	task, err := NewVectorIndexRetryTask()
	if err != nil {
		return err
	}
	if err := repo.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("enqueueing index retry: %w", err)
	}
	return nil
}

// VectorHandlers wires the vector-store task types to their work.
type VectorHandlers struct {
	store     *conversation.Store
	vectors   vector.Store
	batchSize int
}

func NewVectorHandlers(store *conversation.Store, vectors vector.Store, batchSize int) *VectorHandlers {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &VectorHandlers{store: store, vectors: vectors, batchSize: batchSize}
}

// RegisterAll installs every vector task handler on the processor.
func (h *VectorHandlers) RegisterAll(p *Processor) {
	p.Register(TypeVectorDelete, h.HandleDelete)
	p.Register(TypeVectorIndexRetry, h.HandleIndexRetry)
}

func (h *VectorHandlers) HandleDelete(ctx context.Context, task *Task) error {
	var body VectorDeleteBody
	if err := json.Unmarshal(task.Body, &body); err != nil {
		return fmt.Errorf("decoding task body: %w", err)
	}
	if err := h.vectors.DeleteByGroup(ctx, body.ConversationGroupID); err != nil {
		return fmt.Errorf("deleting group embeddings: %w", err)
	}
	return nil
}

// HandleIndexRetry indexes one batch of unvectorized conversations and
// reschedules itself while more remain.
func (h *VectorHandlers) HandleIndexRetry(ctx context.Context, _ *Task) error {
	convs, err := h.store.Conversations.ListUnvectorized(ctx, h.batchSize)
	if err != nil {
		return fmt.Errorf("listing unvectorized conversations: %w", err)
	}
	now := time.Now().UTC()
	for _, conv := range convs {
		doc, err := h.buildDocument(ctx, conv)
		if err != nil {
			return err
		}
		if err := h.vectors.Upsert(ctx, []vector.Document{doc}); err != nil {
			return fmt.Errorf("indexing conversation %s: %w", conv.ID, err)
		}
		if err := h.store.Conversations.SetVectorizedAt(ctx, conv.ID, now); err != nil {
			return fmt.Errorf("stamping conversation %s: %w", conv.ID, err)
		}
	}
	if len(convs) == h.batchSize {
		logger.FromContext(ctx).Debug("index retry batch full, rescheduling")
		return ErrReschedule
	}
	return nil
}

// buildDocument projects a conversation into indexable text: the title
// plus its HISTORY turns. MEMORY entries never reach the index.
func (h *VectorHandlers) buildDocument(ctx context.Context, conv *conversation.Conversation) (vector.Document, error) {
	history := conversation.ChannelHistory
	entries, err := h.store.Entries.List(ctx, &conversation.EntryFilter{
		ConversationID: conv.ID,
		Channel:        &history,
		Limit:          h.batchSize,
	})
	if err != nil {
		return vector.Document{}, fmt.Errorf("loading history for %s: %w", conv.ID, err)
	}
	var parts []string
	if conv.Title != nil {
		parts = append(parts, *conv.Title)
	}
	for _, entry := range entries {
		if text, ok := entry.FirstText(); ok {
			parts = append(parts, text)
		}
	}
	return vector.Document{
		ConversationID: conv.ID,
		GroupID:        conv.GroupID,
		Text:           strings.Join(parts, "\n"),
	}, nil
}
