// Package eviction hard-deletes soft-deleted data once its retention
// window has elapsed: children first, then the conversation, then the
// group when nothing else references it. Vector-store cleanup is
// dispatched to the task queue rather than done inline.
package eviction

import (
	"context"
	"fmt"
	"time"

	"github.com/threadkeep/threadkeep/engine/core"
	"github.com/threadkeep/threadkeep/engine/memcache"
	"github.com/threadkeep/threadkeep/engine/taskqueue"
	"github.com/threadkeep/threadkeep/pkg/logger"
)

// ResourceType names what an eviction run may target. The set is closed;
// unknown types are rejected up front.
type ResourceType string

const ResourceConversations ResourceType = "conversations"

// ParseResourceType validates a resource-type name.
func ParseResourceType(s string) (ResourceType, bool) {
	if ResourceType(s) == ResourceConversations {
		return ResourceConversations, true
	}
	return "", false
}

// Repository is the hard-delete port. EvictBatch claims rows with the
// driver's locking primitives so concurrent runs delete each row exactly
// once.
type Repository interface {
	// CountExpired counts soft-deleted conversations whose deleted_at is
	// at or before the cutoff.
	CountExpired(ctx context.Context, cutoff time.Time) (int, error)
	// EvictBatch hard-deletes up to limit expired conversations and their
	// entries, memberships, and transfers in one transaction. It returns
	// the evicted conversation ids and the ids of groups that became
	// empty and were removed with them.
	EvictBatch(ctx context.Context, cutoff time.Time, limit int) (convs []core.ID, groups []core.ID, err error)
}

// Progress is one pipeline event, emitted after every batch.
type Progress struct {
	Phase   ResourceType `json:"phase"`
	Done    int          `json:"done"`
	Total   int          `json:"total"`
	Percent int          `json:"percent"`
}

// Request is one admin eviction invocation.
type Request struct {
	// RetentionPeriod is an ISO-8601 duration; rows soft-deleted longer
	// ago than this are evicted.
	RetentionPeriod string
	ResourceTypes   []string
}

// Engine drives the retention pipeline.
type Engine struct {
	repo      Repository
	queue     taskqueue.Repository
	cache     memcache.Cache
	batchSize int
}

func NewEngine(repo Repository, queue taskqueue.Repository, cache memcache.Cache, batchSize int) *Engine {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Engine{repo: repo, queue: queue, cache: cache, batchSize: batchSize}
}

// Run executes the pipeline, calling emit after each batch. A nil emit
// runs silently (synchronous mode).
func (e *Engine) Run(ctx context.Context, req *Request, emit func(Progress)) error {
	retention, err := ParseISODuration(req.RetentionPeriod)
	if err != nil {
		return core.BadRequestError(err.Error())
	}
	if len(req.ResourceTypes) == 0 {
		return core.BadRequestError("resourceTypes must not be empty")
	}
	types := make([]ResourceType, 0, len(req.ResourceTypes))
	for _, raw := range req.ResourceTypes {
		rt, ok := ParseResourceType(raw)
		if !ok {
			return core.BadRequestError(fmt.Sprintf("unknown resource type %q", raw))
		}
		types = append(types, rt)
	}
	cutoff := time.Now().UTC().Add(-retention)
	for _, rt := range types {
		switch rt {
		case ResourceConversations:
			if err := e.evictConversations(ctx, cutoff, emit); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) evictConversations(ctx context.Context, cutoff time.Time, emit func(Progress)) error {
	total, err := e.repo.CountExpired(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("counting expired conversations: %w", err)
	}
	log := logger.FromContext(ctx)
	done := 0
	report := func(final bool) {
		if emit == nil {
			return
		}
		percent := 100
		if !final && total > 0 {
			percent = min(done*100/total, 100)
		}
		emit(Progress{Phase: ResourceConversations, Done: done, Total: total, Percent: percent})
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		convs, groups, err := e.repo.EvictBatch(ctx, cutoff, e.batchSize)
		if err != nil {
			return fmt.Errorf("evicting batch: %w", err)
		}
		if len(convs) == 0 {
			break
		}
		done += len(convs)
		for _, convID := range convs {
			e.cache.DeleteConversation(ctx, convID)
		}
		for _, groupID := range groups {
			task, err := taskqueue.NewVectorDeleteTask(groupID)
			if err != nil {
				return err
			}
			if err := e.queue.Enqueue(ctx, task); err != nil {
				return fmt.Errorf("enqueueing vector cleanup for group %s: %w", groupID, err)
			}
		}
		log.Info("evicted batch", "resource", ResourceConversations, "count", len(convs), "groups_removed", len(groups))
		report(false)
	}
	// Terminal event: always 100%, even when nothing was eligible or a
	// concurrent run took part of the work.
	report(true)
	return nil
}
