// Package memcache caches the latest memory epoch per (conversation,
// client) so LLM context assembly skips the datastore on the hot path.
package memcache

import (
	"context"

	"github.com/threadkeep/threadkeep/engine/conversation"
	"github.com/threadkeep/threadkeep/engine/core"
)

// Snapshot is the cached value: the entries of one memory epoch plus the
// content type of the latest batch.
type Snapshot struct {
	Entries     []*conversation.Entry `json:"entries"`
	Epoch       int64                 `json:"epoch"`
	ContentType string                `json:"contentType,omitempty"`
}

// Cache is the memory-entries cache port. Implementations degrade to a
// miss on backend errors; callers fall back to the datastore silently.
type Cache interface {
	// Get returns the cached snapshot and refreshes its TTL.
	Get(ctx context.Context, conversationID core.ID, clientID string) (*Snapshot, bool)
	// Put replaces the snapshot (sync write-through).
	Put(ctx context.Context, conversationID core.ID, clientID string, snap *Snapshot)
	// Append merges entries into the cached snapshot when it carries the
	// same epoch; otherwise the entry is dropped and the next Get misses.
	Append(ctx context.Context, conversationID core.ID, clientID string, epoch int64, entries []*conversation.Entry)
	// Delete removes one (conversation, client) snapshot.
	Delete(ctx context.Context, conversationID core.ID, clientID string)
	// DeleteConversation removes every snapshot of the conversation.
	DeleteConversation(ctx context.Context, conversationID core.ID)
}

// Noop is the disabled backend: every read misses.
type Noop struct{}

func (Noop) Get(context.Context, core.ID, string) (*Snapshot, bool) { return nil, false }
func (Noop) Put(context.Context, core.ID, string, *Snapshot)        {}
func (Noop) Append(context.Context, core.ID, string, int64, []*conversation.Entry) {
}
func (Noop) Delete(context.Context, core.ID, string)       {}
func (Noop) DeleteConversation(context.Context, core.ID)   {}
