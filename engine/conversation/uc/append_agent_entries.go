package uc

import (
	"context"
	"fmt"
	"time"

	"github.com/threadkeep/threadkeep/engine/conversation"
	"github.com/threadkeep/threadkeep/engine/core"
)

// AppendAgentEntries appends a batch of entries written by an agent
// client. HISTORY entries bump the conversation's recency; MEMORY
// entries carry the client's current epoch and flow through to the
// memory cache after commit.
type AppendAgentEntries struct {
	opts *Options
}

func NewAppendAgentEntries(opts *Options) *AppendAgentEntries {
	return &AppendAgentEntries{opts: opts}
}

type AgentEntryInput struct {
	Channel     conversation.Channel
	Content     []conversation.ContentBlock
	ContentType string
	// MemoryEpoch is required for MEMORY entries and forbidden elsewhere.
	MemoryEpoch *int64
	// UserID optionally attributes the entry to the user the agent acts
	// for.
	UserID *string
}

type AppendAgentEntriesInput struct {
	ConversationID core.ID
	Entries        []AgentEntryInput
}

func (uc *AppendAgentEntries) Execute(ctx context.Context, in *AppendAgentEntriesInput) ([]*conversation.Entry, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if !actor.IsAgent() {
		return nil, core.AccessDeniedError("agent credentials required")
	}
	if len(in.Entries) == 0 {
		return nil, core.BadRequestError("entries must not be empty")
	}
	conv, _, err := loadForAccess(ctx, uc.opts, actor, in.ConversationID, conversation.AccessWriter, true)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	clientID := actor.ClientID
	entries := make([]*conversation.Entry, 0, len(in.Entries))
	touch := false
	var historyBlocks []conversation.ContentBlock
	for i, item := range in.Entries {
		if len(item.Content) == 0 {
			return nil, core.BadRequestError(fmt.Sprintf("entries[%d]: content must not be empty", i))
		}
		switch item.Channel {
		case conversation.ChannelHistory:
			if item.MemoryEpoch != nil {
				return nil, core.BadRequestError(fmt.Sprintf("entries[%d]: memoryEpoch is only valid on MEMORY entries", i))
			}
			touch = true
			if historyBlocks == nil {
				historyBlocks = item.Content
			}
		case conversation.ChannelMemory:
			if item.MemoryEpoch == nil {
				return nil, core.BadRequestError(fmt.Sprintf("entries[%d]: memoryEpoch is required on MEMORY entries", i))
			}
		case conversation.ChannelSummary:
			if item.MemoryEpoch != nil {
				return nil, core.BadRequestError(fmt.Sprintf("entries[%d]: memoryEpoch is only valid on MEMORY entries", i))
			}
		default:
			return nil, core.BadRequestError(fmt.Sprintf("entries[%d]: unknown channel %q", i, item.Channel))
		}
		entry := &conversation.Entry{
			ID:             core.NewID(),
			ConversationID: conv.ID,
			GroupID:        conv.GroupID,
			UserID:         item.UserID,
			ClientID:       &clientID,
			Channel:        item.Channel,
			MemoryEpoch:    item.MemoryEpoch,
			Content:        item.Content,
			ContentType:    item.ContentType,
			CreatedAt:      now.Add(time.Duration(i) * time.Microsecond),
		}
		entries = append(entries, entry)
	}
	if err := uc.opts.Store.Entries.Append(ctx, entries, touch); err != nil {
		return nil, fmt.Errorf("appending entries: %w", err)
	}
	if touch && historyBlocks != nil {
		if err := deriveTitleFromBlocks(ctx, uc.opts, conv, historyBlocks); err != nil {
			return nil, err
		}
	}
	for _, entry := range entries {
		if entry.Channel == conversation.ChannelMemory {
			uc.opts.Cache.Append(ctx, conv.ID, clientID, *entry.MemoryEpoch, []*conversation.Entry{entry})
		}
	}
	return entries, nil
}
