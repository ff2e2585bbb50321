package uc

import (
	"context"
	"fmt"
	"time"

	"github.com/threadkeep/threadkeep/engine/conversation"
	"github.com/threadkeep/threadkeep/engine/core"
)

// ForkConversation creates a sibling conversation in the same group,
// anchored at the HISTORY entry preceding the given one. Entries are not
// copied; readers reconstruct the prefix by following the anchor.
type ForkConversation struct {
	opts *Options
}

func NewForkConversation(opts *Options) *ForkConversation {
	return &ForkConversation{opts: opts}
}

type ForkConversationInput struct {
	ConversationID core.ID
	// EntryID is the HISTORY entry the fork diverges at: the fork replays
	// everything strictly before it.
	EntryID  core.ID
	Title    *string
	Metadata map[string]any
}

func (uc *ForkConversation) Execute(ctx context.Context, in *ForkConversationInput) (*conversation.Conversation, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	parent, _, err := loadForAccess(ctx, uc.opts, actor, in.ConversationID, conversation.AccessWriter, true)
	if err != nil {
		return nil, err
	}
	entry, err := uc.opts.Store.Entries.Get(ctx, parent.ID, in.EntryID)
	if err != nil {
		return nil, fmt.Errorf("loading fork entry: %w", err)
	}
	if entry == nil {
		return nil, core.NotFoundError("entry not found")
	}
	if entry.Channel != conversation.ChannelHistory {
		return nil, core.BadRequestError("forks must anchor at a HISTORY entry")
	}
	anchor, err := uc.opts.Store.Entries.PrevHistory(ctx, parent.ID, entry)
	if err != nil {
		return nil, fmt.Errorf("resolving fork anchor: %w", err)
	}
	now := time.Now().UTC()
	title := in.Title
	if title == nil {
		title = parent.Title
	}
	fork := &conversation.Conversation{
		ID:                     core.NewID(),
		GroupID:                parent.GroupID,
		OwnerUserID:            parent.OwnerUserID,
		Title:                  title,
		Metadata:               in.Metadata,
		CreatedAt:              now,
		UpdatedAt:              now,
		ForkedAtConversationID: &parent.ID,
	}
	if anchor != nil {
		fork.ForkedAtEntryID = &anchor.ID
	}
	if err := uc.opts.Store.Conversations.CreateFork(ctx, fork); err != nil {
		return nil, fmt.Errorf("creating fork: %w", err)
	}
	return fork, nil
}
