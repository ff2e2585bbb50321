package uc

import (
	"context"
	"fmt"
	"time"

	"github.com/threadkeep/threadkeep/engine/authz"
	"github.com/threadkeep/threadkeep/engine/conversation"
	"github.com/threadkeep/threadkeep/engine/core"
)

// AppendUserEntry appends a single HISTORY entry on behalf of a user.
// When the conversation does not exist yet it is created with the given
// id, so integrations can write optimistically without a create call.
type AppendUserEntry struct {
	opts   *Options
	create *CreateConversation
}

func NewAppendUserEntry(opts *Options) *AppendUserEntry {
	return &AppendUserEntry{opts: opts, create: NewCreateConversation(opts)}
}

type AppendUserEntryInput struct {
	ConversationID core.ID
	Content        []conversation.ContentBlock
	ContentType    string
}

func (uc *AppendUserEntry) Execute(ctx context.Context, in *AppendUserEntryInput) (*conversation.Entry, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if len(in.Content) == 0 {
		return nil, core.BadRequestError("content must not be empty")
	}
	existing, err := uc.opts.Store.Conversations.Get(ctx, in.ConversationID, true)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	if existing != nil && existing.DeletedAt != nil {
		// The id belongs to a soft-deleted conversation; recreating it
		// under the tombstone would collide on the primary key.
		return nil, core.NotFoundError("conversation not found")
	}
	var conv *conversation.Conversation
	if existing == nil {
		// Optimistic create: the first write materializes the conversation
		// under the caller's ownership.
		conv, err = uc.create.Execute(ctx, &CreateConversationInput{ID: in.ConversationID})
	} else {
		conv, _, err = loadForAccess(ctx, uc.opts, actor, in.ConversationID, conversation.AccessWriter, true)
	}
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	userID := authz.PrincipalID(actor)
	entry := &conversation.Entry{
		ID:             core.NewID(),
		ConversationID: conv.ID,
		GroupID:        conv.GroupID,
		UserID:         &userID,
		Channel:        conversation.ChannelHistory,
		Content:        in.Content,
		ContentType:    in.ContentType,
		CreatedAt:      now,
	}
	if err := uc.opts.Store.Entries.Append(ctx, []*conversation.Entry{entry}, true); err != nil {
		return nil, fmt.Errorf("appending entry: %w", err)
	}
	if err := deriveTitleFromBlocks(ctx, uc.opts, conv, in.Content); err != nil {
		return nil, err
	}
	return entry, nil
}
