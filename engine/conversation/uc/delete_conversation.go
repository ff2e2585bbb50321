package uc

import (
	"context"
	"fmt"
	"time"

	"github.com/threadkeep/threadkeep/engine/conversation"
	"github.com/threadkeep/threadkeep/engine/core"
)

// DeleteConversation soft-deletes a conversation. Entries stay in place
// until retention hard-deletes them; cached memory snapshots are dropped
// immediately.
type DeleteConversation struct {
	opts *Options
}

func NewDeleteConversation(opts *Options) *DeleteConversation {
	return &DeleteConversation{opts: opts}
}

func (uc *DeleteConversation) Execute(ctx context.Context, id core.ID) error {
	actor, err := requireActor(ctx)
	if err != nil {
		return err
	}
	conv, _, err := loadForAccess(ctx, uc.opts, actor, id, conversation.AccessManager, true)
	if err != nil {
		return err
	}
	if err := uc.opts.Store.Conversations.SoftDelete(ctx, conv.ID, time.Now().UTC()); err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	uc.opts.Cache.DeleteConversation(ctx, conv.ID)
	return nil
}
