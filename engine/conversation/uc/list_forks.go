package uc

import (
	"context"
	"fmt"

	"github.com/threadkeep/threadkeep/engine/conversation"
	"github.com/threadkeep/threadkeep/engine/core"
)

// ListForks returns every live conversation in the group, roots first.
type ListForks struct {
	opts *Options
}

func NewListForks(opts *Options) *ListForks {
	return &ListForks{opts: opts}
}

func (uc *ListForks) Execute(ctx context.Context, conversationID core.ID) ([]*conversation.Conversation, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	conv, _, err := loadForAccess(ctx, uc.opts, actor, conversationID, conversation.AccessReader, false)
	if err != nil {
		return nil, err
	}
	forks, err := uc.opts.Store.Conversations.ListForks(ctx, conv.GroupID)
	if err != nil {
		return nil, fmt.Errorf("listing forks: %w", err)
	}
	return forks, nil
}
