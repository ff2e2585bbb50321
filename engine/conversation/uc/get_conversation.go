package uc

import (
	"context"

	"github.com/threadkeep/threadkeep/engine/conversation"
	"github.com/threadkeep/threadkeep/engine/core"
)

// GetConversation returns one conversation visible to the actor.
type GetConversation struct {
	opts *Options
}

func NewGetConversation(opts *Options) *GetConversation {
	return &GetConversation{opts: opts}
}

func (uc *GetConversation) Execute(ctx context.Context, id core.ID) (*conversation.Conversation, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	conv, _, err := loadForAccess(ctx, uc.opts, actor, id, conversation.AccessReader, false)
	if err != nil {
		return nil, err
	}
	return conv, nil
}
